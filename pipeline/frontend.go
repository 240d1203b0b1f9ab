// Package pipeline connects capture, transcription and the host. Frontends
// expose start/stop to the host and publish every outcome on a single
// onChange channel.
package pipeline

type Status string

const (
	StatusIdle         Status = "idle"
	StatusStarting     Status = "starting"
	StatusRecording    Status = "recording"
	StatusTranscribing Status = "transcribing"
	StatusListening    Status = "listening"
)

// Frontend is the host boundary. Start and stop return immediately; results
// arrive on Events.
type Frontend interface {
	StartRecording()
	StopRecording()
	// CanStop reports whether hosts should offer a stop control.
	CanStop() bool
	Events() *Channel
	Status() Status
	Close() error
}
