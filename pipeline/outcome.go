package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"murmur/capture"
	"murmur/transcriber"
)

type Kind int

const (
	RecordingError Kind = iota + 1
	TranscriptionError
	TranscriptionResult
)

func (k Kind) String() string {
	switch k {
	case RecordingError:
		return "recording_error"
	case TranscriptionError:
		return "transcription_error"
	case TranscriptionResult:
		return "transcription_result"
	}
	return "unknown"
}

type ErrorKind int

const (
	NoError ErrorKind = iota
	ConfigurationError
	PermissionDenied
	RecordingFailure
	TranscriptionFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigurationError:
		return "configuration_error"
	case PermissionDenied:
		return "permission_denied"
	case RecordingFailure:
		return "recording_failure"
	case TranscriptionFailure:
		return "transcription_failure"
	}
	return ""
}

// Outcome is one onChange event. Text holds the transcript for results and
// the display message for errors.
type Outcome struct {
	Kind      Kind
	Err       ErrorKind
	Text      string
	SessionID string
	At        time.Time
}

// Value is the plain string payload older string-only listeners expect.
func (o Outcome) Value() string { return o.Text }

func (o Outcome) IsError() bool { return o.Kind != TranscriptionResult }

type outcomeJSON struct {
	Event     string    `json:"event"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error,omitempty"`
	Value     string    `json:"value"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// MarshalJSON renders the outcome as a pushed onChange event.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(outcomeJSON{
		Event:     EventName,
		Kind:      o.Kind.String(),
		Error:     o.Err.String(),
		Value:     o.Value(),
		SessionID: o.SessionID,
		At:        o.At.UTC(),
	})
}

const (
	msgSetupFailed      = "Failed to set up recording session"
	msgRecordingDenied  = "Recording permission denied"
	msgStartFailed      = "Failed to start recording"
	msgRecordingFailed  = "Recording failed to complete successfully"
	msgAlreadyRecording = "Recording already in progress"
	msgSpeechDenied     = "Transcription permission was declined"
)

func recordingOutcome(sessionID string, err error) Outcome {
	o := Outcome{Kind: RecordingError, SessionID: sessionID, At: time.Now()}
	switch {
	case errors.Is(err, capture.ErrConfigure):
		o.Err, o.Text = ConfigurationError, msgSetupFailed
	case errors.Is(err, capture.ErrPermissionDenied):
		o.Err, o.Text = PermissionDenied, msgRecordingDenied
	case errors.Is(err, capture.ErrStart):
		o.Err, o.Text = RecordingFailure, msgStartFailed
	case errors.Is(err, capture.ErrBusy):
		o.Err, o.Text = RecordingFailure, msgAlreadyRecording
	default:
		o.Err, o.Text = RecordingFailure, msgRecordingFailed
	}
	return o
}

func transcriptionOutcome(sessionID string, t transcriber.Transcript, err error) Outcome {
	o := Outcome{SessionID: sessionID, At: time.Now()}
	switch {
	case err == nil:
		o.Kind, o.Text = TranscriptionResult, t.Text
	case errors.Is(err, transcriber.ErrSpeechDenied):
		o.Kind, o.Err, o.Text = TranscriptionError, PermissionDenied, msgSpeechDenied
	default:
		o.Kind, o.Err = TranscriptionError, TranscriptionFailure
		o.Text = fmt.Sprintf("Transcription error: %v", err)
	}
	return o
}
