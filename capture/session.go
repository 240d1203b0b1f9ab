// Package capture owns the single recording session: device configuration,
// microphone permission, streaming to the working file and finalization.
//
// A Session is not safe for concurrent use. Every method must be called
// from the owner's serialized loop; asynchronous answers come back through
// the post function given to New.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"murmur/audio"
	"murmur/encoder"
	"murmur/log"
	"murmur/permission"
)

var (
	ErrConfigure        = errors.New("failed to set up recording session")
	ErrPermissionDenied = errors.New("recording permission denied")
	ErrStart            = errors.New("failed to start recording")
	ErrFault            = errors.New("recording failed to complete successfully")
	ErrBusy             = errors.New("recording already in progress")
)

const minRecording = 100 * time.Millisecond

type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateDenied
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateDenied:
		return "denied"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type StopReason string

const (
	StopRequested   StopReason = "requested"
	StopSilence     StopReason = "silence"
	StopMaxDuration StopReason = "max_duration"
)

// Recording describes a finalized working file.
type Recording struct {
	SessionID  string
	Path       string
	Duration   time.Duration
	Frames     uint64
	EncodeTime time.Duration
	Reason     StopReason
}

type Config struct {
	Path        string
	Device      *audio.DeviceInfo
	SilenceStop time.Duration
	MaxDuration time.Duration

	// Create opens the destination for writing, truncating any previous
	// recording. Defaults to os.Create after making the parent directory.
	Create func(path string) (io.WriteCloser, error)
}

// Listener receives the session's terminal signals. Exactly one of them
// fires per started session, except when the session is stopped while
// configuring or discarded for being too short.
type Listener struct {
	Finished func(Recording)
	Failed   func(sessionID string, err error)
}

type Session struct {
	actx     audio.Context
	gate     permission.Gate
	cfg      Config
	post     func(func())
	listener Listener

	state      State
	gen        uint64
	id         string
	cancelPerm context.CancelFunc
	dev        audio.CaptureDevice
	rec        *recorder
	monitorEnd chan struct{}
}

func New(actx audio.Context, gate permission.Gate, cfg Config, post func(func()), l Listener) *Session {
	if cfg.Create == nil {
		cfg.Create = createFile
	}
	return &Session{actx: actx, gate: gate, cfg: cfg, post: post, listener: l}
}

func createFile(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func (s *Session) State() State { return s.state }

// ID returns the current or most recent session ID.
func (s *Session) ID() string { return s.id }

func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	log.State(s.id, s.state.String(), to.String())
	s.state = to
}

func (s *Session) fail(err error) {
	if s.listener.Failed != nil {
		s.listener.Failed(s.id, err)
	}
}

// Start configures the device and asks for microphone permission. The
// rest of the start happens when the answer is posted back.
func (s *Session) Start() {
	if s.state == StateConfiguring || s.state == StateRecording {
		log.Warnf("start rejected: session %s is %s", s.id, s.state)
		if s.listener.Failed != nil {
			s.listener.Failed(s.id, ErrBusy)
		}
		return
	}

	s.gen++
	s.id = uuid.NewString()
	s.setState(StateConfiguring)

	dev, err := s.actx.NewCapture(s.cfg.Device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		s.setState(StateIdle)
		s.fail(fmt.Errorf("%w: %w", ErrConfigure, err))
		return
	}
	s.dev = dev

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelPerm = cancel
	gen := s.gen
	go func() {
		state, err := s.gate.Request(ctx, permission.Microphone)
		s.post(func() { s.onPermission(gen, state, err) })
	}()
}

func (s *Session) onPermission(gen uint64, state permission.State, err error) {
	if gen != s.gen || s.state != StateConfiguring {
		return // stopped or superseded while the prompt was up
	}
	s.cancelPerm()
	s.cancelPerm = nil

	if err != nil || state != permission.Granted {
		s.setState(StateDenied)
		s.release()
		s.setState(StateIdle)
		if err != nil {
			s.fail(fmt.Errorf("%w: %w", ErrPermissionDenied, err))
		} else {
			s.fail(ErrPermissionDenied)
		}
		return
	}

	if err := s.begin(gen); err != nil {
		s.release()
		s.setState(StateIdle)
		s.fail(fmt.Errorf("%w: %w", ErrStart, err))
	}
}

func (s *Session) begin(gen uint64) error {
	w, err := s.cfg.Create(s.cfg.Path)
	if err != nil {
		return err
	}
	onFault := func(err error) {
		s.post(func() { s.onFault(gen, err) })
	}
	rec, err := newRecorder(w, onFault)
	if err != nil {
		w.Close()
		return err
	}
	s.rec = rec

	s.dev.SetCallback(rec.Feed)
	s.dev.SetErrorCallback(func(err error) { onFault(err) })
	if err := s.dev.Start(); err != nil {
		return err
	}
	s.setState(StateRecording)
	log.Infof("recording: session=%s device=%s", s.id, s.dev.DeviceName())
	s.monitorEnd = make(chan struct{})
	go s.monitor(gen, rec, s.monitorEnd)
	return nil
}

// monitor ticks the silence detector and the duration cap.
func (s *Session) monitor(gen uint64, rec *recorder, done <-chan struct{}) {
	mon := newSilenceMonitor(s.cfg.SilenceStop)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	started := time.Now()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		if s.cfg.MaxDuration > 0 && time.Since(started) >= s.cfg.MaxDuration {
			s.post(func() { s.autoStop(gen, StopMaxDuration) })
			return
		}
		switch mon.Tick(rec.Level() >= speechRMS) {
		case SilenceWarn:
			log.Info("silence_warning")
		case SilenceWarnClear:
			log.Info("silence_warning_cleared")
		case SilenceAutoStop:
			s.post(func() { s.autoStop(gen, StopSilence) })
			return
		}
	}
}

func (s *Session) autoStop(gen uint64, reason StopReason) {
	if gen != s.gen || s.state != StateRecording {
		return
	}
	log.Infof("auto_stop reason=%s", reason)
	s.stop(reason)
}

// Stop finalizes an active recording. It is a no-op when nothing is
// recording and silently abandons a start that is still configuring.
func (s *Session) Stop() {
	switch s.state {
	case StateConfiguring:
		s.gen++
		if s.cancelPerm != nil {
			s.cancelPerm()
			s.cancelPerm = nil
		}
		s.release()
		s.setState(StateIdle)
	case StateRecording:
		s.stop(StopRequested)
	}
}

func (s *Session) stop(reason StopReason) {
	s.gen++
	s.setState(StateStopped)
	s.endMonitor()
	s.dev.Stop()
	s.dev.ClearCallback()

	rec := s.rec
	s.rec = nil
	frames, err := rec.Finish()
	s.release()
	s.setState(StateIdle)

	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrFault, err))
		return
	}
	dur := encoder.Duration(frames)
	if dur < minRecording {
		log.Infof("recording discarded: %s is below %s", dur, minRecording)
		os.Remove(s.cfg.Path)
		return
	}
	if s.listener.Finished != nil {
		s.listener.Finished(Recording{
			SessionID:  s.id,
			Path:       s.cfg.Path,
			Duration:   dur,
			Frames:     frames,
			EncodeTime: rec.EncodeTime(),
			Reason:     reason,
		})
	}
}

func (s *Session) onFault(gen uint64, err error) {
	if gen != s.gen || s.state != StateRecording {
		return
	}
	s.gen++
	log.Errorf("recording fault: %v", err)
	s.endMonitor()
	s.dev.ClearCallback()
	s.dev.Stop()
	if s.rec != nil {
		s.rec.Abort()
		s.rec = nil
	}
	s.release()
	s.setState(StateIdle)
	s.fail(fmt.Errorf("%w: %w", ErrFault, err))
}

func (s *Session) endMonitor() {
	if s.monitorEnd != nil {
		close(s.monitorEnd)
		s.monitorEnd = nil
	}
}

// release frees the device and any open recorder. Safe to call on every
// exit path.
func (s *Session) release() {
	if s.rec != nil {
		s.rec.Abort()
		s.rec = nil
	}
	if s.dev != nil {
		s.dev.ClearCallback()
		s.dev.Close()
		s.dev = nil
	}
}

// Close tears down whatever is in progress without emitting anything.
func (s *Session) Close() {
	s.gen++
	if s.cancelPerm != nil {
		s.cancelPerm()
		s.cancelPerm = nil
	}
	s.endMonitor()
	s.release()
	s.setState(StateIdle)
}
