package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"murmur/audio"
	"murmur/capture"
	"murmur/dialog"
	"murmur/encoder"
	"murmur/permission"
	"murmur/transcriber"
)

func tonePCM(d time.Duration) []byte {
	n := int(d * encoder.SampleRate / time.Second)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(8000 * math.Sin(2*math.Pi*300*float64(i)/encoder.SampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

type collector struct {
	mu  sync.Mutex
	got []Outcome
	ch  chan Outcome
}

func listen(f Frontend) *collector {
	c := &collector{ch: make(chan Outcome, 16)}
	f.Events().AddListener(EventName, func(o Outcome) {
		c.mu.Lock()
		c.got = append(c.got, o)
		c.mu.Unlock()
		c.ch <- o
	})
	return c
}

func (c *collector) next(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-c.ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
	}
	return Outcome{}
}

// quiet asserts nothing else arrives for a short while.
func (c *collector) quiet(t *testing.T) {
	t.Helper()
	select {
	case o := <-c.ch:
		t.Fatalf("unexpected outcome %+v", o)
	case <-time.After(100 * time.Millisecond):
	}
}

type rig struct {
	ctl  *Controller
	actx *audio.FakeContext
	gate *permission.Fake
	rec  *transcriber.FakeRecognizer
	out  *collector
	path string
}

func newRig(t *testing.T, rec *transcriber.FakeRecognizer) *rig {
	t.Helper()
	r := newRigWith(t, rec)
	r.rec = rec
	return r
}

func newRigWith(t *testing.T, rec transcriber.Recognizer) *rig {
	t.Helper()
	r := &rig{
		actx: audio.NewFakeContextPCM(tonePCM(500*time.Millisecond), false),
		gate: permission.NewFake(permission.Granted, permission.Granted),
		path: filepath.Join(t.TempDir(), "recording.flac"),
	}
	engine := transcriber.NewEngine(r.gate, rec, 0)
	r.ctl = NewController(r.actx, r.gate, engine, ControllerConfig{
		Capture:  capture.Config{Path: r.path},
		Language: "en",
	})
	r.out = listen(r.ctl)
	t.Cleanup(func() { r.ctl.Close() })
	return r
}

func (r *rig) waitStatus(t *testing.T, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for r.ctl.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("status %s, want %s", r.ctl.Status(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// record runs one start/stop cycle with the whole clip captured.
func (r *rig) record(t *testing.T) {
	t.Helper()
	r.ctl.StartRecording()
	r.waitStatus(t, StatusRecording)
	select {
	case <-r.actx.Last().AudioDone():
	case <-time.After(3 * time.Second):
		t.Fatal("clip never finished")
	}
	r.ctl.StopRecording()
}

func TestHappyPathSingleResult(t *testing.T) {
	r := newRig(t, transcriber.NewFake("hello world", nil))
	r.record(t)

	o := r.out.next(t)
	if o.Kind != TranscriptionResult || o.Value() != "hello world" || o.Err != NoError {
		t.Fatalf("outcome = %+v", o)
	}
	if o.SessionID == "" || o.At.IsZero() {
		t.Errorf("missing metadata: %+v", o)
	}
	r.out.quiet(t)

	calls := r.rec.Calls()
	if len(calls) != 1 || calls[0].Language != "en" || calls[0].SessionID != o.SessionID {
		t.Errorf("recognizer calls = %+v", calls)
	}
	if r.ctl.Status() != StatusIdle {
		t.Errorf("status = %s", r.ctl.Status())
	}
}

func TestStopWithoutSession(t *testing.T) {
	r := newRig(t, transcriber.NewFake("unused", nil))
	r.ctl.StopRecording()
	r.ctl.StopRecording()
	r.out.quiet(t)
	if r.ctl.Status() != StatusIdle {
		t.Errorf("status = %s", r.ctl.Status())
	}
}

func TestMicrophoneDeniedSingleError(t *testing.T) {
	r := newRig(t, transcriber.NewFake("unused", nil))
	r.gate.Set(permission.Microphone, permission.Denied)

	r.ctl.StartRecording()
	o := r.out.next(t)
	if o.Kind != RecordingError || o.Err != PermissionDenied || o.Value() != "Recording permission denied" {
		t.Fatalf("outcome = %+v", o)
	}
	r.out.quiet(t)
	if r.ctl.Status() != StatusIdle {
		t.Errorf("status = %s", r.ctl.Status())
	}
	if len(r.rec.Calls()) != 0 {
		t.Error("recognizer called after denial")
	}
}

func TestSpeechDeniedSingleError(t *testing.T) {
	r := newRig(t, transcriber.NewFake("never shown", nil))
	r.gate.Set(permission.Speech, permission.Denied)
	r.record(t)

	o := r.out.next(t)
	if o.Kind != TranscriptionError || o.Err != PermissionDenied || o.Value() != "Transcription permission was declined" {
		t.Fatalf("outcome = %+v", o)
	}
	r.out.quiet(t)
	if len(r.rec.Calls()) != 0 {
		t.Error("recognizer called without speech permission")
	}
}

func TestRecognizerFailure(t *testing.T) {
	r := newRig(t, transcriber.NewFake("", errors.New("upstream 503")))
	r.record(t)

	o := r.out.next(t)
	if o.Kind != TranscriptionError || o.Err != TranscriptionFailure {
		t.Fatalf("outcome = %+v", o)
	}
	if !strings.HasPrefix(o.Value(), "Transcription error: ") || !strings.Contains(o.Value(), "upstream 503") {
		t.Errorf("value = %q", o.Value())
	}
	r.out.quiet(t)
}

func TestNoSpeechIsTranscriptionError(t *testing.T) {
	r := newRig(t, transcriber.NewFake("   ", nil))
	r.record(t)
	o := r.out.next(t)
	if o.Kind != TranscriptionError || !strings.Contains(o.Value(), "no speech") {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestRemovedListenerGetsNothing(t *testing.T) {
	r := newRig(t, transcriber.NewFake("hello", nil))
	var removedGot int
	var mu sync.Mutex
	sub := r.ctl.Events().AddListener(EventName, func(Outcome) {
		mu.Lock()
		removedGot++
		mu.Unlock()
	})
	sub.Remove()

	r.record(t)
	r.out.next(t)
	mu.Lock()
	defer mu.Unlock()
	if removedGot != 0 {
		t.Errorf("removed listener got %d events", removedGot)
	}
}

func TestFaultBeforeStop(t *testing.T) {
	r := newRig(t, transcriber.NewFake("unused", nil))
	r.actx.FaultAfter(4096, errors.New("usb mic unplugged"))

	r.ctl.StartRecording()
	o := r.out.next(t)
	if o.Kind != RecordingError || o.Err != RecordingFailure || o.Value() != "Recording failed to complete successfully" {
		t.Fatalf("outcome = %+v", o)
	}
	r.ctl.StopRecording()
	r.out.quiet(t)
	if len(r.rec.Calls()) != 0 {
		t.Error("transcription requested for a failed recording")
	}
	if r.ctl.Status() != StatusIdle {
		t.Errorf("status = %s", r.ctl.Status())
	}
}

func TestOverlappingStartRejected(t *testing.T) {
	r := newRig(t, transcriber.NewFake("only once", nil))
	r.ctl.StartRecording()
	r.waitStatus(t, StatusRecording)

	r.ctl.StartRecording()
	o := r.out.next(t)
	if o.Kind != RecordingError || o.Err != RecordingFailure || o.Value() != "Recording already in progress" {
		t.Fatalf("outcome = %+v", o)
	}
	if r.ctl.Status() != StatusRecording {
		t.Fatalf("active session disturbed: %s", r.ctl.Status())
	}

	<-r.actx.Last().AudioDone()
	r.ctl.StopRecording()
	o = r.out.next(t)
	if o.Kind != TranscriptionResult || o.Value() != "only once" {
		t.Fatalf("outcome = %+v", o)
	}
	r.out.quiet(t)
}

func TestConfigurationError(t *testing.T) {
	r := newRig(t, transcriber.NewFake("unused", nil))
	r.actx.FailCapture(errors.New("no input devices"))
	r.ctl.StartRecording()
	o := r.out.next(t)
	if o.Kind != RecordingError || o.Err != ConfigurationError || o.Value() != "Failed to set up recording session" {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestStopWhileStartingIsSilent(t *testing.T) {
	r := newRig(t, transcriber.NewFake("unused", nil))
	release := r.gate.Hold()
	r.ctl.StartRecording()
	r.waitStatus(t, StatusStarting)
	r.ctl.StopRecording()
	release()
	r.out.quiet(t)
	if r.ctl.Status() != StatusIdle {
		t.Errorf("status = %s", r.ctl.Status())
	}
}

// snapshotRecognizer holds each request until released and reports whether
// its file changed in the meantime.
type snapshotRecognizer struct {
	started chan string
	release chan struct{}
}

func (s *snapshotRecognizer) Name() string { return "snapshot" }

func (s *snapshotRecognizer) Recognize(ctx context.Context, req transcriber.Request, emit func(transcriber.Hypothesis)) error {
	before, err := os.ReadFile(req.Path)
	if err != nil {
		return err
	}
	s.started <- req.Path
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	after, err := os.ReadFile(req.Path)
	if err != nil {
		return err
	}
	text := "intact"
	if !bytes.Equal(before, after) {
		text = "overwritten"
	}
	emit(transcriber.Hypothesis{Text: text, Final: true})
	return nil
}

func TestRecordingWhileTranscribingKeepsRequestFile(t *testing.T) {
	sr := &snapshotRecognizer{started: make(chan string, 2), release: make(chan struct{})}
	r := newRigWith(t, sr)

	started := func() string {
		t.Helper()
		select {
		case p := <-sr.started:
			return p
		case <-time.After(5 * time.Second):
			t.Fatal("recognizer never called")
		}
		return ""
	}
	r.record(t)
	first := started()
	r.record(t)
	second := started()
	if first == second || first == r.path || second == r.path {
		t.Fatalf("request paths %q and %q share the working file %q", first, second, r.path)
	}

	close(sr.release)
	for i := 0; i < 2; i++ {
		if o := r.out.next(t); o.Kind != TranscriptionResult || o.Text != "intact" {
			t.Errorf("outcome = %+v", o)
		}
	}
	for _, p := range []string{first, second} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s left behind: %v", p, err)
		}
	}
}

func TestCloseStopsEvents(t *testing.T) {
	rec := transcriber.NewFake("late", nil)
	rec.Delay = 200 * time.Millisecond
	r := newRig(t, rec)
	r.record(t)
	r.waitStatus(t, StatusTranscribing)

	if err := r.ctl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r.out.quiet(t)
	if r.ctl.Status() != StatusIdle {
		t.Errorf("status after close = %s", r.ctl.Status())
	}
}

func TestDialogFrontendResult(t *testing.T) {
	d := &dialog.Fake{Candidates: []string{"call mom", "call tom"}}
	f := NewDialogFrontend(d, dialog.NewParams("en-US", ""))
	defer f.Close()
	out := listen(f)

	if f.CanStop() {
		t.Error("dialog frontend must not offer stop")
	}
	f.StopRecording()
	f.StartRecording()

	o := out.next(t)
	if o.Kind != TranscriptionResult || o.Value() != "call mom, call tom" {
		t.Fatalf("outcome = %+v", o)
	}
	out.quiet(t)

	shown := d.Shown()
	if len(shown) != 1 || shown[0].LanguageModel != "free_form" || shown[0].Prompt != "Speak to text" || shown[0].Locale != "en-US" {
		t.Errorf("dialog params = %+v", shown)
	}
}

func TestDialogFrontendCancel(t *testing.T) {
	d := &dialog.Fake{Err: dialog.ErrCanceled}
	f := NewDialogFrontend(d, dialog.NewParams("en-US", ""))
	defer f.Close()
	out := listen(f)

	f.StartRecording()
	out.quiet(t)
	if f.Status() != StatusIdle {
		t.Errorf("status = %s", f.Status())
	}
}

func TestDialogFrontendSingleDialog(t *testing.T) {
	d := &dialog.Fake{Candidates: []string{"one"}}
	release := d.Hold()
	f := NewDialogFrontend(d, dialog.NewParams("en-US", ""))
	defer f.Close()
	out := listen(f)

	f.StartRecording()
	deadline := time.Now().Add(2 * time.Second)
	for f.Status() != StatusListening {
		if time.Now().After(deadline) {
			t.Fatal("dialog never shown")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.StartRecording()
	release()

	if o := out.next(t); o.Value() != "one" {
		t.Fatalf("outcome = %+v", o)
	}
	out.quiet(t)
	if n := len(d.Shown()); n != 1 {
		t.Errorf("dialog shown %d times", n)
	}
}
