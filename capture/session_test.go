package capture

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"murmur/audio"
	"murmur/encoder"
	"murmur/permission"
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

type harness struct {
	t        *testing.T
	posted   chan func()
	actx     *audio.FakeContext
	gate     *permission.Fake
	sess     *Session
	path     string
	finished []Recording
	failed   []error
	stateAt  []State
}

func newHarness(t *testing.T, pcm []byte, realtime bool, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		posted: make(chan func(), 64),
		actx:   audio.NewFakeContextPCM(pcm, realtime),
		gate:   permission.NewFake(permission.Granted, permission.Granted),
		path:   filepath.Join(t.TempDir(), "rec", "recording.flac"),
	}
	cfg := Config{Path: h.path}
	if mutate != nil {
		mutate(&cfg)
	}
	h.sess = New(h.actx, h.gate, cfg, func(f func()) { h.posted <- f }, Listener{
		Finished: func(r Recording) {
			h.stateAt = append(h.stateAt, h.sess.State())
			h.finished = append(h.finished, r)
		},
		Failed: func(_ string, err error) { h.failed = append(h.failed, err) },
	})
	t.Cleanup(h.sess.Close)
	return h
}

func (h *harness) pumpUntil(cond func() bool) {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case f := <-h.posted:
			f()
		case <-deadline:
			h.t.Fatalf("timed out in state %s", h.sess.State())
		}
	}
}

// settle runs whatever gets posted for d.
func (h *harness) settle(d time.Duration) {
	deadline := time.After(d)
	for {
		select {
		case f := <-h.posted:
			f()
		case <-deadline:
			return
		}
	}
}

func (h *harness) recording() bool { return h.sess.State() == StateRecording }

func (h *harness) startRecording() {
	h.t.Helper()
	h.sess.Start()
	h.pumpUntil(h.recording)
}

func (h *harness) waitClip() {
	h.t.Helper()
	select {
	case <-h.actx.Last().AudioDone():
	case <-time.After(3 * time.Second):
		h.t.Fatal("clip never finished")
	}
}

func TestHappyPath(t *testing.T) {
	pcm := tonePCM(time.Second)
	h := newHarness(t, pcm, false, nil)

	h.startRecording()
	h.waitClip()
	h.sess.Stop()

	if len(h.failed) != 0 {
		t.Fatalf("unexpected failures: %v", h.failed)
	}
	if len(h.finished) != 1 {
		t.Fatalf("finished %d times, want 1", len(h.finished))
	}
	r := h.finished[0]
	if r.Path != h.path || r.Reason != StopRequested {
		t.Errorf("recording = %+v", r)
	}
	if r.Duration < time.Second {
		t.Errorf("duration = %v, want >= 1s", r.Duration)
	}
	if h.stateAt[0] == StateRecording {
		t.Error("finished delivered while still recording")
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %s, want idle", h.sess.State())
	}
	if !h.actx.Last().Closed() {
		t.Error("device not released")
	}

	samples, rate, err := encoder.ReadFlac(h.path)
	if err != nil {
		t.Fatalf("ReadFlac: %v", err)
	}
	if rate != encoder.SampleRate || len(samples) < encoder.SampleRate {
		t.Errorf("decoded %d samples at %d Hz", len(samples), rate)
	}
	if got := int16(binary.LittleEndian.Uint16(pcm[200:])); samples[100] != got {
		t.Errorf("sample 100 = %d, want %d", samples[100], got)
	}
}

func TestStartTruncatesPreviousRecording(t *testing.T) {
	h := newHarness(t, tonePCM(2*time.Second), false, nil)
	h.startRecording()
	h.waitClip()
	h.sess.Stop()
	first, _ := os.Stat(h.path)

	h.actx = audio.NewFakeContextPCM(tonePCM(300*time.Millisecond), false)
	h.sess.actx = h.actx
	h.startRecording()
	h.waitClip()
	h.sess.Stop()
	second, _ := os.Stat(h.path)

	if len(h.finished) != 2 {
		t.Fatalf("finished %d times, want 2", len(h.finished))
	}
	if h.finished[0].SessionID == h.finished[1].SessionID {
		t.Error("session IDs reused")
	}
	if second.Size() >= first.Size() {
		t.Errorf("second file %d bytes not smaller than first %d", second.Size(), first.Size())
	}
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t, nil, false, nil)
	h.sess.Stop()
	h.sess.Stop()
	h.settle(20 * time.Millisecond)
	if len(h.failed)+len(h.finished) != 0 {
		t.Fatalf("idle stop produced events: %v %v", h.failed, h.finished)
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %s", h.sess.State())
	}
}

func TestMicrophoneDenied(t *testing.T) {
	h := newHarness(t, tonePCM(time.Second), false, nil)
	h.gate.Set(permission.Microphone, permission.Denied)

	h.sess.Start()
	h.pumpUntil(func() bool { return len(h.failed) > 0 })
	h.settle(20 * time.Millisecond)

	if len(h.failed) != 1 || !errors.Is(h.failed[0], ErrPermissionDenied) {
		t.Fatalf("failed = %v", h.failed)
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %s, want idle", h.sess.State())
	}
	if h.actx.Last().Started() {
		t.Error("device started without permission")
	}
	if !h.actx.Last().Closed() {
		t.Error("device not released after denial")
	}
	if _, err := os.Stat(h.path); !os.IsNotExist(err) {
		t.Error("file created without permission")
	}
}

func TestPermissionErrorCountsAsDenied(t *testing.T) {
	h := newHarness(t, nil, false, nil)
	h.gate.Fail(permission.Microphone, errors.New("restricted by policy"))
	h.sess.Start()
	h.pumpUntil(func() bool { return len(h.failed) > 0 })
	if !errors.Is(h.failed[0], ErrPermissionDenied) {
		t.Fatalf("got %v", h.failed[0])
	}
}

func TestConfigureFailure(t *testing.T) {
	h := newHarness(t, nil, false, nil)
	h.actx.FailCapture(errors.New("no such device"))

	h.sess.Start()
	if len(h.failed) != 1 || !errors.Is(h.failed[0], ErrConfigure) {
		t.Fatalf("failed = %v", h.failed)
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %s", h.sess.State())
	}
	if h.gate.Calls(permission.Microphone) != 0 {
		t.Error("permission asked after configure failure")
	}
}

func TestStartFailure(t *testing.T) {
	h := newHarness(t, nil, false, nil)
	h.actx.FailStart(errors.New("device busy"))

	h.sess.Start()
	h.pumpUntil(func() bool { return len(h.failed) > 0 })

	if !errors.Is(h.failed[0], ErrStart) {
		t.Fatalf("got %v, want ErrStart", h.failed[0])
	}
	if h.sess.State() != StateIdle || !h.actx.Last().Closed() {
		t.Errorf("state = %s, closed = %v", h.sess.State(), h.actx.Last().Closed())
	}
}

func TestCreateFailure(t *testing.T) {
	h := newHarness(t, nil, false, func(c *Config) {
		c.Create = func(string) (io.WriteCloser, error) { return nil, os.ErrPermission }
	})
	h.sess.Start()
	h.pumpUntil(func() bool { return len(h.failed) > 0 })
	if !errors.Is(h.failed[0], ErrStart) || !errors.Is(h.failed[0], os.ErrPermission) {
		t.Fatalf("got %v", h.failed[0])
	}
}

func TestStopWhileConfiguring(t *testing.T) {
	h := newHarness(t, tonePCM(time.Second), false, nil)
	release := h.gate.Hold()

	h.sess.Start()
	if h.sess.State() != StateConfiguring {
		t.Fatalf("state = %s, want configuring", h.sess.State())
	}
	h.sess.Stop()
	if h.sess.State() != StateIdle {
		t.Fatalf("state = %s, want idle", h.sess.State())
	}
	release()
	h.settle(50 * time.Millisecond)

	if len(h.failed)+len(h.finished) != 0 {
		t.Fatalf("late answer produced events: %v %v", h.failed, h.finished)
	}
	if h.sess.State() != StateIdle {
		t.Errorf("late answer moved state to %s", h.sess.State())
	}
	if h.actx.Last().Started() || !h.actx.Last().Closed() {
		t.Error("device should be released and never started")
	}
}

func TestOverlappingStartRejected(t *testing.T) {
	h := newHarness(t, tonePCM(time.Second), false, nil)
	h.startRecording()
	id := h.sess.ID()
	dev := h.actx.Last()

	h.sess.Start()

	if len(h.failed) != 1 || !errors.Is(h.failed[0], ErrBusy) {
		t.Fatalf("failed = %v", h.failed)
	}
	if h.sess.State() != StateRecording || h.sess.ID() != id {
		t.Fatalf("active session disturbed: %s %s", h.sess.State(), h.sess.ID())
	}
	if h.actx.Last() != dev {
		t.Fatal("second start opened another device")
	}

	h.waitClip()
	h.sess.Stop()
	if len(h.finished) != 1 || h.finished[0].SessionID != id {
		t.Fatalf("finished = %+v", h.finished)
	}
}

func TestOverlappingStartWhileConfiguring(t *testing.T) {
	h := newHarness(t, nil, false, nil)
	release := h.gate.Hold()
	defer release()
	h.sess.Start()
	h.sess.Start()
	if len(h.failed) != 1 || !errors.Is(h.failed[0], ErrBusy) {
		t.Fatalf("failed = %v", h.failed)
	}
	if h.sess.State() != StateConfiguring {
		t.Errorf("state = %s", h.sess.State())
	}
}

func TestDeviceFault(t *testing.T) {
	h := newHarness(t, tonePCM(time.Second), false, nil)
	boom := errors.New("device unplugged")
	h.actx.FaultAfter(8192, boom)

	h.sess.Start()
	h.pumpUntil(func() bool { return len(h.failed) > 0 })
	h.sess.Stop()
	h.settle(50 * time.Millisecond)

	if len(h.failed) != 1 || !errors.Is(h.failed[0], ErrFault) || !errors.Is(h.failed[0], boom) {
		t.Fatalf("failed = %v", h.failed)
	}
	if len(h.finished) != 0 {
		t.Fatal("faulted recording reported finished")
	}
	if h.sess.State() != StateIdle || !h.actx.Last().Closed() {
		t.Errorf("state = %s closed = %v", h.sess.State(), h.actx.Last().Closed())
	}
}

type failingWriter struct {
	mu    sync.Mutex
	limit int
	n     int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.n+len(p) > w.limit {
		return 0, errors.New("disk full")
	}
	w.n += len(p)
	return len(p), nil
}

func (w *failingWriter) Close() error { return nil }

func TestWriteFault(t *testing.T) {
	h := newHarness(t, tonePCM(time.Second), false, func(c *Config) {
		c.Create = func(string) (io.WriteCloser, error) { return &failingWriter{limit: 1024}, nil }
	})

	h.startRecording()
	h.waitClip()
	h.settle(50 * time.Millisecond)
	h.sess.Stop()
	h.settle(20 * time.Millisecond)

	if len(h.failed) != 1 || !errors.Is(h.failed[0], ErrFault) {
		t.Fatalf("failed = %v", h.failed)
	}
	if len(h.finished) != 0 {
		t.Fatal("failed write reported finished")
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %s", h.sess.State())
	}
}

func TestSilenceAutoStop(t *testing.T) {
	h := newHarness(t, make([]byte, 3200), false, func(c *Config) {
		c.SilenceStop = 300 * time.Millisecond
	})
	h.startRecording()
	h.pumpUntil(func() bool { return len(h.finished) > 0 })

	if h.finished[0].Reason != StopSilence {
		t.Errorf("reason = %s, want silence", h.finished[0].Reason)
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %s", h.sess.State())
	}
}

func TestMaxDurationAutoStop(t *testing.T) {
	h := newHarness(t, tonePCM(time.Second), false, func(c *Config) {
		c.MaxDuration = 200 * time.Millisecond
	})
	h.startRecording()
	h.pumpUntil(func() bool { return len(h.finished) > 0 })
	if h.finished[0].Reason != StopMaxDuration {
		t.Errorf("reason = %s, want max_duration", h.finished[0].Reason)
	}
}

func TestShortRecordingDiscarded(t *testing.T) {
	h := newHarness(t, nil, true, nil)
	h.startRecording()
	h.sess.Stop()
	h.settle(20 * time.Millisecond)

	if len(h.failed)+len(h.finished) != 0 {
		t.Fatalf("short recording produced events: %v %v", h.failed, h.finished)
	}
	if h.sess.State() != StateIdle {
		t.Errorf("state = %s", h.sess.State())
	}
}

func TestCloseWhileRecording(t *testing.T) {
	h := newHarness(t, tonePCM(time.Second), false, nil)
	h.startRecording()
	h.sess.Close()
	h.settle(20 * time.Millisecond)
	if len(h.failed)+len(h.finished) != 0 {
		t.Fatal("close produced events")
	}
	if !h.actx.Last().Closed() {
		t.Error("device not released on close")
	}
}
