package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeWAV(t *testing.T, samples []int, rate, channels int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

type collector struct {
	mu   sync.Mutex
	data []byte
}

func (c *collector) cb(data []byte, _ uint32) {
	c.mu.Lock()
	c.data = append(c.data, data...)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func TestFakeContextDownmixesStereo(t *testing.T) {
	path := writeWAV(t, []int{100, -1, 200, -1, -300, -1}, 16000, 2)
	ctx, err := NewFakeContext(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.pcm) != 6 {
		t.Fatalf("pcm len = %d, want 6", len(ctx.pcm))
	}
	want := []int16{100, 200, -300}
	for i, w := range want {
		got := int16(binary.LittleEndian.Uint16(ctx.pcm[i*2:]))
		if got != w {
			t.Errorf("sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestFakeContextRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	os.WriteFile(path, []byte("not a wav"), 0644)
	if _, err := NewFakeContext(path, false); err == nil {
		t.Fatal("expected error for invalid wav")
	}
}

func TestFakeCaptureDeliversClip(t *testing.T) {
	pcm := make([]byte, 5000)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	ctx := NewFakeContextPCM(pcm, false)
	dev, err := ctx.NewCapture(nil, CaptureConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	c := &collector{}
	dev.SetCallback(c.cb)
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ctx.Last().AudioDone():
	case <-time.After(2 * time.Second):
		t.Fatal("clip never finished")
	}
	dev.Stop()
	dev.Close()

	if c.len() < len(pcm) {
		t.Fatalf("got %d bytes, want at least %d", c.len(), len(pcm))
	}
	if !bytes.Equal(c.data[:len(pcm)], pcm) {
		t.Error("clip bytes altered in delivery")
	}
	if !ctx.Last().Closed() {
		t.Error("expected capture closed")
	}
}

func TestFakeCaptureFaultAfter(t *testing.T) {
	ctx := NewFakeContextPCM(make([]byte, 10*fakeFrameSize*2), false)
	boom := errors.New("unplugged")
	ctx.FaultAfter(4096, boom)

	dev, _ := ctx.NewCapture(nil, CaptureConfig{SampleRate: 16000, Channels: 1})
	got := make(chan error, 2)
	dev.SetErrorCallback(func(err error) { got <- err })
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-got:
		if !errors.Is(err, boom) {
			t.Fatalf("got %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fault never reported")
	}
	ctx.Last().Fault(boom)
	dev.Stop()
	if len(got) != 0 {
		t.Error("fault reported more than once")
	}
}

func TestFakeContextFailures(t *testing.T) {
	ctx := NewFakeContextPCM(nil, false)
	ctx.FailCapture(errors.New("no route"))
	if _, err := ctx.NewCapture(nil, CaptureConfig{}); err == nil {
		t.Fatal("expected NewCapture error")
	}
	ctx.FailCapture(nil)
	ctx.FailStart(errors.New("busy"))
	dev, err := ctx.NewCapture(nil, CaptureConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Start(); err == nil {
		t.Fatal("expected Start error")
	}
}

func TestFindDevice(t *testing.T) {
	ctx := NewFakeContextPCM(nil, false)
	d, err := FindDevice(ctx, "")
	if err != nil || d != nil {
		t.Fatalf("empty name: got %v, %v", d, err)
	}
	d, err = FindDevice(ctx, "FA")
	if err != nil || d == nil || d.Name != "fake" {
		t.Fatalf("substring match: got %v, %v", d, err)
	}
	if _, err := FindDevice(ctx, "usb mic"); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestPick(t *testing.T) {
	devices := []DeviceInfo{{Name: "Built-in"}, {Name: "AirPods Pro"}, {Name: "USB"}}
	var out bytes.Buffer

	idx, err := pick(strings.NewReader("j"), &out, devices)
	if err == nil {
		t.Fatalf("expected read error at EOF, got idx %d", idx)
	}

	in := &chunkReader{chunks: [][]byte{{'j'}, {0x1b, '[', 'B'}, {0x1b, '[', 'A'}, {13}}}
	idx, err = pick(in, &out, devices)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}
	if !strings.Contains(out.String(), "bluetooth") {
		t.Error("expected bluetooth tag for AirPods")
	}

	in = &chunkReader{chunks: [][]byte{{3}}}
	if _, err := pick(in, &out, devices); !errors.Is(err, ErrSelectionCanceled) {
		t.Errorf("ctrl+c: got %v", err)
	}
}

type chunkReader struct{ chunks [][]byte }

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, os.ErrClosed
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestIsBluetooth(t *testing.T) {
	for name, want := range map[string]bool{
		"AirPods Pro":         true,
		"Jabra Evolve2 65":    true,
		"MacBook Pro Mic":     false,
		"Built-in Microphone": false,
	} {
		if got := IsBluetooth(name); got != want {
			t.Errorf("IsBluetooth(%q) = %v, want %v", name, got, want)
		}
	}
}
