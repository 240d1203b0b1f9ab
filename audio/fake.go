package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

const fakeFrameSize = 1024

// FakeContext replays PCM through every capture it opens. It stands in for
// the microphone in headless test mode and in unit tests.
type FakeContext struct {
	pcm      []byte
	realtime bool

	mu         sync.Mutex
	captureErr error
	startErr   error
	faultAt    int
	faultErr   error
	last       *FakeCapture
}

// NewFakeContext decodes a WAV file and downmixes it to 16-bit mono.
func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", wavPath)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", wavPath, err)
	}

	channels := int(d.NumChans)
	if channels < 1 {
		channels = 1
	}
	shift := int(d.BitDepth) - 16
	frames := len(buf.Data) / channels
	pcm := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		s := buf.Data[i*channels]
		if shift > 0 {
			s >>= shift
		} else if shift < 0 {
			s <<= -shift
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return NewFakeContextPCM(pcm, realtime), nil
}

func NewFakeContextPCM(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

// FailCapture makes the next NewCapture calls fail, as a device that cannot
// be configured would.
func (f *FakeContext) FailCapture(err error) {
	f.mu.Lock()
	f.captureErr = err
	f.mu.Unlock()
}

func (f *FakeContext) FailStart(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

// FaultAfter makes captures report err once they have delivered n bytes.
func (f *FakeContext) FaultAfter(n int, err error) {
	f.mu.Lock()
	f.faultAt = n
	f.faultErr = err
	f.mu.Unlock()
}

// Last returns the most recently opened capture.
func (f *FakeContext) Last() *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	rate := config.SampleRate
	if rate == 0 {
		rate = 16000
	}
	c := &FakeCapture{
		pcm:       f.pcm,
		realtime:  f.realtime,
		rate:      rate,
		startErr:  f.startErr,
		faultAt:   f.faultAt,
		faultErr:  f.faultErr,
		audioDone: make(chan struct{}),
	}
	f.last = c
	return c, nil
}

type FakeCapture struct {
	pcm       []byte
	realtime  bool
	rate      uint32
	startErr  error
	faultAt   int
	faultErr  error
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	onError  ErrorCallback
	fed      int
	faulted  bool
	started  bool
	closed   bool
	stopCh   chan struct{}
	feedDone chan struct{}
}

// AudioDone closes once the whole clip has been delivered.
func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) SetErrorCallback(cb ErrorCallback) {
	f.mu.Lock()
	f.onError = cb
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *FakeCapture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Fault simulates the device dying mid-recording.
func (f *FakeCapture) Fault(err error) {
	f.mu.Lock()
	if f.faulted {
		f.mu.Unlock()
		return
	}
	f.faulted = true
	cb := f.onError
	f.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// deliver hands one chunk to the callback and returns false once the
// capture has faulted.
func (f *FakeCapture) deliver(chunk []byte) bool {
	f.mu.Lock()
	cb := f.cb
	faulted := f.faulted
	trip := false
	if !faulted && f.faultErr != nil && f.fed >= f.faultAt {
		trip = true
	}
	f.fed += len(chunk)
	f.mu.Unlock()

	if faulted {
		return false
	}
	if trip {
		f.Fault(f.faultErr)
		return false
	}
	if cb != nil {
		cb(chunk, uint32(len(chunk)/2))
	}
	return true
}

func (f *FakeCapture) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()

	chunkBytes := fakeFrameSize * 2
	interval := time.Millisecond
	if f.realtime {
		interval = time.Duration(fakeFrameSize) * time.Second / time.Duration(f.rate)
	}

	go func() {
		defer close(feedDone)
		silence := make([]byte, chunkBytes)
		pos := 0
		finished := false
		for {
			select {
			case <-stopCh:
				return
			default:
			}
			if pos < len(f.pcm) {
				end := min(pos+chunkBytes, len(f.pcm))
				chunk := make([]byte, end-pos)
				copy(chunk, f.pcm[pos:end])
				pos = end
				if !f.deliver(chunk) {
					return
				}
				if !f.realtime {
					continue
				}
			} else {
				if !finished {
					finished = true
					close(f.audioDone)
				}
				if !f.deliver(silence) {
					return
				}
			}
			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-feedDone
}

func (f *FakeCapture) Close() {
	f.Stop()
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
