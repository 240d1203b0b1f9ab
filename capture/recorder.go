package capture

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"murmur/encoder"
)

// recorder streams PCM from the device callback into a FLAC file. Encoding
// runs on its own goroutine so the audio thread never waits on disk.
type recorder struct {
	w          io.WriteCloser
	enc        encoder.Encoder
	blockChan  chan []int16
	encodeDone chan struct{}
	onFault    func(error)

	bufMu     sync.Mutex
	sampleBuf []int16
	closed    bool

	levelMu sync.Mutex
	sumSq   float64
	nLevel  int

	faultOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newRecorder(w io.WriteCloser, onFault func(error)) (*recorder, error) {
	enc, err := encoder.NewFlac(w)
	if err != nil {
		return nil, err
	}
	r := &recorder{
		w:          w,
		enc:        enc,
		blockChan:  make(chan []int16, 64),
		encodeDone: make(chan struct{}),
		onFault:    onFault,
	}

	go func() {
		defer close(r.encodeDone)
		for block := range r.blockChan {
			if r.failed() != nil {
				continue
			}
			start := time.Now()
			if err := r.enc.EncodeBlock(block); err != nil {
				r.fail(err)
				continue
			}
			r.enc.AddEncodeTime(time.Since(start))
		}
	}()
	return r, nil
}

func (r *recorder) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
	r.faultOnce.Do(func() {
		if r.onFault != nil {
			r.onFault(err)
		}
	})
}

func (r *recorder) failed() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Feed is the device data callback.
func (r *recorder) Feed(pcm []byte, _ uint32) {
	var sumSq float64
	n := 0

	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	if r.closed {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		r.sampleBuf = append(r.sampleBuf, s)
		sumSq += float64(s) * float64(s)
		n++
	}
	for len(r.sampleBuf) >= encoder.BlockSize {
		block := make([]int16, encoder.BlockSize)
		copy(block, r.sampleBuf[:encoder.BlockSize])
		r.sampleBuf = r.sampleBuf[encoder.BlockSize:]
		r.blockChan <- block
	}

	r.levelMu.Lock()
	r.sumSq += sumSq
	r.nLevel += n
	r.levelMu.Unlock()
}

// Level returns the RMS since the previous call.
func (r *recorder) Level() float64 {
	r.levelMu.Lock()
	defer r.levelMu.Unlock()
	l := rms(r.sumSq, r.nLevel)
	r.sumSq, r.nLevel = 0, 0
	return l
}

func (r *recorder) shutdown() {
	r.bufMu.Lock()
	if !r.closed {
		r.closed = true
		if len(r.sampleBuf) > 0 {
			partial := make([]int16, len(r.sampleBuf))
			copy(partial, r.sampleBuf)
			r.sampleBuf = nil
			r.blockChan <- partial
		}
		close(r.blockChan)
	}
	r.bufMu.Unlock()
	<-r.encodeDone
}

// Finish flushes the tail, finalizes the stream and closes the file.
// It returns the number of frames written.
func (r *recorder) Finish() (uint64, error) {
	r.shutdown()
	if err := r.failed(); err != nil {
		r.w.Close()
		return 0, err
	}
	if err := r.enc.Close(); err != nil {
		r.w.Close()
		return 0, err
	}
	if err := r.w.Close(); err != nil {
		return 0, err
	}
	return r.enc.TotalFrames(), nil
}

// Abort drops whatever is buffered and releases the file.
func (r *recorder) Abort() {
	r.faultOnce.Do(func() {})
	r.shutdown()
	r.w.Close()
}

func (r *recorder) EncodeTime() time.Duration { return r.enc.EncodeTime() }
