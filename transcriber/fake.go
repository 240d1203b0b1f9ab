package transcriber

import (
	"context"
	"sync"
	"time"
)

// FakeRecognizer replays scripted hypotheses, then returns Err.
type FakeRecognizer struct {
	Hypotheses []Hypothesis
	Err        error
	Delay      time.Duration

	mu    sync.Mutex
	calls []Request
}

// NewFake returns a recognizer that answers text as a single final
// hypothesis, or fails with err.
func NewFake(text string, err error) *FakeRecognizer {
	f := &FakeRecognizer{Err: err}
	if err == nil {
		f.Hypotheses = []Hypothesis{{Text: text, Final: true, Metrics: &NetworkMetrics{Total: 10 * time.Millisecond}}}
	}
	return f
}

func (f *FakeRecognizer) Name() string { return "fake" }

func (f *FakeRecognizer) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

func (f *FakeRecognizer) Recognize(ctx context.Context, req Request, emit func(Hypothesis)) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, h := range f.Hypotheses {
		emit(h)
	}
	return f.Err
}
