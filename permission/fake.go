package permission

import (
	"context"
	"sync"
)

// Fake returns scripted answers and counts requests.
type Fake struct {
	mu      sync.Mutex
	answers map[Capability]State
	errs    map[Capability]error
	calls   map[Capability]int
	hold    chan struct{}
}

func NewFake(mic, speech State) *Fake {
	return &Fake{
		answers: map[Capability]State{Microphone: mic, Speech: speech},
		errs:    make(map[Capability]error),
		calls:   make(map[Capability]int),
	}
}

func (f *Fake) Set(c Capability, s State) {
	f.mu.Lock()
	f.answers[c] = s
	f.mu.Unlock()
}

func (f *Fake) Fail(c Capability, err error) {
	f.mu.Lock()
	f.errs[c] = err
	f.mu.Unlock()
}

// Hold makes later requests block until release is called, simulating a
// user who has not answered the dialog yet.
func (f *Fake) Hold() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.hold = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *Fake) Calls(c Capability) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[c]
}

func (f *Fake) Request(ctx context.Context, c Capability) (State, error) {
	f.mu.Lock()
	f.calls[c]++
	hold := f.hold
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return Denied, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[c]; err != nil {
		return Denied, err
	}
	s, ok := f.answers[c]
	if !ok || s == Unrequested {
		return Denied, nil
	}
	return s, nil
}
