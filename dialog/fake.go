package dialog

import (
	"context"
	"sync"
)

// Fake answers every Show with fixed candidates or an error.
type Fake struct {
	Candidates []string
	Err        error

	mu    sync.Mutex
	shown []Params
	hold  chan struct{}
}

func (f *Fake) Hold() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.hold = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Shown returns the parameters of every dialog shown so far.
func (f *Fake) Shown() []Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Params(nil), f.shown...)
}

func (f *Fake) Show(ctx context.Context, p Params) ([]string, error) {
	f.mu.Lock()
	f.shown = append(f.shown, p)
	hold := f.hold
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]string(nil), f.Candidates...), nil
}
