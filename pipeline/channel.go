package pipeline

import (
	"sync"
	"sync/atomic"
)

// EventName is the single event every frontend emits.
const EventName = "onChange"

type Handler func(Outcome)

// Channel is a named in-process broadcast. Dispatch is synchronous and
// best-effort: nothing is buffered and an event nobody listens to is lost.
type Channel struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

type Subscription struct {
	ch      *Channel
	name    string
	handler Handler
	removed atomic.Bool
}

func NewChannel() *Channel {
	return &Channel{subs: make(map[string][]*Subscription)}
}

func (c *Channel) AddListener(name string, h Handler) *Subscription {
	s := &Subscription{ch: c, name: name, handler: h}
	c.mu.Lock()
	c.subs[name] = append(c.subs[name], s)
	c.mu.Unlock()
	return s
}

// Remove detaches the listener. Once it returns, no emit that starts later
// reaches the handler. Removing twice is harmless, and a handler may remove
// itself.
func (s *Subscription) Remove() {
	if !s.removed.CompareAndSwap(false, true) {
		return
	}
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[s.name]
	for i, other := range list {
		if other == s {
			c.subs[s.name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.subs[s.name]) == 0 {
		delete(c.subs, s.name)
	}
}

// Emit delivers o to every current listener of name and reports how many
// handlers ran.
func (c *Channel) Emit(name string, o Outcome) int {
	c.mu.RLock()
	list := append([]*Subscription(nil), c.subs[name]...)
	c.mu.RUnlock()

	n := 0
	for _, s := range list {
		if s.removed.Load() {
			continue
		}
		s.handler(o)
		n++
	}
	return n
}

func (c *Channel) ListenerCount(name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs[name])
}
