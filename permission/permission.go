// Package permission resolves per-capability access before the pipeline
// touches the microphone or a recognizer.
package permission

import (
	"context"
	"fmt"
)

type Capability int

const (
	Microphone Capability = iota
	Speech
)

func (c Capability) String() string {
	switch c {
	case Microphone:
		return "microphone"
	case Speech:
		return "speech recognition"
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

type State int

const (
	Unrequested State = iota
	Granted
	Denied
)

func (s State) String() string {
	switch s {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	}
	return "unrequested"
}

// Gate suspends the caller until the capability is granted or denied.
// A Denied answer is final for that call; callers never retry.
type Gate interface {
	Request(ctx context.Context, c Capability) (State, error)
}

// Static answers from configuration. Used for headless and server runs.
type Static struct {
	Microphone bool
	Speech     bool
}

func (s Static) Request(ctx context.Context, c Capability) (State, error) {
	if err := ctx.Err(); err != nil {
		return Denied, err
	}
	allowed := false
	switch c {
	case Microphone:
		allowed = s.Microphone
	case Speech:
		allowed = s.Speech
	}
	if allowed {
		return Granted, nil
	}
	return Denied, nil
}
