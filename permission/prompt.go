package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Prompt asks on a terminal once per capability and remembers the answer
// for the rest of the process, the way an OS permission dialog does.
type Prompt struct {
	out   io.Writer
	lines chan promptLine // fed by the one reader goroutine, closed after a read error

	mu       sync.Mutex
	answered map[Capability]State
}

type promptLine struct {
	text string
	err  error
}

func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	p := &Prompt{
		out:      out,
		lines:    make(chan promptLine),
		answered: make(map[Capability]State),
	}
	go p.read(bufio.NewReader(in))
	return p
}

// read owns the input for the life of the process. A line typed while no
// request is waiting is held until the next one asks.
func (p *Prompt) read(r *bufio.Reader) {
	defer close(p.lines)
	for {
		text, err := r.ReadString('\n')
		p.lines <- promptLine{text, err}
		if err != nil {
			return
		}
	}
}

// NewTerminalPrompt prompts on the controlling terminal so it does not
// compete with whatever owns stdin.
func NewTerminalPrompt() (*Prompt, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, fmt.Errorf("permission prompt needs a terminal: %w", err)
		}
		return NewPrompt(os.Stdin, os.Stderr), nil
	}
	return NewPrompt(tty, tty), nil
}

func (p *Prompt) Request(ctx context.Context, c Capability) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.answered[c]; ok {
		return s, nil
	}

	if err := ctx.Err(); err != nil {
		return Denied, err
	}
	fmt.Fprintf(p.out, "Allow murmur to use %s? [y/N] ", c)

	var l promptLine
	select {
	case <-ctx.Done():
		return Denied, ctx.Err()
	case got, ok := <-p.lines:
		if !ok {
			return Denied, fmt.Errorf("reading %s answer: %w", c, io.EOF)
		}
		l = got
	}
	if l.err != nil && l.text == "" {
		return Denied, fmt.Errorf("reading %s answer: %w", c, l.err)
	}

	state := Denied
	switch strings.ToLower(strings.TrimSpace(l.text)) {
	case "y", "yes":
		state = Granted
	}
	p.answered[c] = state
	return state, nil
}
