package permission

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStatic(t *testing.T) {
	s := Static{Microphone: true, Speech: false}
	ctx := context.Background()

	if got, _ := s.Request(ctx, Microphone); got != Granted {
		t.Errorf("microphone = %v, want granted", got)
	}
	if got, _ := s.Request(ctx, Speech); got != Denied {
		t.Errorf("speech = %v, want denied", got)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Request(canceled, Microphone); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPromptRemembersAnswer(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompt(strings.NewReader("y\nno\n"), &out)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := p.Request(ctx, Microphone)
		if err != nil {
			t.Fatal(err)
		}
		if got != Granted {
			t.Fatalf("call %d: got %v, want granted", i, got)
		}
	}
	got, err := p.Request(ctx, Speech)
	if err != nil {
		t.Fatal(err)
	}
	if got != Denied {
		t.Errorf("speech = %v, want denied", got)
	}
	if n := strings.Count(out.String(), "[y/N]"); n != 2 {
		t.Errorf("prompted %d times, want 2", n)
	}
	if !strings.Contains(out.String(), "speech recognition") {
		t.Errorf("prompt text missing capability: %q", out.String())
	}
}

func TestPromptEOF(t *testing.T) {
	p := NewPrompt(strings.NewReader(""), io.Discard)
	got, err := p.Request(context.Background(), Microphone)
	if err == nil {
		t.Fatal("expected error on EOF")
	}
	if got != Denied {
		t.Errorf("got %v, want denied", got)
	}
}

func TestPromptContextCanceled(t *testing.T) {
	r, _ := io.Pipe()
	p := NewPrompt(r, io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	got, err := p.Request(ctx, Microphone)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got != Denied {
		t.Errorf("got %v, want denied", got)
	}
}

func TestPromptAnswersAfterCanceledRequests(t *testing.T) {
	r, w := io.Pipe()
	p := NewPrompt(r, io.Discard)

	waiting, cancelWaiting := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelWaiting()
	if _, err := p.Request(waiting, Microphone); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Request(canceled, Microphone); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want canceled", err)
	}

	go w.Write([]byte("y\n"))
	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	got, err := p.Request(ctx, Microphone)
	if err != nil {
		t.Fatal(err)
	}
	if got != Granted {
		t.Errorf("got %v, want granted", got)
	}
}

func TestFakeHold(t *testing.T) {
	f := NewFake(Granted, Denied)
	release := f.Hold()

	done := make(chan State, 1)
	go func() {
		s, _ := f.Request(context.Background(), Microphone)
		done <- s
	}()

	select {
	case <-done:
		t.Fatal("request returned while held")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	release()

	select {
	case s := <-done:
		if s != Granted {
			t.Errorf("got %v, want granted", s)
		}
	case <-time.After(time.Second):
		t.Fatal("request never returned")
	}
	if f.Calls(Microphone) != 1 {
		t.Errorf("calls = %d, want 1", f.Calls(Microphone))
	}
}

func TestFakeFail(t *testing.T) {
	f := NewFake(Granted, Granted)
	f.Fail(Speech, errors.New("restricted"))
	if s, err := f.Request(context.Background(), Speech); err == nil || s != Denied {
		t.Errorf("got %v, %v", s, err)
	}
}
