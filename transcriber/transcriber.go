// Package transcriber turns a finished recording into text. An Engine gates
// each request on speech authorization and hands the file to a Recognizer.
package transcriber

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"murmur/config"
)

type NetworkMetrics struct {
	DNS         time.Duration
	ConnWait    time.Duration
	TCP         time.Duration
	TLS         time.Duration
	ReqHeaders  time.Duration
	ReqBody     time.Duration
	TTFB        time.Duration
	Download    time.Duration
	Total       time.Duration
	ConnReused  bool
	TLSProtocol string
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

func firstNonEmpty(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return "?"
}

// Request is one recognition call for one finished recording.
type Request struct {
	SessionID  string
	Path       string
	Language   string
	Duration   time.Duration
	EncodeTime time.Duration
}

// Hypothesis is a recognizer guess. Only the first Final one counts.
type Hypothesis struct {
	Text        string
	Final       bool
	Confidence  float64
	Metrics     *NetworkMetrics
	RateLimit   string        // "remaining/limit" from provider headers
	ConvertTime time.Duration // spent preparing audio for the recognizer
}

type Recognizer interface {
	Name() string
	// Recognize reports hypotheses through emit and returns when the
	// recognizer is done with the file.
	Recognize(ctx context.Context, req Request, emit func(Hypothesis)) error
}

// Warmer is implemented by recognizers that can open their connection
// ahead of the first request.
type Warmer interface {
	Warm()
}

// New picks a recognizer by provider name. HTTP providers read their key
// from the environment.
func New(cfg config.TranscriptionConfig) (Recognizer, error) {
	model := cfg.Model
	switch cfg.Provider {
	case "deepgram":
		key := os.Getenv("DEEPGRAM_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("deepgram: DEEPGRAM_API_KEY is not set")
		}
		return NewDeepgram(key, model), nil
	case "groq":
		key := os.Getenv("GROQ_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("groq: GROQ_API_KEY is not set")
		}
		return NewGroq(key, model), nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("openai: OPENAI_API_KEY is not set")
		}
		return NewOpenAI(key, model, "")
	case "exec":
		return NewExec(cfg.Command)
	case "fake":
		return NewFake(cfg.FakeText, nil), nil
	}
	return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
}
