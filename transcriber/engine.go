package transcriber

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"murmur/log"
	"murmur/permission"
)

var (
	ErrSpeechDenied = errors.New("transcription permission was declined")
	ErrNoSpeech     = errors.New("no speech detected")
)

// Transcript is the single successful outcome of a request.
type Transcript struct {
	Text        string
	Provider    string
	Confidence  float64
	Metrics     *NetworkMetrics
	RateLimit   string
	ConvertTime time.Duration
	Elapsed     time.Duration
}

type Engine struct {
	gate    permission.Gate
	rec     Recognizer
	timeout time.Duration

	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewEngine(gate permission.Gate, rec Recognizer, timeout time.Duration) *Engine {
	e := &Engine{
		gate:    gate,
		rec:     rec,
		timeout: timeout,
		tracer:  otel.Tracer("murmur/transcriber"),
	}
	meter := otel.Meter("murmur/transcriber")
	var err error
	if e.requests, err = meter.Int64Counter("murmur.transcription.requests",
		metric.WithDescription("Transcription requests by provider and result")); err != nil {
		log.Warnf("transcription counter: %v", err)
	}
	if e.latency, err = meter.Float64Histogram("murmur.transcription.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time from request to terminal outcome")); err != nil {
		log.Warnf("transcription histogram: %v", err)
	}
	return e
}

func (e *Engine) Provider() string { return e.rec.Name() }

// Warm lets HTTP recognizers open their connection while the user speaks.
func (e *Engine) Warm() {
	if w, ok := e.rec.(Warmer); ok {
		go w.Warm()
	}
}

// Transcribe returns exactly once per request: the first final hypothesis,
// or an error. Partials are dropped. Anything the recognizer reports after
// the first final is ignored.
func (e *Engine) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "transcribe", trace.WithAttributes(
		attribute.String("murmur.session_id", req.SessionID),
		attribute.String("murmur.provider", e.rec.Name()),
		attribute.Float64("murmur.audio_s", req.Duration.Seconds()),
	))
	defer span.End()

	t, err := e.transcribe(ctx, req)
	t.Elapsed = time.Since(start)

	result := "ok"
	switch {
	case errors.Is(err, ErrSpeechDenied):
		result = "denied"
	case errors.Is(err, ErrNoSpeech):
		result = "no_speech"
	case err != nil:
		result = "error"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", e.rec.Name()),
		attribute.String("result", result),
	)
	if e.requests != nil {
		e.requests.Add(ctx, 1, attrs)
	}
	if e.latency != nil {
		e.latency.Record(ctx, t.Elapsed.Seconds(), attrs)
	}
	e.logMetrics(req, t)
	return t, err
}

func (e *Engine) transcribe(ctx context.Context, req Request) (Transcript, error) {
	state, err := e.gate.Request(ctx, permission.Speech)
	if err != nil {
		return Transcript{}, fmt.Errorf("%w: %w", ErrSpeechDenied, err)
	}
	if state != permission.Granted {
		return Transcript{}, ErrSpeechDenied
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	finals := make(chan Hypothesis, 1)
	done := make(chan error, 1)
	emit := func(h Hypothesis) {
		if !h.Final {
			log.Infof("partial discarded: %d chars", len(h.Text))
			return
		}
		select {
		case finals <- h:
		default:
		}
	}
	go func() { done <- e.rec.Recognize(ctx, req, emit) }()

	var h Hypothesis
	select {
	case h = <-finals:
	case err := <-done:
		select {
		case h = <-finals:
		default:
			if err == nil {
				return Transcript{}, fmt.Errorf("%w: recognizer returned no final result", ErrNoSpeech)
			}
			return Transcript{}, err
		}
	case <-ctx.Done():
		return Transcript{}, ctx.Err()
	}

	text := strings.TrimSpace(h.Text)
	if text == "" {
		return Transcript{}, ErrNoSpeech
	}
	return Transcript{
		Text:        text,
		Provider:    e.rec.Name(),
		Confidence:  h.Confidence,
		Metrics:     h.Metrics,
		RateLimit:   h.RateLimit,
		ConvertTime: h.ConvertTime,
	}, nil
}

func (e *Engine) logMetrics(req Request, t Transcript) {
	m := log.Metrics{
		SessionID:    req.SessionID,
		Provider:     e.rec.Name(),
		AudioLengthS: req.Duration.Seconds(),
		EncodeTimeMs: float64(req.EncodeTime.Milliseconds()),
		ConvertMs:    float64(t.ConvertTime.Milliseconds()),
		RecognizeMs:  float64((t.Elapsed - t.ConvertTime).Milliseconds()),
		TotalTimeMs:  float64(t.Elapsed.Milliseconds()),
	}
	if fi, err := os.Stat(req.Path); err == nil {
		m.FileSizeKB = float64(fi.Size()) / 1024
	}
	if t.Metrics != nil {
		m.TotalTimeMs = float64(t.Metrics.Total.Milliseconds())
		m.ConnReused = t.Metrics.ConnReused
		m.TLSProtocol = t.Metrics.TLSProtocol
	}
	log.TranscriptionMetrics(m)
	if t.RateLimit != "" && t.RateLimit != "?/?" {
		log.Info("rate_limit: " + t.RateLimit)
	}
}
