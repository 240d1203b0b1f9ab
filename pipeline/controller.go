package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"murmur/audio"
	"murmur/capture"
	"murmur/log"
	"murmur/permission"
	"murmur/transcriber"
)

type ControllerConfig struct {
	Capture  capture.Config
	Language string
}

// Controller is the recording frontend: it routes a finished recording into
// the engine and every failure or transcript onto the event channel.
type Controller struct {
	loop     *Loop
	session  *capture.Session
	engine   *transcriber.Engine
	events   *Channel
	language string

	inflight map[string]bool // loop-owned

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

func NewController(actx audio.Context, gate permission.Gate, engine *transcriber.Engine, cfg ControllerConfig) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	c := &Controller{
		loop:     NewLoop(),
		engine:   engine,
		events:   NewChannel(),
		language: cfg.Language,
		inflight: make(map[string]bool),
		ctx:      gctx,
		cancel:   cancel,
		g:        g,
	}
	c.session = capture.New(actx, gate, cfg.Capture, func(f func()) { c.loop.Post(f) }, capture.Listener{
		Finished: c.onFinished,
		Failed: func(id string, err error) {
			c.emit(recordingOutcome(id, err))
		},
	})
	g.Go(func() error {
		err := c.loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return c
}

func (c *Controller) StartRecording() {
	c.loop.Post(func() {
		c.session.Start()
		if c.session.State() == capture.StateConfiguring {
			c.engine.Warm()
		}
	})
}

func (c *Controller) StopRecording() {
	c.loop.Post(c.session.Stop)
}

func (c *Controller) CanStop() bool { return true }

func (c *Controller) Events() *Channel { return c.events }

func (c *Controller) Status() Status {
	st := StatusIdle
	c.loop.Do(func() {
		switch c.session.State() {
		case capture.StateConfiguring:
			st = StatusStarting
		case capture.StateRecording:
			st = StatusRecording
		default:
			if len(c.inflight) > 0 {
				st = StatusTranscribing
			}
		}
	})
	return st
}

func (c *Controller) onFinished(r capture.Recording) {
	if c.inflight[r.SessionID] {
		return
	}
	log.Infof("recording finished: session=%s duration=%s reason=%s", r.SessionID, r.Duration, r.Reason)

	path, err := handoff(r)
	if err != nil {
		os.Remove(r.Path)
		c.emit(recordingOutcome(r.SessionID, fmt.Errorf("%w: %w", capture.ErrFault, err)))
		return
	}
	c.inflight[r.SessionID] = true

	req := transcriber.Request{
		SessionID:  r.SessionID,
		Path:       path,
		Language:   c.language,
		Duration:   r.Duration,
		EncodeTime: r.EncodeTime,
	}
	c.g.Go(func() error {
		t, err := c.engine.Transcribe(c.ctx, req)
		os.Remove(req.Path)
		if c.ctx.Err() != nil {
			return nil
		}
		c.loop.Post(func() {
			delete(c.inflight, r.SessionID)
			c.emit(transcriptionOutcome(r.SessionID, t, err))
		})
		return nil
	})
}

// handoff moves a finished recording off the working path so the next
// session can truncate it while this one is still being recognized.
func handoff(r capture.Recording) (string, error) {
	ext := filepath.Ext(r.Path)
	dst := strings.TrimSuffix(r.Path, ext) + "." + r.SessionID + ext
	if err := os.Rename(r.Path, dst); err != nil {
		return "", fmt.Errorf("handing off recording: %w", err)
	}
	return dst, nil
}

func (c *Controller) emit(o Outcome) {
	log.Outcome(o.SessionID, o.Kind.String(), o.Err.String(), o.Value())
	if o.Kind == TranscriptionResult {
		log.TranscriptionText(o.Text)
	}
	c.events.Emit(EventName, o)
}

// Close abandons any recording and in-flight transcription. No events are
// emitted after it returns.
func (c *Controller) Close() error {
	c.loop.Do(c.session.Close)
	c.cancel()
	return c.g.Wait()
}
