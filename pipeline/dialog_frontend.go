package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"murmur/dialog"
	"murmur/log"
)

// DialogFrontend shows the system speech dialog instead of recording. The
// dialog owns the microphone and stops by itself, so there is no stop.
type DialogFrontend struct {
	dialog dialog.Dialog
	params dialog.Params
	loop   *Loop
	events *Channel

	showing bool // loop-owned

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

func NewDialogFrontend(d dialog.Dialog, p dialog.Params) *DialogFrontend {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	f := &DialogFrontend{
		dialog: d,
		params: p,
		loop:   NewLoop(),
		events: NewChannel(),
		ctx:    gctx,
		cancel: cancel,
		g:      g,
	}
	g.Go(func() error {
		err := f.loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return f
}

func (f *DialogFrontend) StartRecording() {
	f.loop.Post(func() {
		if f.showing {
			log.Warn("speech dialog already open")
			return
		}
		f.showing = true
		id := uuid.NewString()
		log.State(id, "idle", "listening")
		f.g.Go(func() error {
			candidates, err := f.dialog.Show(f.ctx, f.params)
			if f.ctx.Err() != nil {
				return nil
			}
			f.loop.Post(func() { f.onResult(id, candidates, err) })
			return nil
		})
	})
}

func (f *DialogFrontend) onResult(id string, candidates []string, err error) {
	f.showing = false
	log.State(id, "listening", "idle")
	if err != nil {
		if errors.Is(err, dialog.ErrCanceled) {
			log.Infof("speech dialog dismissed: %v", err)
		} else {
			log.Errorf("speech dialog: %v", err)
		}
		return
	}
	o := Outcome{
		Kind:      TranscriptionResult,
		Text:      dialog.Join(candidates),
		SessionID: id,
		At:        time.Now(),
	}
	log.Outcome(id, o.Kind.String(), "", o.Text)
	log.TranscriptionText(o.Text)
	f.events.Emit(EventName, o)
}

// StopRecording is a no-op: the dialog ends on its own.
func (f *DialogFrontend) StopRecording() {}

func (f *DialogFrontend) CanStop() bool { return false }

func (f *DialogFrontend) Events() *Channel { return f.events }

func (f *DialogFrontend) Status() Status {
	st := StatusIdle
	f.loop.Do(func() {
		if f.showing {
			st = StatusListening
		}
	})
	return st
}

func (f *DialogFrontend) Close() error {
	f.cancel()
	return f.g.Wait()
}
