package hotkey

import (
	"context"
	"time"
)

// Target is what a hotkey drives; pipeline frontends satisfy it.
type Target interface {
	StartRecording()
	StopRecording()
	CanStop() bool
}

// Drive turns key presses into recording commands until ctx is done. Every
// press starts recording. Holding the key longer than longPress records
// until release (push-to-talk); a shorter tap keeps recording until the next
// press is released. Targets that cannot stop only ever get starts.
func Drive(ctx context.Context, hk Hotkey, t Target, longPress time.Duration) {
	toggled := false
	for {
		if !wait(ctx, hk.Keydown()) {
			return
		}
		if toggled {
			if !wait(ctx, hk.Keyup()) {
				return
			}
			t.StopRecording()
			toggled = false
			continue
		}

		t.StartRecording()
		if !t.CanStop() {
			if !wait(ctx, hk.Keyup()) {
				return
			}
			continue
		}

		timer := time.NewTimer(longPress)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if !wait(ctx, hk.Keyup()) {
				return
			}
			t.StopRecording()
		case <-hk.Keyup():
			timer.Stop()
			toggled = true
		}
	}
}

func wait(ctx context.Context, ch <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	}
}
