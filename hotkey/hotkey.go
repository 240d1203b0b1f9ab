package hotkey

import (
	"fmt"
	"strings"
)

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

const DefaultCombo = "ctrl+shift+space"

// Combo is a parsed key combination such as "ctrl+shift+space".
type Combo struct {
	Ctrl  bool
	Shift bool
	Key   string
}

// Parse accepts '+'-separated names: modifiers ctrl and shift, then one of
// space, a-z or f1-f12.
func Parse(s string) (Combo, error) {
	var c Combo
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		last := i == len(parts)-1
		switch {
		case p == "ctrl" || p == "control":
			c.Ctrl = true
		case p == "shift":
			c.Shift = true
		case last && isKeyName(p):
			c.Key = p
		default:
			return Combo{}, fmt.Errorf("hotkey %q: unknown key %q", s, p)
		}
	}
	if c.Key == "" {
		return Combo{}, fmt.Errorf("hotkey %q: missing key", s)
	}
	if !c.Ctrl && !c.Shift {
		return Combo{}, fmt.Errorf("hotkey %q: needs ctrl or shift", s)
	}
	return c, nil
}

func (c Combo) String() string {
	var parts []string
	if c.Ctrl {
		parts = append(parts, "ctrl")
	}
	if c.Shift {
		parts = append(parts, "shift")
	}
	return strings.Join(append(parts, c.Key), "+")
}

func isKeyName(k string) bool {
	if k == "space" {
		return true
	}
	if len(k) == 1 && k[0] >= 'a' && k[0] <= 'z' {
		return true
	}
	for i := 1; i <= 12; i++ {
		if k == fmt.Sprintf("f%d", i) {
			return true
		}
	}
	return false
}
