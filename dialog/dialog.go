// Package dialog drives a one-shot system speech dialog that returns
// recognized text directly, with no recording file in between.
package dialog

import (
	"context"
	"errors"
	"os"
	"strings"
)

const (
	LanguageModelFreeForm = "free_form"
	DefaultPrompt         = "Speak to text"
)

var ErrCanceled = errors.New("speech dialog canceled")

type Params struct {
	Locale        string
	LanguageModel string
	Prompt        string
}

// NewParams fills unset fields with the free-form model, the default prompt
// and the process locale.
func NewParams(locale, prompt string) Params {
	if locale == "" {
		locale = DefaultLocale()
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return Params{Locale: locale, LanguageModel: LanguageModelFreeForm, Prompt: prompt}
}

// Dialog shows the modal and blocks until the user finishes or dismisses
// it. Dismissal returns ErrCanceled.
type Dialog interface {
	Show(ctx context.Context, p Params) ([]string, error)
}

// Join renders the candidate list as the single text value hosts receive.
func Join(candidates []string) string {
	return strings.Join(candidates, ", ")
}

// DefaultLocale derives a BCP 47 tag from LC_ALL, LC_MESSAGES or LANG,
// falling back to en-US.
func DefaultLocale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := os.Getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		if v == "" {
			continue
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return "en-US"
}
