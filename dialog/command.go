package dialog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Command runs a system speech-to-text tool such as termux-speech-to-text.
// Dialog parameters are passed as MURMUR_DIALOG_* environment variables.
// Every non-empty stdout line is one candidate. A non-zero exit or empty
// output means the user dismissed the dialog.
type Command struct {
	args []string
}

func NewCommand(command string) (*Command, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse dialog command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("dialog command is empty")
	}
	return &Command{args: args}, nil
}

func (c *Command) Show(ctx context.Context, p Params) ([]string, error) {
	cmd := exec.CommandContext(ctx, c.args[0], c.args[1:]...)
	cmd.Env = append(os.Environ(),
		"MURMUR_DIALOG_LOCALE="+p.Locale,
		"MURMUR_DIALOG_LANGUAGE_MODEL="+p.LanguageModel,
		"MURMUR_DIALOG_PROMPT="+p.Prompt,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: exit %d: %s", ErrCanceled, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("running dialog command: %w", err)
	}

	var candidates []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			candidates = append(candidates, line)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrCanceled
	}
	return candidates, nil
}
