package transcriber

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"murmur/encoder"
)

// Exec runs a local recognizer (whisper.cpp wrapper, vosk script, ...) on a
// WAV copy of the recording. The command gets "--audio <wav>" and, when
// set, "--language <lang>" appended. Each stdout line is either a JSON
// hypothesis {"text","confidence","final"} or plain text; plain output is
// taken as one final transcript.
type Exec struct {
	cmd []string
	mu  sync.Mutex
}

type execLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Final      *bool   `json:"final"`
}

func NewExec(command string) (*Exec, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcription command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcription command is empty")
	}
	return &Exec{cmd: args}, nil
}

func (e *Exec) Name() string { return "exec" }

func (e *Exec) Recognize(ctx context.Context, req Request, emit func(Hypothesis)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir, err := os.MkdirTemp("", "murmur_stt_")
	if err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "recording.wav")
	convStart := time.Now()
	if err := encoder.FlacToWav(req.Path, wavPath); err != nil {
		return fmt.Errorf("converting recording: %w", err)
	}
	convert := time.Since(convStart)

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", wavPath)
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("transcription command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var plain []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var h execLine
		if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &h) == nil {
			emit(Hypothesis{
				Text:        strings.TrimSpace(h.Text),
				Final:       h.Final == nil || *h.Final,
				Confidence:  h.Confidence,
				ConvertTime: convert,
			})
			continue
		}
		plain = append(plain, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading transcription output: %w", err)
	}
	if len(plain) > 0 {
		emit(Hypothesis{Text: strings.Join(plain, " "), Final: true, ConvertTime: convert})
	}
	return nil
}
