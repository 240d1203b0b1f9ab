package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"murmur/audio"
	"murmur/capture"
	"murmur/config"
	"murmur/log"
	"murmur/permission"
	"murmur/pipeline"
	"murmur/transcriber"
)

// runTestMode drives a controller fed from a WAV file with line commands on
// in: START, STOP, WAIT (for the next outcome), SLEEP <ms> and QUIT. Every
// outcome is written to out as one JSON line.
func runTestMode(cfg config.Config, wavPath string, in io.Reader, out io.Writer) error {
	actx, err := audio.NewFakeContext(wavPath, true)
	if err != nil {
		return fmt.Errorf("loading WAV: %w", err)
	}
	rec, err := transcriber.New(cfg.Transcription)
	if err != nil {
		return err
	}
	gate := permission.Static{Microphone: cfg.Permissions.Microphone, Speech: cfg.Permissions.Speech}
	engine := transcriber.NewEngine(gate, rec, cfg.Transcription.Timeout())
	ctl := pipeline.NewController(actx, gate, engine, pipeline.ControllerConfig{
		Capture: capture.Config{
			Path:        cfg.Recording.Path,
			SilenceStop: cfg.Recording.SilenceStop(),
			MaxDuration: cfg.Recording.MaxDuration(),
		},
		Language: cfg.Transcription.Language,
	})
	defer ctl.Close()

	outcomes := make(chan pipeline.Outcome, 16)
	enc := json.NewEncoder(out)
	ctl.Events().AddListener(pipeline.EventName, func(o pipeline.Outcome) {
		enc.Encode(o)
		select {
		case outcomes <- o:
		default:
		}
	})

	count := 0
	defer func() { log.SessionEnd(count) }()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch {
		case cmd == "":
		case cmd == "START":
			ctl.StartRecording()
		case cmd == "STOP":
			ctl.StopRecording()
		case cmd == "WAIT":
			select {
			case <-outcomes:
				count++
			case <-time.After(2 * time.Minute):
				return fmt.Errorf("WAIT: no outcome")
			}
		case cmd == "QUIT":
			return nil
		case strings.HasPrefix(cmd, "SLEEP "):
			ms, err := strconv.Atoi(strings.TrimSpace(cmd[6:]))
			if err != nil {
				return fmt.Errorf("SLEEP: %w", err)
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		}
	}
	return scanner.Err()
}
