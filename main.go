package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"murmur/audio"
	"murmur/bridge"
	"murmur/bus"
	"murmur/capture"
	"murmur/config"
	"murmur/dialog"
	"murmur/hotkey"
	"murmur/journal"
	"murmur/log"
	"murmur/permission"
	"murmur/pipeline"
	"murmur/shutdown"
	"murmur/telemetry"
	"murmur/transcriber"
)

var version = "dev"

func fatalf(format string, args ...any) {
	log.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	log.Close()
	os.Exit(1)
}

func initCrashLog() {
	dir, err := log.ResolveDir("")
	if err != nil {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "crash_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(f, debug.CrashOptions{})
}

func run() {
	configFlag := flag.String("config", "", "YAML config file (default: none, built-in defaults)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	setupFlag := flag.Bool("setup", false, "Select microphone device interactively")
	langFlag := flag.String("lang", "", "Language code for transcription (e.g., en, es, fr)")
	frontendFlag := flag.String("frontend", "", "Frontend: file (record and transcribe) or dialog (system speech dialog)")
	testFlag := flag.Bool("test", false, "Test mode (headless, stdin-driven, audio from a WAV file)")
	hotkeyFlag := flag.String("hotkey", hotkey.DefaultCombo, "Push-to-talk key combination; empty disables it")
	longPressFlag := flag.Duration("longpress", 350*time.Millisecond, "Hold threshold for push-to-talk vs tap-to-toggle")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("murmur %s\n", version)
		return
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	config.LoadEnvFiles(config.DefaultEnvFiles()...)
	cfg, err := config.Read(*configFlag)
	if err != nil {
		fatalf("%v", err)
	}
	if *langFlag != "" {
		cfg.Transcription.Language = *langFlag
	}
	if *deviceFlag != "" {
		cfg.Recording.Device = *deviceFlag
	}
	if *frontendFlag != "" {
		cfg.Frontend = *frontendFlag
	}
	if *testFlag && cfg.Transcription.Provider == "" {
		cfg.Transcription.Provider = "fake"
		cfg.Transcription.FakeText = "test transcript"
	}
	if err := config.Validate(cfg); err != nil {
		fatalf("%v", err)
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	traceOut, err := os.OpenFile(filepath.Join(log.Dir(), "traces.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		traceOut = nil
	}
	telemetryShutdown, metricsHandler, err := telemetry.Setup(ctx, cfg.Telemetry, writerOrNil(traceOut))
	if err != nil {
		fatalf("telemetry: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := telemetryShutdown(sctx); err != nil {
			log.Warnf("telemetry shutdown: %v", err)
		}
		if traceOut != nil {
			traceOut.Close()
		}
	}()

	if *testFlag {
		args := flag.Args()
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "Usage: murmur -test <wav-file>")
			os.Exit(1)
		}
		log.SessionStart("test", cfg.Transcription.Provider, "flac")
		if err := runTestMode(cfg, args[0], os.Stdin, os.Stdout); err != nil {
			fatalf("%v", err)
		}
		return
	}

	if *setupFlag && cfg.Frontend == "file" && cfg.Recording.Device == "" {
		actx, err := audio.NewContext()
		if err != nil {
			fatalf("initializing audio: %v", err)
		}
		dev, err := audio.SelectDevice(actx)
		actx.Close()
		switch {
		case errors.Is(err, audio.ErrSelectionCanceled):
			fmt.Println("Keeping the system default device")
		case err != nil:
			fmt.Printf("Warning: device selection failed: %v\n", err)
		case dev != nil:
			cfg.Recording.Device = dev.ID
		}
	}

	app, err := buildApp(cfg, !*tuiFlag)
	if err != nil {
		fatalf("%v", err)
	}
	log.SessionStart(cfg.Frontend, app.provider, "flac")

	var count atomic.Int64
	app.frontend.Events().AddListener(pipeline.EventName, func(o pipeline.Outcome) {
		if o.Kind == pipeline.TranscriptionResult {
			count.Add(1)
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	var j *journal.Journal
	if cfg.Journal.Enabled {
		j, err = journal.Open(ctx, cfg.Journal.Limit)
		if err != nil {
			log.Warnf("journal disabled: %v", err)
		} else {
			j.Attach(app.frontend.Events())
			defer j.Close()
		}
	}

	if cfg.Bus.Enabled {
		pub, err := bus.Connect(cfg.Bus)
		if err != nil {
			log.Warnf("bus disabled: %v", err)
		} else {
			pub.Attach(app.frontend.Events())
			defer pub.Close()
		}
	}

	if cfg.Bridge.Enabled {
		opts := []bridge.Option{bridge.WithMetrics(metricsHandler)}
		if j != nil {
			opts = append(opts, bridge.WithHistory(j))
		}
		br := bridge.New(app.frontend, opts...)
		defer br.Close()
		g.Go(func() error { return br.ListenAndServe(gctx, cfg.Bridge.Bind) })
	}

	hotkeyLine := ""
	if *hotkeyFlag != "" {
		if combo, err := hotkey.Parse(*hotkeyFlag); err != nil {
			log.Warnf("hotkey disabled: %v", err)
		} else {
			hk := hotkey.New(combo)
			if err := hk.Register(); err != nil {
				log.Warnf("hotkey disabled: %v", err)
				hotkeyLine = "hotkey unavailable: " + err.Error()
			} else {
				defer hk.Unregister()
				hotkeyLine = "hotkey: " + combo.String() + " (hold to talk, tap to toggle)"
				g.Go(func() error {
					hotkey.Drive(gctx, hk, app.frontend, *longPressFlag)
					return nil
				})
			}
		}
	}

	if *tuiFlag {
		p := NewTUIProgram(newTUIModel(app.frontend, app.modeLine, app.deviceLine, hotkeyLine))
		app.frontend.Events().AddListener(pipeline.EventName, func(o pipeline.Outcome) {
			p.Send(outcomeMsg(o))
		})
		g.Go(func() error {
			<-gctx.Done()
			p.Quit()
			return nil
		})
		if _, err := p.Run(); err != nil {
			log.Errorf("TUI error: %v", err)
		}
		stop()
	} else {
		app.frontend.Events().AddListener(pipeline.EventName, func(o pipeline.Outcome) {
			printOutcome(os.Stdout, o)
		})
		fmt.Printf("murmur %s: %s\n", version, app.modeLine)
		<-gctx.Done()
	}

	if err := app.frontend.Close(); err != nil {
		log.Warnf("frontend close: %v", err)
	}
	app.close()
	if err := g.Wait(); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	log.SessionEnd(int(count.Load()))
}

func writerOrNil(f *os.File) io.Writer {
	if f == nil {
		return nil
	}
	return f
}

func printOutcome(w io.Writer, o pipeline.Outcome) {
	if o.Value() == "" {
		return
	}
	if o.IsError() {
		fmt.Fprintf(w, "! %s\n", o.Value())
		return
	}
	fmt.Fprintln(w, o.Value())
}

type app struct {
	frontend   pipeline.Frontend
	provider   string
	modeLine   string
	deviceLine string
	close      func()
}

// buildApp assembles the frontend selected by cfg.Frontend. Interactive
// permission prompts need the terminal, so they are only used headless.
func buildApp(cfg config.Config, headless bool) (*app, error) {
	if cfg.Frontend == "dialog" {
		var d dialog.Dialog
		if cfg.Dialog.FakeText != "" {
			d = &dialog.Fake{Candidates: strings.Split(cfg.Dialog.FakeText, "|")}
		} else {
			cmd, err := dialog.NewCommand(cfg.Dialog.Command)
			if err != nil {
				return nil, err
			}
			d = cmd
		}
		locale := cfg.Dialog.Locale
		if locale == "" {
			locale = dialog.DefaultLocale()
		}
		return &app{
			frontend: pipeline.NewDialogFrontend(d, dialog.NewParams(locale, cfg.Dialog.Prompt)),
			provider: "dialog",
			modeLine: fmt.Sprintf("[dialog | %s]", locale),
			close:    func() {},
		}, nil
	}

	var gate permission.Gate = permission.Static{Microphone: cfg.Permissions.Microphone, Speech: cfg.Permissions.Speech}
	if cfg.Permissions.Mode == "prompt" {
		if !headless {
			log.Warn("permission prompts need -tui=false, using configured answers")
		} else {
			p, err := permission.NewTerminalPrompt()
			if err != nil {
				return nil, fmt.Errorf("permission prompt: %w", err)
			}
			gate = p
		}
	}

	rec, err := transcriber.New(cfg.Transcription)
	if err != nil {
		return nil, err
	}
	engine := transcriber.NewEngine(gate, rec, cfg.Transcription.Timeout())

	actx, err := audio.NewContext()
	if err != nil {
		return nil, fmt.Errorf("initializing audio: %w", err)
	}
	dev, err := audio.FindDevice(actx, cfg.Recording.Device)
	if err != nil {
		log.Warnf("device %q: %v, using system default", cfg.Recording.Device, err)
		dev = nil
	}
	deviceLine := "mic: system default"
	if dev != nil {
		deviceLine = "mic: " + dev.Name
		if audio.IsBluetooth(dev.Name) {
			deviceLine += " (BT!)"
		}
	}

	label := rec.Name()
	if lang := cfg.Transcription.Language; lang != "" {
		label += " (" + lang + ")"
	}
	ctl := pipeline.NewController(actx, gate, engine, pipeline.ControllerConfig{
		Capture: capture.Config{
			Path:        cfg.Recording.Path,
			Device:      dev,
			SilenceStop: cfg.Recording.SilenceStop(),
			MaxDuration: cfg.Recording.MaxDuration(),
		},
		Language: cfg.Transcription.Language,
	})
	return &app{
		frontend:   ctl,
		provider:   rec.Name(),
		modeLine:   fmt.Sprintf("[FLAC | %s]", label),
		deviceLine: deviceLine,
		close:      actx.Close,
	}, nil
}
