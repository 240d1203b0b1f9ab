package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RecordingConfig struct {
	Path          string `yaml:"path"`
	Device        string `yaml:"device"`
	SilenceStopMS int    `yaml:"silence_stop_ms"`
	MaxDurationMS int    `yaml:"max_duration_ms"`
}

type PermissionsConfig struct {
	Mode       string `yaml:"mode"` // static, prompt
	Microphone bool   `yaml:"microphone"`
	Speech     bool   `yaml:"speech"`
}

type TranscriptionConfig struct {
	Provider  string `yaml:"provider"` // groq, deepgram, openai, exec, fake
	Language  string `yaml:"language"`
	Command   string `yaml:"command"`
	Model     string `yaml:"model"`
	FakeText  string `yaml:"fake_text"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type DialogConfig struct {
	Command  string `yaml:"command"`
	Locale   string `yaml:"locale"`
	Prompt   string `yaml:"prompt"`
	FakeText string `yaml:"fake_text"`
}

type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Servers        []string `yaml:"servers"`
	Subject        string   `yaml:"subject"`
	Token          string   `yaml:"token"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
	Limit   int  `yaml:"limit"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type Config struct {
	Frontend      string              `yaml:"frontend"` // file, dialog
	Recording     RecordingConfig     `yaml:"recording"`
	Permissions   PermissionsConfig   `yaml:"permissions"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Dialog        DialogConfig        `yaml:"dialog"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Bus           BusConfig           `yaml:"bus"`
	Journal       JournalConfig       `yaml:"journal"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

func Default() Config {
	return Config{
		Frontend: "file",
		Recording: RecordingConfig{
			Path:          defaultRecordingPath(),
			SilenceStopMS: 0,
			MaxDurationMS: 5 * 60 * 1000,
		},
		Permissions: PermissionsConfig{
			Mode:       "static",
			Microphone: true,
			Speech:     true,
		},
		Transcription: TranscriptionConfig{
			Provider:  "",
			Language:  "en",
			TimeoutMS: 60000,
		},
		Dialog: DialogConfig{
			Command: "termux-speech-to-text",
			Locale:  "",
			Prompt:  "Speak to text",
		},
		Bridge: BridgeConfig{
			Enabled: false,
			Bind:    "127.0.0.1:8765",
		},
		Bus: BusConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			Subject:        "murmur.onchange",
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Enabled: true,
			Limit:   100,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "murmur",
			OTLPInsecure: true,
		},
	}
}

func defaultRecordingPath() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "murmur", "recording.flac")
}

// LoadEnvFiles pulls API keys from .env files without overriding variables
// that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if fi, err := os.Stat(p); err != nil || fi.IsDir() {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// DefaultEnvFiles lists MURMUR_ENV, ~/.murmur.env and ./.env in load order.
func DefaultEnvFiles() []string {
	var files []string
	if p := strings.TrimSpace(os.Getenv("MURMUR_ENV")); p != "" {
		files = append(files, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".murmur.env"))
	}
	return append(files, ".env")
}

// Load reads path (if set) over the defaults, applies MURMUR_* environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

// Read is Load without validation, for callers that apply further
// overrides first.
func Read(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if cfg.Transcription.Provider == "" {
		cfg.Transcription.Provider = detectProvider()
	}
	return cfg, nil
}

// detectProvider mirrors the key precedence of the transcription backends.
func detectProvider() string {
	switch {
	case os.Getenv("DEEPGRAM_API_KEY") != "":
		return "deepgram"
	case os.Getenv("GROQ_API_KEY") != "":
		return "groq"
	case os.Getenv("OPENAI_API_KEY") != "":
		return "openai"
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Frontend, "MURMUR_FRONTEND")
	overrideString(&cfg.Recording.Path, "MURMUR_RECORDING_PATH")
	overrideString(&cfg.Recording.Device, "MURMUR_RECORDING_DEVICE")
	overrideInt(&cfg.Recording.SilenceStopMS, "MURMUR_RECORDING_SILENCE_STOP_MS")
	overrideInt(&cfg.Recording.MaxDurationMS, "MURMUR_RECORDING_MAX_DURATION_MS")
	overrideString(&cfg.Permissions.Mode, "MURMUR_PERMISSIONS_MODE")
	overrideBool(&cfg.Permissions.Microphone, "MURMUR_PERMISSIONS_MICROPHONE")
	overrideBool(&cfg.Permissions.Speech, "MURMUR_PERMISSIONS_SPEECH")
	overrideString(&cfg.Transcription.Provider, "MURMUR_TRANSCRIPTION_PROVIDER")
	overrideString(&cfg.Transcription.Language, "MURMUR_TRANSCRIPTION_LANGUAGE")
	overrideString(&cfg.Transcription.Command, "MURMUR_TRANSCRIPTION_COMMAND")
	overrideString(&cfg.Transcription.Model, "MURMUR_TRANSCRIPTION_MODEL")
	overrideString(&cfg.Transcription.FakeText, "MURMUR_TRANSCRIPTION_FAKE_TEXT")
	overrideInt(&cfg.Transcription.TimeoutMS, "MURMUR_TRANSCRIPTION_TIMEOUT_MS")
	overrideString(&cfg.Dialog.Command, "MURMUR_DIALOG_COMMAND")
	overrideString(&cfg.Dialog.Locale, "MURMUR_DIALOG_LOCALE")
	overrideString(&cfg.Dialog.Prompt, "MURMUR_DIALOG_PROMPT")
	overrideBool(&cfg.Bridge.Enabled, "MURMUR_BRIDGE_ENABLED")
	overrideString(&cfg.Bridge.Bind, "MURMUR_BRIDGE_BIND")
	overrideBool(&cfg.Bus.Enabled, "MURMUR_BUS_ENABLED")
	overrideStringSlice(&cfg.Bus.Servers, "MURMUR_BUS_SERVERS")
	overrideString(&cfg.Bus.Subject, "MURMUR_BUS_SUBJECT")
	overrideString(&cfg.Bus.Token, "MURMUR_BUS_TOKEN")
	overrideInt(&cfg.Bus.ConnectTimeout, "MURMUR_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Journal.Enabled, "MURMUR_JOURNAL_ENABLED")
	overrideInt(&cfg.Journal.Limit, "MURMUR_JOURNAL_LIMIT")
	overrideString(&cfg.Telemetry.ServiceName, "MURMUR_TELEMETRY_SERVICE_NAME")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMUR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MURMUR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "MURMUR_TELEMETRY_STDOUT_TRACES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func Validate(cfg Config) error {
	switch cfg.Frontend {
	case "file", "dialog":
	default:
		return errors.New("frontend must be one of file|dialog")
	}
	if cfg.Frontend == "file" {
		if cfg.Recording.Path == "" {
			return errors.New("recording.path must not be empty")
		}
		if cfg.Recording.SilenceStopMS < 0 || cfg.Recording.MaxDurationMS < 0 {
			return errors.New("recording durations must be >= 0")
		}
		switch cfg.Transcription.Provider {
		case "groq", "deepgram", "openai", "fake":
		case "exec":
			if cfg.Transcription.Command == "" {
				return errors.New("transcription.command must be set when provider=exec")
			}
		case "":
			return errors.New("no transcription provider: set DEEPGRAM_API_KEY, GROQ_API_KEY or OPENAI_API_KEY, or transcription.provider")
		default:
			return errors.New("transcription.provider must be one of groq|deepgram|openai|exec|fake")
		}
	}
	if cfg.Frontend == "dialog" && cfg.Dialog.Command == "" && cfg.Dialog.FakeText == "" {
		return errors.New("dialog.command must be set when frontend=dialog")
	}
	switch cfg.Permissions.Mode {
	case "static", "prompt":
	default:
		return errors.New("permissions.mode must be one of static|prompt")
	}
	if cfg.Bus.Enabled {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when the bus is enabled")
		}
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty when the bus is enabled")
		}
	}
	if cfg.Bridge.Enabled && cfg.Bridge.Bind == "" {
		return errors.New("bridge.bind must not be empty when the bridge is enabled")
	}
	return nil
}

func (c RecordingConfig) SilenceStop() time.Duration {
	return time.Duration(c.SilenceStopMS) * time.Millisecond
}

func (c RecordingConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMS) * time.Millisecond
}

func (c TranscriptionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}
