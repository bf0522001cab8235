package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileEnv names an optional toml/yaml/json file read before the
// environment. Environment variables win over the file.
const ConfigFileEnv = "SPEECHLENS_CONFIG"

// Config contains all runtime settings for the relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	WSReadTimeout    time.Duration

	LogLevel  string
	LogFormat string

	ContextDir         string
	CalendarPath       string
	DatabaseURL        string
	HighlightSeedCount int
	RedactHighlights   bool

	OracleMode        string
	GeminiAPIKey      string
	GeminiModel       string
	OracleHTTPURL     string
	OracleHTTPRetries int

	SpeechMode      string
	OpenAIAPIKey    string
	OpenAITTSModel  string
	OpenAITTSVoice  string
	OpenAISTTModel  string
	STTLanguage     string
	TTSCommand      string
	MockSpeechDelay time.Duration

	CaptureCommand   string
	CaptureStopGrace time.Duration
}

var defaults = map[string]any{
	"APP_BIND_ADDR":         ":8765",
	"APP_SHUTDOWN_TIMEOUT":  "15s",
	"APP_METRICS_NAMESPACE": "speechlens",
	"APP_ALLOW_ANY_ORIGIN":  "false",
	"WS_READ_TIMEOUT":       "5m",
	"LOG_LEVEL":             "info",
	"LOG_FORMAT":            "text",
	"CONTEXT_DIR":           "user_context",
	"CALENDAR_PATH":         "",
	"DATABASE_URL":          "",
	"HIGHLIGHT_SEED_COUNT":  "5",
	"REDACT_HIGHLIGHTS":     "false",
	"ORACLE_MODE":           "auto",
	"GEMINI_API_KEY":        "",
	"GEMINI_MODEL":          "gemini-2.5-flash",
	"ORACLE_HTTP_URL":       "",
	"ORACLE_HTTP_RETRIES":   "2",
	"SPEECH_MODE":           "auto",
	"OPENAI_API_KEY":        "",
	"OPENAI_TTS_MODEL":      "gpt-4o-mini-tts",
	"OPENAI_TTS_VOICE":      "ash",
	"OPENAI_STT_MODEL":      "whisper-1",
	"STT_LANGUAGE":          "en",
	"TTS_COMMAND":           "espeak",
	"MOCK_SPEECH_DELAY":     "300ms",
	"CAPTURE_COMMAND":       "",
	"CAPTURE_STOP_GRACE":    "2s",
}

// Load reads the optional config file and the environment, and applies
// safe defaults.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	if path := strings.TrimSpace(v.GetString(ConfigFileEnv)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	r := reader{v: v}

	cfg := Config{
		BindAddr:         r.str("APP_BIND_ADDR"),
		MetricsNamespace: r.str("APP_METRICS_NAMESPACE"),
		LogLevel:         strings.ToLower(r.str("LOG_LEVEL")),
		LogFormat:        strings.ToLower(r.str("LOG_FORMAT")),
		ContextDir:       r.str("CONTEXT_DIR"),
		CalendarPath:     r.str("CALENDAR_PATH"),
		DatabaseURL:      r.str("DATABASE_URL"),
		OracleMode:       strings.ToLower(r.str("ORACLE_MODE")),
		GeminiAPIKey:     r.str("GEMINI_API_KEY"),
		GeminiModel:      r.str("GEMINI_MODEL"),
		OracleHTTPURL:    r.str("ORACLE_HTTP_URL"),
		SpeechMode:       strings.ToLower(r.str("SPEECH_MODE")),
		OpenAIAPIKey:     r.str("OPENAI_API_KEY"),
		OpenAITTSModel:   r.str("OPENAI_TTS_MODEL"),
		OpenAITTSVoice:   r.str("OPENAI_TTS_VOICE"),
		OpenAISTTModel:   r.str("OPENAI_STT_MODEL"),
		STTLanguage:      r.str("STT_LANGUAGE"),
		TTSCommand:       r.str("TTS_COMMAND"),
		CaptureCommand:   r.str("CAPTURE_COMMAND"),

		ShutdownTimeout:    r.duration("APP_SHUTDOWN_TIMEOUT"),
		WSReadTimeout:      r.duration("WS_READ_TIMEOUT"),
		MockSpeechDelay:    r.duration("MOCK_SPEECH_DELAY"),
		CaptureStopGrace:   r.duration("CAPTURE_STOP_GRACE"),
		HighlightSeedCount: r.integer("HIGHLIGHT_SEED_COUNT"),
		OracleHTTPRetries:  r.integer("ORACLE_HTTP_RETRIES"),
		AllowAnyOrigin:     r.boolean("APP_ALLOW_ANY_ORIGIN"),
		RedactHighlights:   r.boolean("REDACT_HIGHLIGHTS"),
	}
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}

	if cfg.CalendarPath == "" && cfg.ContextDir != "" {
		cfg.CalendarPath = filepath.Join(cfg.ContextDir, "events.ics")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.BindAddr == "" {
		return errors.New("APP_BIND_ADDR must not be empty")
	}
	if c.WSReadTimeout < 10*time.Second {
		return errors.New("WS_READ_TIMEOUT must be at least 10s")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.HighlightSeedCount < 0 {
		return errors.New("HIGHLIGHT_SEED_COUNT must be >= 0")
	}
	if c.OracleHTTPRetries < 0 {
		return errors.New("ORACLE_HTTP_RETRIES must be >= 0")
	}
	if c.MockSpeechDelay < 0 || c.CaptureStopGrace < 0 {
		return errors.New("MOCK_SPEECH_DELAY and CAPTURE_STOP_GRACE must be >= 0")
	}
	switch c.OracleMode {
	case "auto", "gemini", "http", "mock":
	default:
		return fmt.Errorf("ORACLE_MODE %q: want auto, gemini, http or mock", c.OracleMode)
	}
	if c.OracleMode == "http" && c.OracleHTTPURL == "" {
		return errors.New("ORACLE_MODE=http requires ORACLE_HTTP_URL")
	}
	switch c.SpeechMode {
	case "auto", "openai", "command", "mock":
	default:
		return fmt.Errorf("SPEECH_MODE %q: want auto, openai, command or mock", c.SpeechMode)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q: want debug, info, warn or error", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT %q: want text or json", c.LogFormat)
	}
	return nil
}

// reader collects parse errors so every bad key is reported at once.
type reader struct {
	v    *viper.Viper
	errs []error
}

func (r *reader) str(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) duration(key string) time.Duration {
	d, err := time.ParseDuration(r.str(key))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s parse error: %w", key, err))
	}
	return d
}

func (r *reader) integer(key string) int {
	n, err := strconv.Atoi(r.str(key))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s parse error: %w", key, err))
	}
	return n
}

func (r *reader) boolean(key string) bool {
	switch strings.ToLower(r.str(key)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off", "":
		return false
	default:
		r.errs = append(r.errs, fmt.Errorf("%s parse error: expected bool", key))
		return false
	}
}
