// Package speech speaks selected replies aloud and transcribes uploaded
// clips.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Speaker synthesizes text and plays it, returning once playback ends.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Transcriber turns a WAV clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

var ErrNoTranscriber = errors.New("speech-to-text not configured")

// Config controls provider construction.
type Config struct {
	Mode        string
	OpenAIKey   string
	TTSModel    string
	TTSVoice    string
	STTModel    string
	STTLanguage string
	TTSCommand  string
	MockDelay   time.Duration
}

// New picks speech providers for cfg.Mode. In auto mode OpenAI wins when a
// key is set, then a local TTS command found on PATH, then the mock.
func New(cfg Config, logger *slog.Logger) (Speaker, Transcriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	mock := NewMockProvider(cfg.MockDelay)

	switch mode {
	case "openai":
		if strings.TrimSpace(cfg.OpenAIKey) == "" {
			return nil, nil, errors.New("OPENAI_API_KEY is required for openai speech mode")
		}
		client := newOpenAIClient(cfg.OpenAIKey)
		player := NewCommandPlayer(logger)
		return traceSpeaker("openai", NewOpenAISpeaker(client, cfg.TTSModel, cfg.TTSVoice, player)),
			traceTranscriber("openai", NewOpenAITranscriber(client, cfg.STTModel, cfg.STTLanguage)), nil
	case "command":
		cmd, err := NewCommandSpeaker(cfg.TTSCommand)
		if err != nil {
			return nil, nil, err
		}
		return traceSpeaker("command", cmd), traceTranscriber("unconfigured", unconfiguredTranscriber{}), nil
	case "mock":
		return traceSpeaker("mock", mock), traceTranscriber("mock", mock), nil
	case "auto":
		var local Speaker = mock
		localName := "mock"
		if cmd, err := NewCommandSpeaker(cfg.TTSCommand); err == nil {
			local, localName = cmd, "command"
		}
		if strings.TrimSpace(cfg.OpenAIKey) == "" {
			var stt Transcriber = mock
			if localName == "command" {
				stt = unconfiguredTranscriber{}
			}
			return traceSpeaker(localName, local), traceTranscriber(localName, stt), nil
		}
		client := newOpenAIClient(cfg.OpenAIKey)
		primary := NewOpenAISpeaker(client, cfg.TTSModel, cfg.TTSVoice, NewCommandPlayer(logger))
		return traceSpeaker("openai", NewFailoverSpeaker(primary, local, logger)),
			traceTranscriber("openai", NewOpenAITranscriber(client, cfg.STTModel, cfg.STTLanguage)), nil
	default:
		return nil, nil, fmt.Errorf("unsupported speech mode %q", cfg.Mode)
	}
}

type unconfiguredTranscriber struct{}

func (unconfiguredTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return "", ErrNoTranscriber
}

// FailoverSpeaker prefers primary and falls back on any non-cancellation
// error, so a dead network still lets the user be heard.
type FailoverSpeaker struct {
	primary  Speaker
	fallback Speaker
	logger   *slog.Logger
}

func NewFailoverSpeaker(primary, fallback Speaker, logger *slog.Logger) *FailoverSpeaker {
	return &FailoverSpeaker{primary: primary, fallback: fallback, logger: logger}
}

func (f *FailoverSpeaker) Speak(ctx context.Context, text string) error {
	err := f.primary.Speak(ctx, text)
	if err == nil || errors.Is(err, context.Canceled) || f.fallback == nil {
		return err
	}
	f.logger.Warn("primary speaker failed; using fallback", "err", err)
	if ferr := f.fallback.Speak(ctx, text); ferr != nil {
		return fmt.Errorf("speak primary failed: %v; fallback failed: %w", err, ferr)
	}
	return nil
}

func lookPath(name string) (string, bool) {
	if strings.TrimSpace(name) == "" {
		return "", false
	}
	p, err := exec.LookPath(name)
	return p, err == nil && p != ""
}
