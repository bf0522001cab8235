// Package oracle produces reply candidates and conversation highlights.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/speechlens/speechlens/internal/session"
)

const (
	NoHistoryHighlight   = "No conversation history available."
	UnavailableHighlight = "Highlight unavailable due to summarization error."
)

var ErrUnavailable = errors.New("content oracle unavailable")

// Request is everything the oracle sees for one perception event.
type Request struct {
	HeardText       string
	Image           []byte
	ImageMIME       string
	History         []session.Turn
	ScheduleContext string
	CoreContext     string
	EventContext    string
}

// Reply carries either a ready list of options or free text that still has
// to be split.
type Reply struct {
	Text    string
	Options []string
}

type Oracle interface {
	GenerateOptions(ctx context.Context, req Request) (Reply, error)
	Summarize(ctx context.Context, history []session.Turn) (string, error)
}

// SummarizeOrFallback never fails: empty history and oracle errors map to
// fixed highlight texts.
func SummarizeOrFallback(ctx context.Context, o Oracle, history []session.Turn, logger *slog.Logger) string {
	if len(history) == 0 {
		return NoHistoryHighlight
	}
	if o == nil {
		return UnavailableHighlight
	}
	text, err := o.Summarize(ctx, history)
	if err != nil {
		if logger != nil {
			logger.Warn("summarize failed", "err", err)
		}
		return UnavailableHighlight
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return UnavailableHighlight
	}
	return text
}

// Config controls oracle construction.
type Config struct {
	Mode         string
	GeminiAPIKey string
	GeminiModel  string
	HTTPURL      string
	HTTPRetries  int
	HTTPTimeout  time.Duration
}

// New builds the oracle for cfg.Mode. Explicit gemini without a key yields
// the unavailable oracle so the engine keeps running on fallbacks.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Oracle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAuto(ctx, cfg, logger), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			logger.Warn("GEMINI_API_KEY not set; oracle unavailable")
			return traced("unavailable", NewUnavailable()), nil
		}
		g, err := NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		return traced("gemini", g), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("oracle HTTP url is required for http mode")
		}
		return traced("http", NewHTTP(cfg.HTTPURL, cfg.HTTPRetries, cfg.HTTPTimeout)), nil
	case "mock":
		return traced("mock", NewMock()), nil
	default:
		return nil, fmt.Errorf("unsupported oracle mode %q", cfg.Mode)
	}
}

func newAuto(ctx context.Context, cfg Config, logger *slog.Logger) Oracle {
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		g, err := NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err == nil {
			return traced("gemini", NewFallback(g, NewMock()))
		}
		logger.Warn("gemini client init failed; trying next oracle", "err", err)
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		return traced("http", NewHTTP(cfg.HTTPURL, cfg.HTTPRetries, cfg.HTTPTimeout))
	}
	return traced("mock", NewMock())
}
