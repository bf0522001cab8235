package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/speechlens/speechlens/internal/session"
)

// FallbackOracle attempts a primary oracle first and falls back on error.
// Cancellation is returned as is.
type FallbackOracle struct {
	primary  Oracle
	fallback Oracle
}

func NewFallback(primary, fallback Oracle) *FallbackOracle {
	return &FallbackOracle{primary: primary, fallback: fallback}
}

func (f *FallbackOracle) GenerateOptions(ctx context.Context, req Request) (Reply, error) {
	if f.primary == nil {
		return f.fallback.GenerateOptions(ctx, req)
	}
	reply, err := f.primary.GenerateOptions(ctx, req)
	if err == nil || !shouldFallBack(err) || f.fallback == nil {
		return reply, err
	}
	reply, ferr := f.fallback.GenerateOptions(ctx, req)
	if ferr != nil {
		return Reply{}, fmt.Errorf("primary oracle error: %w; fallback oracle error: %v", err, ferr)
	}
	return reply, nil
}

func (f *FallbackOracle) Summarize(ctx context.Context, history []session.Turn) (string, error) {
	if f.primary == nil {
		return f.fallback.Summarize(ctx, history)
	}
	text, err := f.primary.Summarize(ctx, history)
	if err == nil || !shouldFallBack(err) || f.fallback == nil {
		return text, err
	}
	text, ferr := f.fallback.Summarize(ctx, history)
	if ferr != nil {
		return "", fmt.Errorf("primary oracle error: %w; fallback oracle error: %v", err, ferr)
	}
	return text, nil
}

func shouldFallBack(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
