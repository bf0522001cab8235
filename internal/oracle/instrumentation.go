package oracle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/speechlens/speechlens/internal/observability"
	"github.com/speechlens/speechlens/internal/session"
)

const scopeName = "github.com/speechlens/speechlens/internal/oracle"

// tracedOracle wraps every call in a span named after the backend.
type tracedOracle struct {
	backend string
	inner   Oracle
}

func traced(backend string, inner Oracle) Oracle {
	return &tracedOracle{backend: backend, inner: inner}
}

func (t *tracedOracle) GenerateOptions(ctx context.Context, req Request) (Reply, error) {
	ctx, span := observability.StartSpan(ctx, scopeName, "oracle generate options",
		attribute.String("oracle.backend", t.backend),
		attribute.Int("request.history_turns", len(req.History)),
		attribute.Bool("request.has_image", len(req.Image) > 0),
	)
	reply, err := t.inner.GenerateOptions(ctx, req)
	span.SetAttributes(attribute.Int("response.options", len(reply.Options)))
	observability.EndSpan(span, err)
	return reply, err
}

func (t *tracedOracle) Summarize(ctx context.Context, history []session.Turn) (string, error) {
	ctx, span := observability.StartSpan(ctx, scopeName, "oracle summarize",
		attribute.String("oracle.backend", t.backend),
		attribute.Int("request.history_turns", len(history)),
	)
	text, err := t.inner.Summarize(ctx, history)
	observability.EndSpan(span, err)
	return text, err
}

// Backend names the implementation behind o, for logs and /v1/session.
func Backend(o Oracle) string {
	switch v := o.(type) {
	case *tracedOracle:
		return v.backend
	case *GeminiOracle:
		return "gemini"
	case *HTTPOracle:
		return "http"
	case *MockOracle, MockOracle:
		return "mock"
	case UnavailableOracle:
		return "unavailable"
	case *FallbackOracle:
		return "fallback"
	default:
		return "custom"
	}
}
