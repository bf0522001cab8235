package speech

import (
	"context"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/speechlens/speechlens/internal/observability"
)

const scopeName = "github.com/speechlens/speechlens/internal/speech"

type tracedSpeaker struct {
	backend string
	inner   Speaker
}

func traceSpeaker(backend string, s Speaker) Speaker {
	return &tracedSpeaker{backend: backend, inner: s}
}

func (t *tracedSpeaker) Speak(ctx context.Context, text string) error {
	ctx, span := observability.StartSpan(ctx, scopeName, "speak",
		attribute.String("speech.backend", t.backend),
		attribute.Int("request.chars", utf8.RuneCountInString(text)),
	)
	err := t.inner.Speak(ctx, text)
	observability.EndSpan(span, err)
	return err
}

type tracedTranscriber struct {
	backend string
	inner   Transcriber
}

func traceTranscriber(backend string, tr Transcriber) Transcriber {
	return &tracedTranscriber{backend: backend, inner: tr}
}

func (t *tracedTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	ctx, span := observability.StartSpan(ctx, scopeName, "transcribe",
		attribute.String("speech.backend", t.backend),
		attribute.Int("request.bytes", len(wav)),
	)
	text, err := t.inner.Transcribe(ctx, wav)
	span.SetAttributes(attribute.Int("response.chars", utf8.RuneCountInString(text)))
	observability.EndSpan(span, err)
	return text, err
}

// Backend names the implementation behind a traced speaker.
func Backend(s Speaker) string {
	if t, ok := s.(*tracedSpeaker); ok {
		return t.backend
	}
	return "custom"
}
