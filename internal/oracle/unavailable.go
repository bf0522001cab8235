package oracle

import (
	"context"

	"github.com/speechlens/speechlens/internal/session"
)

// UnavailableOracle stands in when the configured oracle cannot run, e.g.
// missing credentials. Options are never produced and highlights fall back.
type UnavailableOracle struct{}

func NewUnavailable() UnavailableOracle { return UnavailableOracle{} }

func (UnavailableOracle) GenerateOptions(context.Context, Request) (Reply, error) {
	return Reply{}, ErrUnavailable
}

func (UnavailableOracle) Summarize(context.Context, []session.Turn) (string, error) {
	return "", ErrUnavailable
}
