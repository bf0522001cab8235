package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/speechlens/speechlens/internal/session"
)

// MockOracle answers deterministically without any network.
type MockOracle struct{}

func NewMock() *MockOracle { return &MockOracle{} }

func (MockOracle) GenerateOptions(ctx context.Context, req Request) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	heard := strings.TrimSpace(req.HeardText)
	if heard == "" && len(req.Image) > 0 {
		heard = "[image]"
	}
	return Reply{Options: []string{
		fmt.Sprintf("I heard: '%s'. Is that right?", heard),
		"Sorry, could you please repeat that?",
		"Give me a moment.",
	}}, nil
}

func (MockOracle) Summarize(ctx context.Context, history []session.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var heard, said int
	last := ""
	for _, t := range history {
		switch t.Role {
		case session.RoleUser:
			heard++
			last = t.Text
		case session.RoleAssistantSelection:
			said++
		}
	}
	summary := fmt.Sprintf("- Heard %d message(s), replied %d time(s).", heard, said)
	if last != "" {
		summary += fmt.Sprintf("\n- Last heard: %q", last)
	}
	return summary, nil
}
