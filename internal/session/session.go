package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role tags one recorded turn of conversation history.
type Role string

const (
	RoleUser               Role = "user"
	RoleAssistantOptions   Role = "assistant_options"
	RoleAssistantSelection Role = "assistant_selection"
	RoleRecentHighlight    Role = "recent_highlight"
)

// Turn is one immutable entry in a session's history. Options turns carry
// their candidates in Options; every other role uses Text.
type Turn struct {
	Timestamp float64  `json:"timestamp"`
	Role      Role     `json:"role"`
	Text      string   `json:"text,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// Content renders the turn as a single line of text.
func (t Turn) Content() string {
	if len(t.Options) == 0 {
		return t.Text
	}
	parts := make([]string, 0, len(t.Options))
	for _, o := range t.Options {
		if strings.TrimSpace(o) != "" {
			parts = append(parts, o)
		}
	}
	return strings.Join(parts, "; ")
}

// Seed is what a new session is loaded with at start.
type Seed struct {
	History         []Turn
	ScheduleContext string
	CoreContext     string
	EventContext    string
}

// Session is one logical conversation, from start_conversation to
// stop_conversation.
type Session struct {
	ID              string    `json:"session_id"`
	OwnerConnID     string    `json:"owner_conn_id"`
	Active          bool      `json:"active"`
	Speaking        bool      `json:"speaking"`
	History         []Turn    `json:"history"`
	StartedAt       time.Time `json:"started_at"`
	ScheduleContext string    `json:"schedule_context"`
	CoreContext     string    `json:"core_context"`
	EventContext    string    `json:"event_context"`
}

func newSession(ownerConnID string, seed Seed, now time.Time) *Session {
	history := make([]Turn, len(seed.History))
	copy(history, seed.History)
	return &Session{
		ID:              uuid.NewString(),
		OwnerConnID:     ownerConnID,
		Active:          true,
		History:         history,
		StartedAt:       now,
		ScheduleContext: seed.ScheduleContext,
		CoreContext:     seed.CoreContext,
		EventContext:    seed.EventContext,
	}
}

// NewTurn builds a text turn stamped with at.
func NewTurn(role Role, text string, at time.Time) Turn {
	return Turn{Timestamp: stamp(at), Role: role, Text: text}
}

// Append records a text turn stamped with now.
func (s *Session) Append(role Role, text string, now time.Time) Turn {
	t := NewTurn(role, text, now)
	s.History = append(s.History, t)
	return t
}

// AppendOptions records an assistant_options turn stamped with now.
func (s *Session) AppendOptions(opts []string, now time.Time) Turn {
	cp := make([]string, len(opts))
	copy(cp, opts)
	t := Turn{Timestamp: stamp(now), Role: RoleAssistantOptions, Options: cp}
	s.History = append(s.History, t)
	return t
}

// Reset returns the session to inactive defaults. The ID and StartedAt are
// kept so late completions can still be correlated in logs.
func (s *Session) Reset() {
	s.Active = false
	s.Speaking = false
	s.History = nil
	s.ScheduleContext = ""
	s.CoreContext = ""
	s.EventContext = ""
}

// CloneHistory deep-copies a history slice.
func CloneHistory(in []Turn) []Turn {
	if len(in) == 0 {
		return nil
	}
	out := make([]Turn, len(in))
	for i, t := range in {
		out[i] = t
		if len(t.Options) > 0 {
			out[i].Options = append([]string(nil), t.Options...)
		}
	}
	return out
}

func stamp(now time.Time) float64 {
	return float64(now.UnixNano()) / float64(time.Second)
}
