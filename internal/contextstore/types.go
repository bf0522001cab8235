package contextstore

import (
	"context"
	"errors"
	"time"
)

var ErrIndexOutOfRange = errors.New("highlight index out of range")

// HighlightRecord is one stopped conversation's summary.
type HighlightRecord struct {
	StartAt   time.Time `json:"start_at"`
	StopAt    time.Time `json:"stop_at"`
	Highlight string    `json:"highlight"`
}

// Store persists what outlives a conversation: highlights, core facts,
// per-event notes and the calendar source.
type Store interface {
	AppendHighlight(ctx context.Context, rec HighlightRecord) error
	// RecentHighlights returns the newest n records, oldest first. n <= 0
	// returns all of them.
	RecentHighlights(ctx context.Context, n int) ([]HighlightRecord, error)
	// DeleteHighlight removes the record at index in the full oldest-first
	// list.
	DeleteHighlight(ctx context.Context, index int) error

	CoreFacts(ctx context.Context) ([]string, error)
	SaveCoreFacts(ctx context.Context, facts []string) error

	EventContext(ctx context.Context) (map[string]string, error)
	SaveEventContext(ctx context.Context, m map[string]string) error
	// SaveEventContextEntry sets one key; empty text deletes it.
	SaveEventContextEntry(ctx context.Context, key, text string) error

	CalendarSource(ctx context.Context) (string, error)
	SaveCalendarSource(ctx context.Context, ics string) error

	Close() error
}

func tail(recs []HighlightRecord, n int) []HighlightRecord {
	if n <= 0 || n > len(recs) {
		n = len(recs)
	}
	out := make([]HighlightRecord, n)
	copy(out, recs[len(recs)-n:])
	return out
}

func cleanFacts(facts []string) []string {
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		if f = trimLine(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
