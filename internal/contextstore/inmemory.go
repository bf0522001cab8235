package contextstore

import (
	"context"
	"sync"
)

// InMemoryStore keeps everything in process. Used for tests and when no
// context directory is configured.
type InMemoryStore struct {
	mu         sync.RWMutex
	highlights []HighlightRecord
	facts      []string
	events     map[string]string
	calendar   string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[string]string)}
}

func (s *InMemoryStore) AppendHighlight(_ context.Context, rec HighlightRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highlights = append(s.highlights, rec)
	return nil
}

func (s *InMemoryStore) RecentHighlights(_ context.Context, n int) ([]HighlightRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.highlights, n), nil
}

func (s *InMemoryStore) DeleteHighlight(_ context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.highlights) {
		return ErrIndexOutOfRange
	}
	s.highlights = append(s.highlights[:index], s.highlights[index+1:]...)
	return nil
}

func (s *InMemoryStore) CoreFacts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.facts...), nil
}

func (s *InMemoryStore) SaveCoreFacts(_ context.Context, facts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = cleanFacts(facts)
	return nil
}

func (s *InMemoryStore) EventContext(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.events))
	for k, v := range s.events {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) SaveEventContext(_ context.Context, m map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string]string, len(m))
	for k, v := range m {
		if v != "" {
			s.events[k] = v
		}
	}
	return nil
}

func (s *InMemoryStore) SaveEventContextEntry(_ context.Context, key, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == "" {
		delete(s.events, key)
		return nil
	}
	s.events[key] = text
	return nil
}

func (s *InMemoryStore) CalendarSource(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calendar, nil
}

func (s *InMemoryStore) SaveCalendarSource(_ context.Context, ics string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendar = ics
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
