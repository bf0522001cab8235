package session

import (
	"errors"
	"sort"
	"time"

	"github.com/speechlens/speechlens/internal/options"
)

var (
	ErrNoActiveSession = errors.New("conversation not started")
	ErrUnknownConn     = errors.New("connection not attached")
)

// Entry is the per-connection slot of the Store.
type Entry struct {
	ConnID     string
	Session    *Session
	Options    options.Set
	AttachedAt time.Time
}

// Store maps live connections to their conversation state and tracks the one
// session that is active system-wide. It is not safe for concurrent use; the
// owner serializes every call.
type Store struct {
	entries map[string]*Entry
	active  *Session
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		entries: make(map[string]*Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// Attach registers a connection. Attaching twice keeps the existing entry.
func (s *Store) Attach(connID string) *Entry {
	if e, ok := s.entries[connID]; ok {
		return e
	}
	e := &Entry{ConnID: connID, AttachedAt: s.now()}
	s.entries[connID] = e
	return e
}

// Detach removes a connection together with its options. When it was the
// last connection and a session is still active, that session is reset and
// returned so the caller can release whatever it holds.
func (s *Store) Detach(connID string) (orphaned *Session) {
	delete(s.entries, connID)
	if len(s.entries) > 0 || s.active == nil {
		return nil
	}
	orphaned = s.active
	orphaned.Reset()
	s.active = nil
	return orphaned
}

// Begin starts a fresh session owned by connID and makes it the active one.
// A session that was active before is reset and returned as replaced, and
// every connection's options are cleared.
func (s *Store) Begin(connID string, seed Seed) (started, replaced *Session, err error) {
	e, ok := s.entries[connID]
	if !ok {
		return nil, nil, ErrUnknownConn
	}
	if s.active != nil {
		replaced = s.active
		replaced.Reset()
	}
	started = newSession(connID, seed, s.now())
	e.Session = started
	// Options always belong to the active session, so none survive a restart.
	for _, other := range s.entries {
		other.Options = options.Set{}
	}
	s.active = started
	return started, replaced, nil
}

// End resets sess to inactive defaults and clears the active pointer when it
// pointed at sess. Options of every connection are cleared with it.
func (s *Store) End(sess *Session) {
	if sess == nil {
		return
	}
	sess.Reset()
	if s.active == sess {
		s.active = nil
		for _, e := range s.entries {
			e.Options = options.Set{}
		}
	}
}

// Resolve returns the session a connection acts on: its own session when it
// is active, otherwise the system-wide active session.
func (s *Store) Resolve(connID string) (*Session, error) {
	if e, ok := s.entries[connID]; ok && e.Session != nil && e.Session.Active {
		return e.Session, nil
	}
	if s.active != nil && s.active.Active {
		return s.active, nil
	}
	return nil, ErrNoActiveSession
}

// Current returns the session a connection would stop: Resolve's answer, or
// its own inactive session when nothing is active.
func (s *Store) Current(connID string) *Session {
	if sess, err := s.Resolve(connID); err == nil {
		return sess
	}
	if e, ok := s.entries[connID]; ok {
		return e.Session
	}
	return nil
}

// ActiveSession returns the system-wide active session, or nil.
func (s *Store) ActiveSession() *Session { return s.active }

// IsCurrent reports whether sess is still the active session instance.
func (s *Store) IsCurrent(sess *Session) bool {
	return sess != nil && s.active == sess && sess.Active
}

// SetOptionsAll stores set for every live connection; everyone saw the same
// broadcast so everyone may select from it.
func (s *Store) SetOptionsAll(set options.Set) {
	for _, e := range s.entries {
		e.Options = set
	}
}

// Options returns the OptionsSet a connection last received.
func (s *Store) Options(connID string) options.Set {
	if e, ok := s.entries[connID]; ok {
		return e.Options
	}
	return options.Set{}
}

// ConnIDs returns live connection IDs in a stable order.
func (s *Store) ConnIDs() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
