package contextstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	HighlightsFile   = "conversation_highlights.log"
	CoreContextFile  = "core_context.txt"
	EventContextFile = "event_context.json"
	CalendarFile     = "events.ics"

	dirMode         = 0o700
	fileMode        = 0o600
	tempFilePattern = ".speechlens-*.tmp"
)

// FileStore keeps context as plain files under one directory.
type FileStore struct {
	mu           sync.Mutex
	dir          string
	calendarPath string
}

type FileOption func(*FileStore)

// WithCalendarPath reads and writes the calendar somewhere other than
// <dir>/events.ics.
func WithCalendarPath(path string) FileOption {
	return func(s *FileStore) {
		if strings.TrimSpace(path) != "" {
			s.calendarPath = path
		}
	}
}

func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("create context dir: %w", err)
	}
	s := &FileStore{dir: dir, calendarPath: filepath.Join(dir, CalendarFile)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) path(name string) string { return filepath.Join(s.dir, name) }

func (s *FileStore) AppendHighlight(_ context.Context, rec HighlightRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode highlight: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path(HighlightsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("open highlights: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append highlight: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close highlights: %w", err)
	}
	return nil
}

func (s *FileStore) RecentHighlights(_ context.Context, n int) ([]HighlightRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, _, err := s.readHighlights()
	if err != nil {
		return nil, err
	}
	return tail(all, n), nil
}

func (s *FileStore) DeleteHighlight(_ context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, lines, err := s.readHighlights()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(all) {
		return ErrIndexOutOfRange
	}

	// Unparsed lines stay where they are; only the index-th record goes.
	var buf bytes.Buffer
	for _, l := range lines {
		if l.record == index {
			continue
		}
		buf.Write(l.raw)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(s.path(HighlightsFile), buf.Bytes())
}

// highlightLine is one non-blank line of the log. record is its index among
// the parsed records, or -1 when the line could not be decoded.
type highlightLine struct {
	raw    []byte
	record int
}

// readHighlights returns the parsed records together with every non-blank
// raw line, so a rewrite keeps each surviving line byte-for-byte. Malformed
// lines are not records but are still returned.
func (s *FileStore) readHighlights() ([]HighlightRecord, []highlightLine, error) {
	data, err := os.ReadFile(s.path(HighlightsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read highlights: %w", err)
	}

	var (
		recs  []HighlightRecord
		lines []highlightLine
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		line := highlightLine{raw: append([]byte(nil), raw...), record: -1}
		if rec, ok := decodeHighlight(raw); ok {
			line.record = len(recs)
			recs = append(recs, rec)
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan highlights: %w", err)
	}
	return recs, lines, nil
}

var highlightTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// decodeHighlight also accepts timestamps without a zone, which older
// writers produced.
func decodeHighlight(raw []byte) (HighlightRecord, bool) {
	var line struct {
		StartAt   string `json:"start_at"`
		StopAt    string `json:"stop_at"`
		Highlight string `json:"highlight"`
	}
	if err := json.Unmarshal(raw, &line); err != nil {
		return HighlightRecord{}, false
	}
	return HighlightRecord{
		StartAt:   parseStamp(line.StartAt),
		StopAt:    parseStamp(line.StopAt),
		Highlight: line.Highlight,
	}, true
}

func parseStamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range highlightTimeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func (s *FileStore) CoreFacts(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(CoreContextFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read core facts: %w", err)
	}
	return cleanFacts(strings.Split(string(data), "\n")), nil
}

func (s *FileStore) SaveCoreFacts(_ context.Context, facts []string) error {
	facts = cleanFacts(facts)
	body := strings.Join(facts, "\n")
	if body != "" {
		body += "\n"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path(CoreContextFile), []byte(body))
}

func (s *FileStore) EventContext(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readEventContext()
}

func (s *FileStore) readEventContext() (map[string]string, error) {
	data, err := os.ReadFile(s.path(EventContextFile))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read event context: %w", err)
	}
	m := map[string]string{}
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode event context: %w", err)
	}
	return m, nil
}

func (s *FileStore) SaveEventContext(_ context.Context, m map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeEventContext(m)
}

func (s *FileStore) writeEventContext(m map[string]string) error {
	clean := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" {
			clean[k] = v
		}
	}
	data, err := json.MarshalIndent(clean, "", "  ")
	if err != nil {
		return fmt.Errorf("encode event context: %w", err)
	}
	return writeFileAtomic(s.path(EventContextFile), append(data, '\n'))
}

func (s *FileStore) SaveEventContextEntry(_ context.Context, key, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readEventContext()
	if err != nil {
		return err
	}
	if text == "" {
		delete(m, key)
	} else {
		m[key] = text
	}
	return s.writeEventContext(m)
}

func (s *FileStore) CalendarSource(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.calendarPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read calendar: %w", err)
	}
	return string(data), nil
}

func (s *FileStore) SaveCalendarSource(_ context.Context, ics string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.calendarPath), dirMode); err != nil {
		return fmt.Errorf("create calendar dir: %w", err)
	}
	return writeFileAtomic(s.calendarPath, []byte(ics))
}

func (s *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	cleanup = false
	return nil
}

func trimLine(s string) string { return strings.TrimSpace(s) }
