// Package calendar reads VEVENT blocks from ICS text and renders the short
// schedule summary that is handed to the oracle at conversation start.
package calendar

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	dateTimeLayout = "20060102T150405"
	NoEvents       = "No events scheduled."
)

type Event struct {
	Summary  string    `json:"summary"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Location string    `json:"location,omitempty"`
}

// Signature keys per-event context. Equal events always map to the same key.
func (e Event) Signature() string {
	return e.Summary + "|" + e.Start.Format(time.RFC3339) + "|" + e.End.Format(time.RFC3339)
}

// Contains reports whether start <= now < end.
func (e Event) Contains(now time.Time) bool {
	return !now.Before(e.Start) && now.Before(e.End)
}

func (e Event) String() string {
	s := fmt.Sprintf("%s (%s - %s)", e.Summary, e.Start.Format("Jan 02 15:04"), e.End.Format("15:04"))
	if e.Location != "" {
		s += " @ " + e.Location
	}
	return s
}

// Parse reads every VEVENT in r. Events missing a valid DTSTART or DTEND are
// dropped; the rest are sorted by start.
func Parse(r io.Reader) ([]Event, error) {
	var (
		events  []Event
		current *Event
		hasEnd  bool
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "BEGIN:VEVENT":
			current, hasEnd = &Event{}, false
			continue
		case line == "END:VEVENT":
			if current != nil && !current.Start.IsZero() && hasEnd {
				events = append(events, *current)
			}
			current = nil
			continue
		case current == nil:
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if i := strings.IndexByte(key, ';'); i >= 0 {
			key = key[:i]
		}
		switch strings.ToUpper(key) {
		case "DTSTART":
			if ts, ok := parseTime(value); ok {
				current.Start = ts
			}
		case "DTEND":
			if ts, ok := parseTime(value); ok {
				current.End, hasEnd = ts, true
			}
		case "SUMMARY":
			current.Summary = value
		case "LOCATION":
			current.Location = value
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })
	return events, nil
}

// ParseString is Parse over an in-memory ICS document.
func ParseString(ics string) ([]Event, error) {
	return Parse(strings.NewReader(ics))
}

// Load parses the file at path. A missing file is an empty calendar.
func Load(path string) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open calendar: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	loc := time.Local
	if strings.HasSuffix(value, "Z") {
		value = strings.TrimSuffix(value, "Z")
		loc = time.UTC
	}
	ts, err := time.ParseInLocation(dateTimeLayout, value, loc)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Current returns the event in progress at now.
func Current(events []Event, now time.Time) (Event, bool) {
	for _, ev := range events {
		if ev.Contains(now) {
			return ev, true
		}
	}
	return Event{}, false
}

// Summarize renders the current event, the last two finished events and the
// next two upcoming ones, joined by " | ".
func Summarize(events []Event, now time.Time) string {
	if len(events) == 0 {
		return NoEvents
	}

	var (
		current        *Event
		earlier, later []Event
	)
	for i := range events {
		ev := events[i]
		switch {
		case ev.Contains(now):
			current = &events[i]
		case !ev.End.After(now):
			earlier = append(earlier, ev)
		default:
			later = append(later, ev)
		}
	}
	if len(earlier) > 2 {
		earlier = earlier[len(earlier)-2:]
	}
	if len(later) > 2 {
		later = later[:2]
	}

	var parts []string
	if current != nil {
		parts = append(parts, "Current event: "+current.String())
	}
	if len(earlier) > 0 {
		parts = append(parts, "Earlier: "+join(earlier))
	}
	if len(later) > 0 {
		parts = append(parts, "Upcoming: "+join(later))
	}
	if len(parts) == 0 {
		return NoEvents
	}
	return strings.Join(parts, " | ")
}

func join(events []Event) string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.String()
	}
	return strings.Join(out, "; ")
}
