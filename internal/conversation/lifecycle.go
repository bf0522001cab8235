package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/speechlens/speechlens/internal/calendar"
	"github.com/speechlens/speechlens/internal/contextstore"
	"github.com/speechlens/speechlens/internal/observability"
	"github.com/speechlens/speechlens/internal/oracle"
	"github.com/speechlens/speechlens/internal/protocol"
	"github.com/speechlens/speechlens/internal/session"
)

func (e *Engine) handleStart(ctx context.Context, connID string) {
	began := time.Now()
	seed := e.loadSeed(ctx)

	e.mu.Lock()
	sess, replaced, err := e.store.Begin(connID, seed)
	var id string
	var startedAt time.Time
	if err == nil {
		id, startedAt = sess.ID, sess.StartedAt
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("start rejected", "conn_id", connID, "err", err)
		e.reply(connID, protocol.NewError(msgNotConnected))
		return
	}
	if replaced != nil {
		e.metrics.SessionEvent("replaced")
		e.logger.Warn("replacing active session without summary",
			"conn_id", connID, "session_id", replaced.ID, "new_session_id", id)
	}

	e.metrics.SetActive(true)
	e.metrics.SessionEvent("started")
	e.logger.Info("conversation started", "conn_id", connID, "session_id", id, "seeded_turns", len(seed.History))

	if err := e.capture.Start(ctx); err != nil {
		e.logger.Warn("capture start failed", "session_id", id, "err", err)
	}
	e.reply(connID, protocol.ConversationStarted{
		Type:      protocol.TypeConversationStarted,
		SessionID: id,
		StartedAt: startedAt.Format(time.RFC3339),
	})
	e.stages.Observe(observability.StageStartToStarted, time.Since(began))
}

// loadSeed gathers recent highlights, the schedule, core facts and the notes
// for the event in progress. Every read degrades to empty on failure.
func (e *Engine) loadSeed(ctx context.Context) session.Seed {
	var seed session.Seed
	now := e.now()

	recs, err := e.context.RecentHighlights(ctx, e.seedCount)
	if err != nil {
		e.logger.Warn("load recent highlights failed", "err", err)
	}
	for _, rec := range recs {
		text := strings.TrimSpace(rec.Highlight)
		if text == "" {
			continue
		}
		seed.History = append(seed.History, session.NewTurn(session.RoleRecentHighlight, text, rec.StopAt))
	}

	events := e.loadEvents(ctx)
	seed.ScheduleContext = calendar.Summarize(events, now)

	facts, err := e.context.CoreFacts(ctx)
	if err != nil {
		e.logger.Warn("load core facts failed", "err", err)
	}
	seed.CoreContext = strings.Join(facts, "\n")

	if cur, ok := calendar.Current(events, now); ok {
		notes, err := e.context.EventContext(ctx)
		if err != nil {
			e.logger.Warn("load event context failed", "err", err)
		}
		seed.EventContext = notes[cur.Signature()]
	}
	return seed
}

func (e *Engine) loadEvents(ctx context.Context) []calendar.Event {
	src, err := e.context.CalendarSource(ctx)
	if err != nil {
		e.logger.Warn("load calendar failed", "err", err)
		return nil
	}
	events, err := calendar.ParseString(src)
	if err != nil {
		e.logger.Warn("parse calendar failed", "err", err)
	}
	return events
}

// handleStop resets the session at once, then summarizes the captured
// history off-lock. A record is appended on every stop, even with nothing
// to summarize.
func (e *Engine) handleStop(ctx context.Context, connID string) {
	began := time.Now()

	e.mu.Lock()
	sess := e.store.Current(connID)
	var (
		id        string
		history   []session.Turn
		startedAt time.Time
	)
	if sess != nil {
		id, startedAt = sess.ID, sess.StartedAt
		history = session.CloneHistory(sess.History)
	}
	e.store.End(sess)
	stoppedAt := e.now()
	e.mu.Unlock()

	e.metrics.SetActive(false)
	e.metrics.SessionEvent("stopped")

	summaryStart := time.Now()
	text := oracle.SummarizeOrFallback(context.WithoutCancel(ctx), e.oracle, history, e.logger)
	if len(history) > 0 {
		e.observe("oracle", "summarize", summaryStart, nil)
	}

	persisted, redacted := e.highlights.Apply(text)
	if redacted {
		e.metrics.SessionEvent("highlight_redacted")
	}
	if startedAt.IsZero() {
		startedAt = stoppedAt
	}
	rec := contextstore.HighlightRecord{StartAt: startedAt, StopAt: stoppedAt, Highlight: persisted}
	if err := e.context.AppendHighlight(context.WithoutCancel(ctx), rec); err != nil {
		e.metrics.SessionEvent("highlight_persist_failed")
		e.logger.Warn("highlight not recorded", "session_id", id, "err", err)
	}

	e.stopCapture()
	e.logger.Info("conversation stopped", "conn_id", connID, "session_id", id, "turns", len(history))

	e.reply(connID, protocol.NewHighlight(persisted))
	e.reply(connID, protocol.ConversationStopped{Type: protocol.TypeConversationStopped, SessionID: id})
	e.stages.Observe(observability.StageStopToHighlight, time.Since(began))
}
