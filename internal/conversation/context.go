package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/speechlens/speechlens/internal/calendar"
	"github.com/speechlens/speechlens/internal/contextstore"
	"github.com/speechlens/speechlens/internal/protocol"
)

// ContextSnapshot reads everything the dashboard shows. Failed reads leave
// their field empty and are reported together in the error.
func (e *Engine) ContextSnapshot(ctx context.Context) (protocol.ContextSnapshot, error) {
	var errs *multierror.Error
	snap := protocol.ContextSnapshot{
		Type:         protocol.TypeContextSnapshot,
		Highlights:   []protocol.HighlightEntry{},
		Core:         []string{},
		Events:       []protocol.EventEntry{},
		EventContext: map[string]string{},
	}

	recs, err := e.context.RecentHighlights(ctx, 0)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("highlights: %w", err))
	}
	for _, r := range recs {
		snap.Highlights = append(snap.Highlights, protocol.HighlightEntry{
			StartAt:   r.StartAt.Format(time.RFC3339),
			StopAt:    r.StopAt.Format(time.RFC3339),
			Highlight: r.Highlight,
		})
	}

	facts, err := e.context.CoreFacts(ctx)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("core facts: %w", err))
	}
	snap.Core = append(snap.Core, facts...)

	src, err := e.context.CalendarSource(ctx)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("calendar: %w", err))
	}
	events, err := calendar.ParseString(src)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("parse calendar: %w", err))
	}
	snap.Schedule = calendar.Summarize(events, e.now())
	for _, ev := range events {
		snap.Events = append(snap.Events, protocol.EventEntry{
			Summary:   ev.Summary,
			Start:     ev.Start.Format(time.RFC3339),
			End:       ev.End.Format(time.RFC3339),
			Location:  ev.Location,
			Signature: ev.Signature(),
		})
	}

	notes, err := e.context.EventContext(ctx)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("event context: %w", err))
	}
	for k, v := range notes {
		snap.EventContext[k] = v
	}
	return snap, errs.ErrorOrNil()
}

func (e *Engine) handleGetContext(ctx context.Context, connID string) {
	snap, err := e.ContextSnapshot(ctx)
	if err != nil {
		e.logger.Warn("context snapshot incomplete", "conn_id", connID, "err", err)
	}
	e.reply(connID, snap)
}

func (e *Engine) handleSetCoreContext(ctx context.Context, connID string, m protocol.SetCoreContext) {
	if err := e.context.SaveCoreFacts(ctx, m.Lines); err != nil {
		e.persistFailed(connID, protocol.TypeSetCoreContext, err)
		return
	}
	e.reply(connID, protocol.NewAck(protocol.TypeCoreContextUpdated, m.Lines))
}

func (e *Engine) handleAddHighlight(ctx context.Context, connID string, m protocol.AddHighlight) {
	text, _ := e.highlights.Apply(m.Text)
	now := e.now()
	rec := contextstore.HighlightRecord{StartAt: now, StopAt: now, Highlight: text}
	if err := e.context.AppendHighlight(ctx, rec); err != nil {
		e.persistFailed(connID, protocol.TypeAddHighlight, err)
		return
	}
	e.reply(connID, protocol.NewAck(protocol.TypeHighlightAdded, text))
}

func (e *Engine) handleDeleteHighlight(ctx context.Context, connID string, m protocol.DeleteHighlight) {
	err := e.context.DeleteHighlight(ctx, m.Index)
	switch {
	case errors.Is(err, contextstore.ErrIndexOutOfRange):
		e.reply(connID, protocol.NewError(msgHighlightRange))
	case err != nil:
		e.persistFailed(connID, protocol.TypeDeleteHighlight, err)
	default:
		e.reply(connID, protocol.NewAck(protocol.TypeHighlightDeleted, m.Index))
	}
}

func (e *Engine) handleSetCalendar(ctx context.Context, connID string, m protocol.SetCalendar) {
	events, err := calendar.ParseString(m.ICS)
	if err != nil {
		e.reply(connID, protocol.NewError(fmt.Sprintf("Invalid %s payload", protocol.TypeSetCalendar)))
		return
	}
	if err := e.context.SaveCalendarSource(ctx, m.ICS); err != nil {
		e.persistFailed(connID, protocol.TypeSetCalendar, err)
		return
	}
	e.reply(connID, protocol.NewAck(protocol.TypeCalendarUpdated, len(events)))
}

func (e *Engine) handleSetEventContext(ctx context.Context, connID string, m protocol.SetEventContext) {
	if err := e.context.SaveEventContextEntry(ctx, m.Key, m.Context); err != nil {
		e.persistFailed(connID, protocol.TypeSetEventContext, err)
		return
	}
	e.reply(connID, protocol.NewAck(protocol.TypeEventContextUpdated, map[string]string{
		"key":     m.Key,
		"context": m.Context,
	}))
}

func (e *Engine) persistFailed(connID string, t protocol.MessageType, err error) {
	e.metrics.ObserveCall("context", string(t), 0, err)
	e.logger.Warn("context update failed", "conn_id", connID, "type", t, "err", err)
	e.reply(connID, protocol.NewError(msgContextFailed))
}
