// Package conversation runs the reply-selection protocol: it validates
// inbound messages against session state, calls the oracle and speech
// collaborators outside the state lock, and fans results out to every
// connection.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/speechlens/speechlens/internal/capture"
	"github.com/speechlens/speechlens/internal/contextstore"
	"github.com/speechlens/speechlens/internal/observability"
	"github.com/speechlens/speechlens/internal/oracle"
	"github.com/speechlens/speechlens/internal/policy"
	"github.com/speechlens/speechlens/internal/protocol"
	"github.com/speechlens/speechlens/internal/session"
	"github.com/speechlens/speechlens/internal/speech"
)

const DefaultSeedCount = 5

// Replies sent to the offending connection.
const (
	msgNotStarted       = "Conversation not started"
	msgTTSInProgress    = "TTS in progress"
	msgInvalidSelection = "Invalid selection"
	msgMalformed        = "Malformed message"
	msgMissingType      = "Missing message type"
	msgTTSFailed        = "TTS failed"
	msgSTTFailed        = "Transcription failed"
	msgContextFailed    = "Context update failed"
	msgNotConnected     = "Connection not registered"
	msgHighlightRange   = "Highlight index out of range"
)

// Sender delivers server messages. transport.Hub implements it.
type Sender interface {
	Send(connID string, msg protocol.ServerMessage) bool
	Broadcast(msg protocol.ServerMessage) int
}

type Deps struct {
	Oracle      oracle.Oracle
	Speaker     speech.Speaker
	Transcriber speech.Transcriber
	Context     contextstore.Store
	Capture     capture.Supervisor
	Sender      Sender
	Metrics     *observability.Metrics
	Stages      *observability.StageWindow
	Logger      *slog.Logger
	Highlights  policy.HighlightFilter
	SeedCount   int
	// Clock overrides time.Now for session and highlight timestamps.
	Clock func() time.Time
}

// Engine owns the session store. mu guards store and every Session it
// holds; it is never held across a collaborator call.
type Engine struct {
	mu    sync.Mutex
	store *session.Store

	oracle     oracle.Oracle
	speaker    speech.Speaker
	stt        speech.Transcriber
	context    contextstore.Store
	capture    capture.Supervisor
	out        Sender
	metrics    *observability.Metrics
	stages     *observability.StageWindow
	logger     *slog.Logger
	highlights policy.HighlightFilter
	seedCount  int

	tts    sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

func New(d Deps) (*Engine, error) {
	if d.Sender == nil {
		return nil, errors.New("conversation: sender is required")
	}
	if d.Context == nil {
		return nil, errors.New("conversation: context store is required")
	}
	if d.Oracle == nil {
		d.Oracle = oracle.NewUnavailable()
	}
	if d.Speaker == nil || d.Transcriber == nil {
		mock := speech.NewMockProvider(0)
		if d.Speaker == nil {
			d.Speaker = mock
		}
		if d.Transcriber == nil {
			d.Transcriber = mock
		}
	}
	if d.Capture == nil {
		d.Capture = capture.Noop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.SeedCount <= 0 {
		d.SeedCount = DefaultSeedCount
	}

	store := session.NewStore()
	if d.Clock != nil {
		store.SetClock(d.Clock)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		oracle:     d.Oracle,
		speaker:    d.Speaker,
		stt:        d.Transcriber,
		context:    d.Context,
		capture:    d.Capture,
		out:        d.Sender,
		metrics:    d.Metrics,
		stages:     d.Stages,
		logger:     d.Logger,
		highlights: d.Highlights,
		seedCount:  d.SeedCount,
		base:       base,
		cancel:     cancel,
	}, nil
}

// Connect attaches a connection. Its transport queue must already be
// registered with the Sender.
func (e *Engine) Connect(connID string) {
	e.mu.Lock()
	e.store.Attach(connID)
	e.mu.Unlock()
	e.metrics.SessionEvent("ws_connected")
	e.logger.Info("connection attached", "conn_id", connID)
}

// Disconnect drops a connection and its options. When it was the last one,
// the active session is reset and capture stops; otherwise in-flight work
// keeps broadcasting to whoever remains.
func (e *Engine) Disconnect(connID string) {
	e.mu.Lock()
	orphaned := e.store.Detach(connID)
	e.mu.Unlock()

	e.metrics.SessionEvent("ws_disconnected")
	e.logger.Info("connection detached", "conn_id", connID)
	if orphaned == nil {
		return
	}
	e.metrics.SetActive(false)
	e.metrics.SessionEvent("orphaned")
	e.logger.Warn("last connection left; session reset", "session_id", orphaned.ID)
	e.stopCapture()
}

// HandleRaw parses one inbound frame and dispatches it.
func (e *Engine) HandleRaw(ctx context.Context, connID string, raw []byte) {
	msg, t, err := protocol.ParseClientMessage(raw)
	if err != nil {
		e.rejectFrame(connID, t, err)
		return
	}
	e.metrics.Message("inbound", string(t))
	e.Handle(ctx, connID, msg)
}

func (e *Engine) rejectFrame(connID string, t protocol.MessageType, err error) {
	var invalid *protocol.InvalidPayloadError
	switch {
	case errors.Is(err, protocol.ErrUnsupportedType):
		e.metrics.Message("inbound", "unsupported")
		e.logger.Warn("ignoring unsupported message", "conn_id", connID, "type", t)
	case errors.Is(err, protocol.ErrMissingType):
		e.metrics.Message("inbound", "missing_type")
		e.reply(connID, protocol.NewError(msgMissingType))
	case errors.As(err, &invalid):
		e.metrics.Message("inbound", "invalid_"+string(invalid.Type))
		e.logger.Info("invalid payload", "conn_id", connID, "type", invalid.Type, "err", err)
		if invalid.Type == protocol.TypeSelect {
			e.reply(connID, protocol.NewError(msgInvalidSelection))
			return
		}
		e.reply(connID, protocol.NewError(fmt.Sprintf("Invalid %s payload", invalid.Type)))
	default:
		e.metrics.Message("inbound", "malformed")
		e.logger.Info("malformed message", "conn_id", connID, "err", err)
		e.reply(connID, protocol.NewError(msgMalformed))
	}
}

// Handle dispatches one parsed message. Calls for the same connection must
// be made sequentially, in arrival order.
func (e *Engine) Handle(ctx context.Context, connID string, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.StartConversation:
		e.handleStart(ctx, connID)
	case protocol.StopConversation:
		e.handleStop(ctx, connID)
	case protocol.AudioData:
		e.handlePerception(ctx, connID, perception{heard: m.Text}, time.Now())
	case protocol.ImageData:
		e.handlePerception(ctx, connID, perception{heard: m.Text, image: m.Image, mime: m.MIMEType}, time.Now())
	case protocol.AudioClip:
		e.handleClip(ctx, connID, m)
	case protocol.Select:
		e.handleSelect(connID, m.Index)
	case protocol.GetContext:
		e.handleGetContext(ctx, connID)
	case protocol.SetCoreContext:
		e.handleSetCoreContext(ctx, connID, m)
	case protocol.AddHighlight:
		e.handleAddHighlight(ctx, connID, m)
	case protocol.DeleteHighlight:
		e.handleDeleteHighlight(ctx, connID, m)
	case protocol.SetCalendar:
		e.handleSetCalendar(ctx, connID, m)
	case protocol.SetEventContext:
		e.handleSetEventContext(ctx, connID, m)
	default:
		e.logger.Warn("unhandled message variant", "conn_id", connID, "type", msg.MessageType())
	}
}

// Status describes the active session for diagnostics.
type Status struct {
	Active      bool      `json:"active"`
	SessionID   string    `json:"session_id,omitempty"`
	OwnerConnID string    `json:"owner_conn_id,omitempty"`
	Speaking    bool      `json:"speaking"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	Turns       int       `json:"turns"`
	Connections []string  `json:"connections"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{Connections: e.store.ConnIDs()}
	if s := e.store.ActiveSession(); s != nil {
		st.Active = s.Active
		st.SessionID = s.ID
		st.OwnerConnID = s.OwnerConnID
		st.Speaking = s.Speaking
		st.StartedAt = s.StartedAt
		st.Turns = len(s.History)
	}
	return st
}

// Close waits for in-flight speech, bounded by ctx, then stops capture.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.tts.Wait()
		close(done)
	}()

	var result *multierror.Error
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("waiting for speech: %w", ctx.Err()))
	}
	e.cancel()
	if err := e.capture.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop capture: %w", err))
	}
	return result.ErrorOrNil()
}

func (e *Engine) reply(connID string, msg protocol.ServerMessage) {
	e.out.Send(connID, msg)
}

func (e *Engine) broadcast(msg protocol.ServerMessage) {
	e.out.Broadcast(msg)
}

func (e *Engine) now() time.Time { return e.store.Now() }

func (e *Engine) stopCapture() {
	if err := e.capture.Stop(); err != nil {
		e.logger.Warn("capture stop failed", "err", err)
	}
}

// observe records one collaborator call.
func (e *Engine) observe(collaborator, op string, began time.Time, err error) {
	e.metrics.ObserveCall(collaborator, op, time.Since(began), err)
}
