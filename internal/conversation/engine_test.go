package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speechlens/speechlens/internal/contextstore"
	"github.com/speechlens/speechlens/internal/logging"
	"github.com/speechlens/speechlens/internal/observability"
	"github.com/speechlens/speechlens/internal/oracle"
	"github.com/speechlens/speechlens/internal/policy"
	"github.com/speechlens/speechlens/internal/protocol"
	"github.com/speechlens/speechlens/internal/session"
	"github.com/speechlens/speechlens/internal/transport"
)

type fakeOracle struct {
	mu         sync.Mutex
	reply      oracle.Reply
	err        error
	summary    string
	summaryErr error
	gate       chan struct{}
	requests   []oracle.Request
	summarized [][]session.Turn
}

func (f *fakeOracle) GenerateOptions(ctx context.Context, req oracle.Request) (oracle.Reply, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply, f.err
}

func (f *fakeOracle) Summarize(ctx context.Context, history []session.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summarized = append(f.summarized, history)
	return f.summary, f.summaryErr
}

func (f *fakeOracle) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeOracle) lastRequest() oracle.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type gatedSpeaker struct {
	mu     sync.Mutex
	gate   chan struct{}
	err    error
	spoken []string
}

func (s *gatedSpeaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return s.err
}

type fakeTranscriber struct {
	text string
	err  error
	wavs [][]byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, wav []byte) (string, error) {
	f.wavs = append(f.wavs, wav)
	return f.text, f.err
}

type fakeCapture struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
}

func (c *fakeCapture) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	c.running = true
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
	return nil
}

func (c *fakeCapture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

type failingContext struct {
	*contextstore.InMemoryStore
}

func (failingContext) SaveCoreFacts(context.Context, []string) error {
	return errors.New("disk full")
}

func (failingContext) AppendHighlight(context.Context, contextstore.HighlightRecord) error {
	return errors.New("disk full")
}

var testNow = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	engine  *Engine
	hub     *transport.Hub
	oracle  *fakeOracle
	speaker *gatedSpeaker
	stt     *fakeTranscriber
	store   *contextstore.InMemoryStore
	capture *fakeCapture
}

func newHarness(t *testing.T, tweak ...func(*Deps)) *harness {
	t.Helper()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test_conversation")
	h := &harness{
		t:   t,
		hub: transport.NewHub(metrics),
		oracle: &fakeOracle{
			reply:   oracle.Reply{Text: "Sure, I'd love to | No thanks | Maybe later"},
			summary: "Talked about lunch.",
		},
		speaker: &gatedSpeaker{},
		stt:     &fakeTranscriber{text: "are you coming tonight"},
		store:   contextstore.NewInMemoryStore(),
		capture: &fakeCapture{},
	}
	deps := Deps{
		Oracle:      h.oracle,
		Speaker:     h.speaker,
		Transcriber: h.stt,
		Context:     h.store,
		Capture:     h.capture,
		Sender:      h.hub,
		Metrics:     metrics,
		Stages:      observability.NewStageWindow(16),
		Logger:      logging.Discard(),
		Clock:       func() time.Time { return testNow },
	}
	for _, fn := range tweak {
		fn(&deps)
	}
	engine, err := New(deps)
	require.NoError(t, err)
	h.engine = engine
	t.Cleanup(func() {
		h.speaker.release()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	return h
}

func (s *gatedSpeaker) hold() {
	s.mu.Lock()
	s.gate = make(chan struct{})
	s.mu.Unlock()
}

func (s *gatedSpeaker) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

func (h *harness) connect(id string) *transport.Conn {
	c := h.hub.Register(id)
	h.engine.Connect(id)
	return c
}

func (h *harness) send(id, raw string) {
	h.engine.HandleRaw(context.Background(), id, []byte(raw))
}

func next(t *testing.T, c *transport.Conn) protocol.ServerMessage {
	t.Helper()
	select {
	case m := <-c.Outbound():
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message on %s", c.ID)
		return nil
	}
}

func expectNone(t *testing.T, c *transport.Conn) {
	t.Helper()
	select {
	case m := <-c.Outbound():
		t.Fatalf("unexpected message on %s: %#v", c.ID, m)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectType(t *testing.T, c *transport.Conn, want protocol.MessageType) protocol.ServerMessage {
	t.Helper()
	m := next(t, c)
	require.Equal(t, want, m.MessageType(), "got %#v", m)
	return m
}

func expectError(t *testing.T, c *transport.Conn, want string) {
	t.Helper()
	m := expectType(t, c, protocol.TypeError)
	assert.Equal(t, want, m.(protocol.ErrorMessage).Message)
}

func TestEndToEndConversation(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")

	h.send("a", `{"type":"start_conversation"}`)
	started := expectType(t, a, protocol.TypeConversationStarted).(protocol.ConversationStarted)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, 1, h.capture.starts)

	h.send("a", `{"type":"audio_data","data":"Can you join us for lunch?"}`)
	opts := expectType(t, a, protocol.TypeOptions).(protocol.Options)
	assert.Equal(t, []string{"Sure, I'd love to", "No thanks", "Maybe later"}, opts.Data)
	assert.Equal(t, "Can you join us for lunch?", h.oracle.lastRequest().HeardText)

	h.send("a", `{"type":"select","data":"1"}`)
	sel := expectType(t, a, protocol.TypeSelected).(protocol.TextMessage)
	assert.Equal(t, "Sure, I'd love to", sel.Data)
	done := expectType(t, a, protocol.TypeTTSDone).(protocol.TextMessage)
	assert.Equal(t, "Sure, I'd love to", done.Data)
	expectType(t, a, protocol.TypeResumeListening)

	h.send("a", `{"type":"stop_conversation"}`)
	hl := expectType(t, a, protocol.TypeConversationHighlight).(protocol.TextMessage)
	assert.Equal(t, "Talked about lunch.", hl.Data)
	stopped := expectType(t, a, protocol.TypeConversationStopped).(protocol.ConversationStopped)
	assert.Equal(t, started.SessionID, stopped.SessionID)

	recs, err := h.store.RecentHighlights(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Talked about lunch.", recs[0].Highlight)

	require.Len(t, h.oracle.summarized, 1)
	roles := []session.Role{}
	for _, turn := range h.oracle.summarized[0] {
		roles = append(roles, turn.Role)
	}
	assert.Equal(t, []session.Role{session.RoleUser, session.RoleAssistantOptions, session.RoleAssistantSelection}, roles)

	st := h.engine.Status()
	assert.False(t, st.Active)
	assert.False(t, h.capture.Running())
}

func TestOptionsBroadcastToEveryConnection(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	expectNone(t, b)

	h.send("a", `{"type":"audio_data","data":"Want tea?"}`)
	expectType(t, a, protocol.TypeOptions)
	expectType(t, b, protocol.TypeOptions)

	h.send("b", `{"type":"select","data":2}`)
	for _, c := range []*transport.Conn{a, b} {
		sel := expectType(t, c, protocol.TypeSelected).(protocol.TextMessage)
		assert.Equal(t, "No thanks", sel.Data)
		expectType(t, c, protocol.TypeTTSDone)
		expectType(t, c, protocol.TypeResumeListening)
	}
}

func TestPerceptionRejectedWhileSpeaking(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"hello"}`)
	expectType(t, a, protocol.TypeOptions)

	h.speaker.hold()
	h.send("a", `{"type":"select","data":"3"}`)
	expectType(t, a, protocol.TypeSelected)
	turns := h.engine.Status().Turns
	require.True(t, h.engine.Status().Speaking)

	h.send("a", `{"type":"audio_data","data":"are you there?"}`)
	expectError(t, a, "TTS in progress")
	assert.Equal(t, 1, h.oracle.calls())
	assert.Equal(t, turns, h.engine.Status().Turns)

	h.send("a", `{"type":"select","data":"1"}`)
	expectError(t, a, "TTS in progress")
	assert.Equal(t, turns, h.engine.Status().Turns)

	h.speaker.release()
	expectType(t, a, protocol.TypeTTSDone)
	expectType(t, a, protocol.TypeResumeListening)
	assert.False(t, h.engine.Status().Speaking)

	h.send("a", `{"type":"audio_data","data":"are you there?"}`)
	expectType(t, a, protocol.TypeOptions)
}

func TestPerceptionWithoutSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")

	h.send("a", `{"type":"audio_data","data":"hello"}`)
	expectError(t, a, "Conversation not started")
	h.send("a", `{"audio_data":"legacy hello"}`)
	expectError(t, a, "Conversation not started")
	assert.Zero(t, h.oracle.calls())
}

func TestInvalidSelections(t *testing.T) {
	h := newHarness(t)
	h.oracle.reply = oracle.Reply{Options: []string{"Yes", "  ", "No"}}
	a := h.connect("a")

	h.send("a", `{"type":"select","data":"1"}`)
	expectError(t, a, "Invalid selection")

	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"select","data":"1"}`)
	expectError(t, a, "Invalid selection")

	h.send("a", `{"type":"audio_data","data":"ready?"}`)
	opts := expectType(t, a, protocol.TypeOptions).(protocol.Options)
	assert.Equal(t, []string{"Yes", "No", ""}, opts.Data)
	turns := h.engine.Status().Turns

	for _, raw := range []string{
		`{"type":"select","data":"3"}`,
		`{"type":"select","data":0}`,
		`{"type":"select","data":"4"}`,
		`{"type":"select","data":"first"}`,
		`{"type":"select"}`,
	} {
		h.send("a", raw)
		expectError(t, a, "Invalid selection")
	}
	assert.Equal(t, turns, h.engine.Status().Turns)
	assert.False(t, h.engine.Status().Speaking)
}

func TestStopTwiceAppendsTwoRecords(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")

	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"hi"}`)
	expectType(t, a, protocol.TypeOptions)

	h.send("a", `{"type":"stop_conversation"}`)
	first := expectType(t, a, protocol.TypeConversationHighlight).(protocol.TextMessage)
	expectType(t, a, protocol.TypeConversationStopped)
	assert.Equal(t, "Talked about lunch.", first.Data)

	h.send("a", `{"type":"stop_conversation"}`)
	second := expectType(t, a, protocol.TypeConversationHighlight).(protocol.TextMessage)
	expectType(t, a, protocol.TypeConversationStopped)
	assert.Equal(t, oracle.NoHistoryHighlight, second.Data)

	recs, err := h.store.RecentHighlights(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.False(t, h.engine.Status().Active)
}

func TestStopWhileSpeakingResetsFlags(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"hi"}`)
	expectType(t, a, protocol.TypeOptions)

	h.speaker.hold()
	h.send("a", `{"type":"select","data":1}`)
	expectType(t, a, protocol.TypeSelected)

	h.send("a", `{"type":"stop_conversation"}`)
	expectType(t, a, protocol.TypeConversationHighlight)
	expectType(t, a, protocol.TypeConversationStopped)
	st := h.engine.Status()
	assert.False(t, st.Active)
	assert.False(t, st.Speaking)

	h.speaker.release()
	expectType(t, a, protocol.TypeTTSDone)
	expectType(t, a, protocol.TypeResumeListening)
}

func TestStartSeedsRecentHighlights(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		at := testNow.Add(time.Duration(i-8) * time.Hour)
		require.NoError(t, h.store.AppendHighlight(ctx, contextstore.HighlightRecord{
			StartAt: at, StopAt: at, Highlight: fmt.Sprintf("h%d", i),
		}))
	}
	require.NoError(t, h.store.AppendHighlight(ctx, contextstore.HighlightRecord{StartAt: testNow, StopAt: testNow, Highlight: "   "}))
	a := h.connect("a")

	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"hello"}`)
	expectType(t, a, protocol.TypeOptions)

	history := h.oracle.lastRequest().History
	var seeded []string
	for _, turn := range history {
		if turn.Role == session.RoleRecentHighlight {
			seeded = append(seeded, turn.Text)
		}
	}
	assert.Equal(t, []string{"h4", "h5", "h6", "h7"}, seeded)
	assert.Equal(t, session.RoleUser, history[len(history)-1].Role)
}

func TestStartSeedCountIsConfigurable(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.SeedCount = 2 })
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		require.NoError(t, h.store.AppendHighlight(ctx, contextstore.HighlightRecord{StopAt: testNow, Highlight: fmt.Sprintf("h%d", i)}))
	}
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	assert.Equal(t, 2, h.engine.Status().Turns)
}

func TestStartLoadsContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ics := "BEGIN:VCALENDAR\nBEGIN:VEVENT\nSUMMARY:Physio\nDTSTART:20260302T100000Z\nDTEND:20260302T110000Z\nLOCATION:Clinic\nEND:VEVENT\nEND:VCALENDAR\n"
	require.NoError(t, h.store.SaveCalendarSource(ctx, ics))
	require.NoError(t, h.store.SaveCoreFacts(ctx, []string{"I use a wheelchair", "My sister is Ana"}))
	require.NoError(t, h.store.SaveEventContextEntry(ctx, "Physio|2026-03-02T10:00:00Z|2026-03-02T11:00:00Z", "Knee exercises"))
	a := h.connect("a")

	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"how was it?"}`)
	expectType(t, a, protocol.TypeOptions)

	req := h.oracle.lastRequest()
	assert.Contains(t, req.ScheduleContext, "Current event: Physio")
	assert.Equal(t, "I use a wheelchair\nMy sister is Ana", req.CoreContext)
	assert.Equal(t, "Knee exercises", req.EventContext)
}

func TestStartReplacesActiveSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.send("a", `{"type":"start_conversation"}`)
	first := expectType(t, a, protocol.TypeConversationStarted).(protocol.ConversationStarted)
	h.send("b", `{"type":"start_conversation"}`)
	second := expectType(t, b, protocol.TypeConversationStarted).(protocol.ConversationStarted)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	st := h.engine.Status()
	assert.Equal(t, second.SessionID, st.SessionID)
	assert.Equal(t, "b", st.OwnerConnID)
	assert.Empty(t, h.oracle.summarized)
}

func TestRestartInvalidatesMirroredOptions(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"Lunch at noon?"}`)
	expectType(t, a, protocol.TypeOptions)
	expectType(t, b, protocol.TypeOptions)

	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	turns := h.engine.Status().Turns

	h.send("b", `{"type":"select","data":"1"}`)
	expectError(t, b, "Invalid selection")
	expectNone(t, a)

	st := h.engine.Status()
	assert.Equal(t, turns, st.Turns)
	assert.False(t, st.Speaking)
	h.speaker.mu.Lock()
	assert.Empty(t, h.speaker.spoken)
	h.speaker.mu.Unlock()
}

func TestSpeechOutlivingItsSessionStillResumesClients(t *testing.T) {
	stages := observability.NewStageWindow(16)
	h := newHarness(t, func(d *Deps) { d.Stages = stages })
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"hi"}`)
	expectType(t, a, protocol.TypeOptions)

	h.speaker.hold()
	h.send("a", `{"type":"select","data":1}`)
	expectType(t, a, protocol.TypeSelected)

	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.speaker.release()

	expectType(t, a, protocol.TypeTTSDone)
	expectType(t, a, protocol.TypeResumeListening)
	assert.Contains(t, stages.Snapshot().Indicators,
		observability.IndicatorCount{Name: observability.IndicatorStaleSpeechDone, Count: 1})
	assert.True(t, h.engine.Status().Active)
}

func TestOracleFailureEmitsNothing(t *testing.T) {
	h := newHarness(t)
	h.oracle.err = errors.New("quota exceeded")
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)

	h.send("a", `{"type":"audio_data","data":"hello"}`)
	expectNone(t, a)
	assert.Equal(t, 1, h.engine.Status().Turns)
}

func TestOptionsDiscardedWhenSessionEndsFirst(t *testing.T) {
	h := newHarness(t)
	h.oracle.gate = make(chan struct{})
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.send("a", `{"type":"audio_data","data":"hello"}`)
	}()
	require.Eventually(t, func() bool { return h.oracle.calls() == 1 }, time.Second, 5*time.Millisecond)

	h.engine.Handle(context.Background(), "a", protocol.StopConversation{})
	expectType(t, a, protocol.TypeConversationHighlight)
	expectType(t, a, protocol.TypeConversationStopped)

	close(h.oracle.gate)
	<-done
	expectNone(t, a)
}

func TestSpeechFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.speaker.err = errors.New("no audio device")
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"hello"}`)
	expectType(t, a, protocol.TypeOptions)

	h.send("a", `{"type":"select","data":"2"}`)
	expectType(t, a, protocol.TypeSelected)
	expectError(t, a, "TTS failed")
	expectType(t, a, protocol.TypeTTSDone)
	expectType(t, a, protocol.TypeResumeListening)
	assert.False(t, h.engine.Status().Speaking)
}

func TestSummaryFailureUsesFallback(t *testing.T) {
	h := newHarness(t)
	h.oracle.summaryErr = errors.New("timeout")
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"hello"}`)
	expectType(t, a, protocol.TypeOptions)

	h.send("a", `{"type":"stop_conversation"}`)
	hl := expectType(t, a, protocol.TypeConversationHighlight).(protocol.TextMessage)
	assert.Equal(t, oracle.UnavailableHighlight, hl.Data)
	expectType(t, a, protocol.TypeConversationStopped)
}

func TestHighlightRedaction(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Highlights = policy.HighlightFilter{Redact: true} })
	h.oracle.summary = "Asked me to email jane@example.com"
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"hello"}`)
	expectType(t, a, protocol.TypeOptions)
	h.send("a", `{"type":"stop_conversation"}`)
	hl := expectType(t, a, protocol.TypeConversationHighlight).(protocol.TextMessage)
	assert.NotContains(t, hl.Data, "jane@example.com")

	recs, err := h.store.RecentHighlights(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, hl.Data, recs[0].Highlight)
}

func TestFrameRejections(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")

	h.send("a", `{not json`)
	expectError(t, a, "Malformed message")

	h.send("a", `{"data":"x"}`)
	expectError(t, a, "Missing message type")

	h.send("a", `{"type":"dance"}`)
	expectNone(t, a)

	h.send("a", `{"type":"add_highlight","data":"   "}`)
	expectError(t, a, "Invalid add_highlight payload")

	h.send("a", `{"type":"audio_data","data":""}`)
	expectError(t, a, "Invalid audio_data payload")
}

func TestImagePerception(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)

	img := base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff, 0xe0})
	h.send("a", `{"type":"image_data","data":"`+img+`"}`)
	expectType(t, a, protocol.TypeOptions)

	req := h.oracle.lastRequest()
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xe0}, req.Image)
	assert.Equal(t, protocol.DefaultImageMIME, req.ImageMIME)
	assert.Equal(t, "[image]", req.History[len(req.History)-1].Text)
}

func TestAudioClipTranscription(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	pcm := base64.StdEncoding.EncodeToString(make([]byte, 320))

	h.send("a", `{"type":"audio_clip","data":"`+pcm+`","sample_rate":16000}`)
	expectError(t, a, "Conversation not started")

	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)

	h.send("a", `{"type":"audio_clip","data":"`+pcm+`","sample_rate":16000}`)
	tr := expectType(t, a, protocol.TypeTranscript).(protocol.TextMessage)
	assert.Equal(t, "are you coming tonight", tr.Data)
	expectType(t, a, protocol.TypeOptions)
	require.Len(t, h.stt.wavs, 1)
	assert.Equal(t, "RIFF", string(h.stt.wavs[0][:4]))
	assert.Equal(t, "are you coming tonight", h.oracle.lastRequest().HeardText)

	h.stt.text = "ok"
	h.send("a", `{"type":"audio_clip","data":"`+pcm+`","sample_rate":16000}`)
	expectNone(t, a)

	h.stt.err = errors.New("whisper down")
	h.send("a", `{"type":"audio_clip","data":"`+pcm+`","sample_rate":16000}`)
	expectError(t, a, "Transcription failed")

	h.send("a", `{"type":"audio_clip","data":"`+pcm+`"}`)
	expectError(t, a, "Invalid audio_clip payload")
}

func TestDisconnectLastConnectionResetsSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	require.True(t, h.capture.Running())

	h.hub.Unregister("a")
	h.engine.Disconnect("a")

	st := h.engine.Status()
	assert.False(t, st.Active)
	assert.Empty(t, st.Connections)
	assert.False(t, h.capture.Running())
}

func TestDisconnectKeepsSessionForOthers(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"hello"}`)
	expectType(t, a, protocol.TypeOptions)
	expectType(t, b, protocol.TypeOptions)

	h.speaker.hold()
	h.send("a", `{"type":"select","data":"1"}`)
	expectType(t, b, protocol.TypeSelected)
	h.hub.Unregister("a")
	h.engine.Disconnect("a")

	assert.True(t, h.engine.Status().Active)
	h.speaker.release()
	expectType(t, b, protocol.TypeTTSDone)
	expectType(t, b, protocol.TypeResumeListening)

	h.send("b", `{"type":"audio_data","data":"still here"}`)
	expectType(t, b, protocol.TypeOptions)
}

func TestContextEditing(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")

	h.send("a", `{"type":"set_core_context","data":["Likes jazz","  ","Lives in Porto"]}`)
	ack := expectType(t, a, protocol.TypeCoreContextUpdated).(protocol.Ack)
	assert.Equal(t, []string{"Likes jazz", "Lives in Porto"}, ack.Data)

	h.send("a", `{"type":"add_highlight","data":"Planned a trip"}`)
	expectType(t, a, protocol.TypeHighlightAdded)

	ics := "BEGIN:VEVENT\\nSUMMARY:Lunch\\nDTSTART:20260302T120000Z\\nDTEND:20260302T130000Z\\nEND:VEVENT\\n"
	h.send("a", `{"type":"set_calendar","data":"`+ics+`"}`)
	cal := expectType(t, a, protocol.TypeCalendarUpdated).(protocol.Ack)
	assert.Equal(t, 1, cal.Data)

	sig := "Lunch|2026-03-02T12:00:00Z|2026-03-02T13:00:00Z"
	h.send("a", `{"type":"set_event_context","data":{"key":"`+sig+`","context":"Bring the menu"}}`)
	expectType(t, a, protocol.TypeEventContextUpdated)

	h.send("a", `{"type":"get_context"}`)
	snap := expectType(t, a, protocol.TypeContextSnapshot).(protocol.ContextSnapshot)
	assert.Equal(t, []string{"Likes jazz", "Lives in Porto"}, snap.Core)
	require.Len(t, snap.Highlights, 1)
	assert.Equal(t, "Planned a trip", snap.Highlights[0].Highlight)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, sig, snap.Events[0].Signature)
	assert.Equal(t, "Upcoming: Lunch (Mar 02 12:00 - 13:00)", snap.Schedule)
	assert.Equal(t, map[string]string{sig: "Bring the menu"}, snap.EventContext)

	h.send("a", `{"type":"delete_highlight","data":"3"}`)
	expectError(t, a, "Highlight index out of range")
	h.send("a", `{"type":"delete_highlight","data":0}`)
	expectType(t, a, protocol.TypeHighlightDeleted)

	h.send("a", `{"type":"set_event_context","data":{"key":"`+sig+`","context":""}}`)
	expectType(t, a, protocol.TypeEventContextUpdated)

	snap, err := h.engine.ContextSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Highlights)
	assert.Empty(t, snap.EventContext)
}

func TestPersistenceFailures(t *testing.T) {
	mem := contextstore.NewInMemoryStore()
	h := newHarness(t, func(d *Deps) { d.Context = failingContext{mem} })
	h.store = mem
	a := h.connect("a")

	h.send("a", `{"type":"set_core_context","data":["x"]}`)
	expectError(t, a, "Context update failed")

	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"stop_conversation"}`)
	hl := expectType(t, a, protocol.TypeConversationHighlight).(protocol.TextMessage)
	assert.Equal(t, oracle.NoHistoryHighlight, hl.Data)
	expectType(t, a, protocol.TypeConversationStopped)
}

func TestCloseWaitsForSpeech(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	h.send("a", `{"type":"start_conversation"}`)
	expectType(t, a, protocol.TypeConversationStarted)
	h.send("a", `{"type":"audio_data","data":"hello"}`)
	expectType(t, a, protocol.TypeOptions)

	h.speaker.hold()
	h.send("a", `{"type":"select","data":"1"}`)
	expectType(t, a, protocol.TypeSelected)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.engine.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	expectError(t, a, "TTS failed")
	expectType(t, a, protocol.TypeTTSDone)
	expectType(t, a, protocol.TypeResumeListening)
}

func TestNewRequiresSenderAndStore(t *testing.T) {
	_, err := New(Deps{Context: contextstore.NewInMemoryStore()})
	assert.Error(t, err)
	_, err = New(Deps{Sender: transport.NewHub(nil)})
	assert.Error(t, err)
}
