package conversation

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/speechlens/speechlens/internal/audio"
	"github.com/speechlens/speechlens/internal/observability"
	"github.com/speechlens/speechlens/internal/options"
	"github.com/speechlens/speechlens/internal/oracle"
	"github.com/speechlens/speechlens/internal/protocol"
	"github.com/speechlens/speechlens/internal/session"
)

// Transcripts shorter than this are treated as noise.
const minTranscriptRunes = 3

const imageTurnText = "[image]"

type perception struct {
	heard string
	image []byte
	mime  string
}

func (p perception) turnText() string {
	if p.heard == "" && len(p.image) > 0 {
		return imageTurnText
	}
	return p.heard
}

// admit checks the perception preconditions under the lock and returns the
// session to act on, or the rejection to send.
func (e *Engine) admit(connID string) (*session.Session, string) {
	sess, err := e.store.Resolve(connID)
	if err != nil {
		return nil, msgNotStarted
	}
	if sess.Speaking {
		return nil, msgTTSInProgress
	}
	return sess, ""
}

func (e *Engine) rejectPerception(connID, reason string) {
	e.metrics.SessionEvent("perception_rejected")
	if reason == msgTTSInProgress {
		e.stages.Count(observability.IndicatorPerceptionRejectedSpeaking)
	}
	e.reply(connID, protocol.NewError(reason))
}

func (e *Engine) handlePerception(ctx context.Context, connID string, p perception, began time.Time) {
	e.mu.Lock()
	sess, reject := e.admit(connID)
	if reject != "" {
		e.mu.Unlock()
		e.rejectPerception(connID, reject)
		return
	}
	sess.Append(session.RoleUser, p.turnText(), e.now())
	req := oracle.Request{
		HeardText:       p.heard,
		Image:           p.image,
		ImageMIME:       p.mime,
		History:         session.CloneHistory(sess.History),
		ScheduleContext: sess.ScheduleContext,
		CoreContext:     sess.CoreContext,
		EventContext:    sess.EventContext,
	}
	sessionID := sess.ID
	e.mu.Unlock()

	callStart := time.Now()
	reply, err := e.oracle.GenerateOptions(context.WithoutCancel(ctx), req)
	e.observe("oracle", "generate_options", callStart, err)
	if err != nil {
		e.logger.Warn("generate options failed", "conn_id", connID, "session_id", sessionID, "err", err)
		return
	}
	set := options.Normalize(reply.Options, reply.Text)
	if set.Empty() {
		e.metrics.SessionEvent("options_empty")
		e.stages.Count(observability.IndicatorOptionsEmpty)
		e.logger.Warn("oracle reply held no options", "session_id", sessionID)
		return
	}

	e.mu.Lock()
	if !e.store.IsCurrent(sess) {
		e.mu.Unlock()
		e.stages.Count(observability.IndicatorOptionsDiscarded)
		e.logger.Info("discarding options for ended session", "session_id", sessionID)
		return
	}
	e.store.SetOptionsAll(set)
	sess.AppendOptions(set.Slice(), e.now())
	e.mu.Unlock()

	e.broadcast(protocol.NewOptions(set.Slice()))
	e.stages.Observe(observability.StagePerceptionToOptions, time.Since(began))
}

func (e *Engine) handleClip(ctx context.Context, connID string, clip protocol.AudioClip) {
	began := time.Now()

	e.mu.Lock()
	_, reject := e.admit(connID)
	e.mu.Unlock()
	if reject != "" {
		e.rejectPerception(connID, reject)
		return
	}

	wav, err := audio.Frame(clip.Audio, clip.SampleRate)
	if err != nil {
		e.logger.Info("unusable audio clip", "conn_id", connID, "err", err)
		e.reply(connID, protocol.NewError("Invalid audio_clip payload"))
		return
	}

	if clip.SampleRate > 0 {
		e.logger.Debug("audio clip received", "conn_id", connID, "clip_ms", audio.Duration(len(clip.Audio), clip.SampleRate).Milliseconds())
	}

	callStart := time.Now()
	text, err := e.stt.Transcribe(context.WithoutCancel(ctx), wav)
	e.observe("stt", "transcribe", callStart, err)
	if err != nil {
		e.logger.Warn("transcription failed", "conn_id", connID, "err", err)
		e.reply(connID, protocol.NewError(msgSTTFailed))
		return
	}
	e.stages.Observe(observability.StageClipToTranscript, time.Since(began))

	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minTranscriptRunes {
		e.logger.Debug("ignoring short transcript", "conn_id", connID, "chars", utf8.RuneCountInString(text))
		return
	}
	e.reply(connID, protocol.NewTranscript(text))
	e.handlePerception(ctx, connID, perception{heard: text}, began)
}

// handleSelect starts speaking the chosen option. A second select while
// speaking is rejected rather than queued.
func (e *Engine) handleSelect(connID string, n int) {
	began := time.Now()

	e.mu.Lock()
	sess, err := e.store.Resolve(connID)
	if err != nil {
		e.mu.Unlock()
		e.reply(connID, protocol.NewError(msgInvalidSelection))
		return
	}
	if sess.Speaking {
		e.mu.Unlock()
		e.metrics.SessionEvent("select_rejected_speaking")
		e.stages.Count(observability.IndicatorSelectRejectedSpeaking)
		e.reply(connID, protocol.NewError(msgTTSInProgress))
		return
	}
	set := e.store.Options(connID)
	if !set.Valid(n) {
		e.mu.Unlock()
		e.reply(connID, protocol.NewError(msgInvalidSelection))
		return
	}
	text := set.At(n)
	sess.Append(session.RoleAssistantSelection, text, e.now())
	sess.Speaking = true
	sessionID := sess.ID
	e.tts.Add(1)
	e.mu.Unlock()

	e.logger.Info("option selected", "conn_id", connID, "session_id", sessionID, "index", n)
	e.broadcast(protocol.NewSelected(text))
	go e.speak(sess, sessionID, text, began)
}

// speak runs on its own goroutine; its completion re-enters through mu.
func (e *Engine) speak(sess *session.Session, sessionID, text string, began time.Time) {
	defer e.tts.Done()

	callStart := time.Now()
	err := e.speaker.Speak(e.base, text)
	e.observe("tts", "speak", callStart, err)
	if err != nil {
		e.logger.Warn("speech failed", "session_id", sessionID, "err", err)
		e.broadcast(protocol.NewError(msgTTSFailed))
	}

	e.mu.Lock()
	sess.Speaking = false
	stale := !e.store.IsCurrent(sess)
	e.mu.Unlock()

	// Capture clients paused on selected still need tts_done to resume, even
	// when the session that spoke has since been stopped or replaced.
	if stale {
		e.metrics.SessionEvent("stale_speech_done")
		e.stages.Count(observability.IndicatorStaleSpeechDone)
		e.logger.Info("speech finished after its session ended", "session_id", sessionID)
	}
	e.broadcast(protocol.NewTTSDone(text))
	e.broadcast(protocol.NewResumeListening())
	e.stages.Observe(observability.StageSelectToTTSDone, time.Since(began))
}
