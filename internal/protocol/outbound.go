package protocol

import (
	"encoding/base64"
	"strings"
)

// ServerMessage is anything the server writes to a client.
type ServerMessage interface {
	MessageType() MessageType
}

type ConversationStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	StartedAt string      `json:"started_at"`
}

type Options struct {
	Type MessageType `json:"type"`
	Data []string    `json:"data"`
}

// TextMessage covers every outbound kind whose payload is one string.
type TextMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type ResumeListening struct {
	Type MessageType `json:"type"`
}

type ConversationStopped struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
}

type HighlightEntry struct {
	StartAt   string `json:"start_at"`
	StopAt    string `json:"stop_at"`
	Highlight string `json:"highlight"`
}

type EventEntry struct {
	Summary   string `json:"summary"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Location  string `json:"location,omitempty"`
	Signature string `json:"signature"`
}

// ContextSnapshot mirrors what the dashboard renders.
type ContextSnapshot struct {
	Type         MessageType       `json:"type"`
	Highlights   []HighlightEntry  `json:"highlights"`
	Core         []string          `json:"core"`
	Schedule     string            `json:"schedule"`
	Events       []EventEntry      `json:"events"`
	EventContext map[string]string `json:"event_context"`
}

// Ack acknowledges a context edit. Data echoes the edit where that is
// meaningful.
type Ack struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func (m ConversationStarted) MessageType() MessageType { return m.Type }
func (m Options) MessageType() MessageType             { return m.Type }
func (m TextMessage) MessageType() MessageType         { return m.Type }
func (m ResumeListening) MessageType() MessageType     { return m.Type }
func (m ConversationStopped) MessageType() MessageType { return m.Type }
func (m ContextSnapshot) MessageType() MessageType     { return m.Type }
func (m Ack) MessageType() MessageType                 { return m.Type }
func (m ErrorMessage) MessageType() MessageType        { return m.Type }

func NewOptions(opts []string) Options {
	cp := make([]string, len(opts))
	copy(cp, opts)
	return Options{Type: TypeOptions, Data: cp}
}

func NewSelected(text string) TextMessage {
	return TextMessage{Type: TypeSelected, Data: text}
}

func NewTTSDone(text string) TextMessage {
	return TextMessage{Type: TypeTTSDone, Data: text}
}

func NewResumeListening() ResumeListening {
	return ResumeListening{Type: TypeResumeListening}
}

func NewHighlight(text string) TextMessage {
	return TextMessage{Type: TypeConversationHighlight, Data: text}
}

func NewTranscript(text string) TextMessage {
	return TextMessage{Type: TypeTranscript, Data: text}
}

func NewAck(t MessageType, data any) Ack {
	return Ack{Type: t, Data: data}
}

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// Critical reports whether a message must not be dropped on a briefly full
// queue: losing one leaves a client paused or without its highlight.
func Critical(t MessageType) bool {
	switch t {
	case TypeTTSDone, TypeResumeListening, TypeConversationStopped, TypeConversationHighlight, TypeError:
		return true
	default:
		return false
	}
}

// decodeBase64 accepts standard or URL-safe encodings, padded or not, and
// strips a data-URL prefix.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	encodings := []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
