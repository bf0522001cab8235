package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client → server.
const (
	TypeStartConversation MessageType = "start_conversation"
	TypeStopConversation  MessageType = "stop_conversation"
	TypeAudioData         MessageType = "audio_data"
	TypeImageData         MessageType = "image_data"
	TypeAudioClip         MessageType = "audio_clip"
	TypeSelect            MessageType = "select"
	TypeGetContext        MessageType = "get_context"
	TypeSetCoreContext    MessageType = "set_core_context"
	TypeAddHighlight      MessageType = "add_highlight"
	TypeDeleteHighlight   MessageType = "delete_highlight"
	TypeSetCalendar       MessageType = "set_calendar"
	TypeSetEventContext   MessageType = "set_event_context"
)

// Server → client.
const (
	TypeConversationStarted   MessageType = "conversation_started"
	TypeOptions               MessageType = "options"
	TypeSelected              MessageType = "selected"
	TypeTTSDone               MessageType = "tts_done"
	TypeResumeListening       MessageType = "resume_listening"
	TypeConversationHighlight MessageType = "conversation_highlight"
	TypeConversationStopped   MessageType = "conversation_stopped"
	TypeContextSnapshot       MessageType = "context_snapshot"
	TypeCoreContextUpdated    MessageType = "core_context_updated"
	TypeHighlightAdded        MessageType = "highlight_added"
	TypeHighlightDeleted      MessageType = "highlight_deleted"
	TypeCalendarUpdated       MessageType = "calendar_updated"
	TypeEventContextUpdated   MessageType = "event_context_updated"
	TypeTranscript            MessageType = "transcript"
	TypeError                 MessageType = "error"
)

const DefaultImageMIME = "image/jpeg"

var (
	ErrMalformed       = errors.New("malformed message")
	ErrMissingType     = errors.New("missing message type")
	ErrUnsupportedType = errors.New("unsupported message type")
)

// InvalidPayloadError reports a known message type whose data does not match
// the shape that type requires.
type InvalidPayloadError struct {
	Type   MessageType
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Type, e.Reason)
}

// ClientMessage is one of the inbound variants below. The set is closed.
type ClientMessage interface {
	MessageType() MessageType
	clientMessage()
}

type StartConversation struct{}

type StopConversation struct{}

type AudioData struct {
	Text string
}

type ImageData struct {
	Image    []byte
	Text     string
	MIMEType string
}

type AudioClip struct {
	Audio      []byte
	SampleRate int
}

// Select carries the 1-based option index exactly as the client sent it;
// range checks against the current options happen in the engine.
type Select struct {
	Index int
}

type GetContext struct{}

type SetCoreContext struct {
	Lines []string
}

type AddHighlight struct {
	Text string
}

type DeleteHighlight struct {
	Index int
}

type SetCalendar struct {
	ICS string
}

type SetEventContext struct {
	Key     string
	Context string
}

func (StartConversation) MessageType() MessageType { return TypeStartConversation }
func (StopConversation) MessageType() MessageType  { return TypeStopConversation }
func (AudioData) MessageType() MessageType         { return TypeAudioData }
func (ImageData) MessageType() MessageType         { return TypeImageData }
func (AudioClip) MessageType() MessageType         { return TypeAudioClip }
func (Select) MessageType() MessageType            { return TypeSelect }
func (GetContext) MessageType() MessageType        { return TypeGetContext }
func (SetCoreContext) MessageType() MessageType    { return TypeSetCoreContext }
func (AddHighlight) MessageType() MessageType      { return TypeAddHighlight }
func (DeleteHighlight) MessageType() MessageType   { return TypeDeleteHighlight }
func (SetCalendar) MessageType() MessageType       { return TypeSetCalendar }
func (SetEventContext) MessageType() MessageType   { return TypeSetEventContext }

func (StartConversation) clientMessage() {}
func (StopConversation) clientMessage()  {}
func (AudioData) clientMessage()         {}
func (ImageData) clientMessage()         {}
func (AudioClip) clientMessage()         {}
func (Select) clientMessage()            {}
func (GetContext) clientMessage()        {}
func (SetCoreContext) clientMessage()    {}
func (AddHighlight) clientMessage()      {}
func (DeleteHighlight) clientMessage()   {}
func (SetCalendar) clientMessage()       {}
func (SetEventContext) clientMessage()   {}

type Envelope struct {
	Type       MessageType     `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Text       string          `json:"text,omitempty"`
	MIMEType   string          `json:"mime_type,omitempty"`
	SampleRate int             `json:"sample_rate,omitempty"`

	// Older capture clients send {"audio_data": "..."} with no type.
	LegacyAudio json.RawMessage `json:"audio_data,omitempty"`
	LegacyImage json.RawMessage `json:"image_data,omitempty"`
}

// ParseClientMessage turns one inbound frame into exactly one variant.
// Unknown types come back as ErrUnsupportedType with the type still
// reported so callers can log it.
func ParseClientMessage(raw []byte) (ClientMessage, MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if env.Type == "" {
		switch {
		case len(env.LegacyAudio) > 0:
			env.Type, env.Data = TypeAudioData, env.LegacyAudio
		case len(env.LegacyImage) > 0:
			env.Type, env.Data = TypeImageData, env.LegacyImage
		default:
			return nil, "", ErrMissingType
		}
	}

	msg, err := parseVariant(env)
	return msg, env.Type, err
}

func parseVariant(env Envelope) (ClientMessage, error) {
	invalid := func(reason string) error {
		return &InvalidPayloadError{Type: env.Type, Reason: reason}
	}

	switch env.Type {
	case TypeStartConversation:
		return StartConversation{}, nil
	case TypeStopConversation:
		return StopConversation{}, nil
	case TypeGetContext:
		return GetContext{}, nil

	case TypeAudioData:
		text, ok := stringData(env.Data)
		if !ok || strings.TrimSpace(text) == "" {
			return nil, invalid("data must be non-empty text")
		}
		return AudioData{Text: strings.TrimSpace(text)}, nil

	case TypeImageData:
		encoded, ok := stringData(env.Data)
		if !ok || encoded == "" {
			return nil, invalid("data must be base64 image")
		}
		img, err := decodeBase64(encoded)
		if err != nil || len(img) == 0 {
			return nil, invalid("data is not valid base64")
		}
		mime := strings.TrimSpace(env.MIMEType)
		if mime == "" {
			mime = DefaultImageMIME
		}
		return ImageData{Image: img, Text: strings.TrimSpace(env.Text), MIMEType: mime}, nil

	case TypeAudioClip:
		encoded, ok := stringData(env.Data)
		if !ok || encoded == "" {
			return nil, invalid("data must be base64 audio")
		}
		clip, err := decodeBase64(encoded)
		if err != nil || len(clip) == 0 {
			return nil, invalid("data is not valid base64")
		}
		if env.SampleRate < 0 {
			return nil, invalid("sample_rate must not be negative")
		}
		return AudioClip{Audio: clip, SampleRate: env.SampleRate}, nil

	case TypeSelect:
		n, ok := intData(env.Data)
		if !ok {
			return nil, invalid("data must be an integer")
		}
		return Select{Index: n}, nil

	case TypeSetCoreContext:
		var lines []string
		if len(env.Data) == 0 || json.Unmarshal(env.Data, &lines) != nil {
			return nil, invalid("data must be a list of strings")
		}
		out := make([]string, 0, len(lines))
		for _, l := range lines {
			if l = strings.TrimSpace(l); l != "" {
				out = append(out, l)
			}
		}
		return SetCoreContext{Lines: out}, nil

	case TypeAddHighlight:
		text, ok := stringData(env.Data)
		if !ok || strings.TrimSpace(text) == "" {
			return nil, invalid("data must be non-empty text")
		}
		return AddHighlight{Text: strings.TrimSpace(text)}, nil

	case TypeDeleteHighlight:
		n, ok := intData(env.Data)
		if !ok || n < 0 {
			return nil, invalid("data must be a non-negative integer")
		}
		return DeleteHighlight{Index: n}, nil

	case TypeSetCalendar:
		ics, ok := stringData(env.Data)
		if !ok {
			return nil, invalid("data must be ICS text")
		}
		return SetCalendar{ICS: ics}, nil

	case TypeSetEventContext:
		var body struct {
			Key     string `json:"key"`
			Context string `json:"context"`
		}
		if len(env.Data) == 0 || json.Unmarshal(env.Data, &body) != nil {
			return nil, invalid("data must be an object")
		}
		if strings.TrimSpace(body.Key) == "" {
			return nil, invalid("key is required")
		}
		return SetEventContext{Key: strings.TrimSpace(body.Key), Context: strings.TrimSpace(body.Context)}, nil

	default:
		return nil, ErrUnsupportedType
	}
}

func stringData(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// intData accepts 2 and "2".
func intData(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	s, ok := stringData(raw)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}
