package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/speechlens/speechlens/internal/protocol"
)

type probeOptions struct {
	url         string
	text        string
	wavPath     string
	selectIndex int
	timeout     time.Duration
}

type probeEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

func newProbeCmd() *cobra.Command {
	var o probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Drive one scripted conversation against a running relay",
		Long:  "probe connects to a relay, starts a conversation, sends heard text (or a WAV clip), selects an option, waits for speech to finish and stops the conversation.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 4*o.timeout)
			defer cancel()
			return runProbe(ctx, cmd.OutOrStdout(), o)
		},
	}
	cmd.Flags().StringVar(&o.url, "url", "ws://127.0.0.1:8765/ws", "relay websocket URL (http/https are converted)")
	cmd.Flags().StringVar(&o.text, "text", "Can you join us for lunch?", "heard text to send")
	cmd.Flags().StringVar(&o.wavPath, "wav", "", "send this WAV file as an audio_clip instead of --text")
	cmd.Flags().IntVar(&o.selectIndex, "select", 1, "option to select (1-3)")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "timeout for each awaited message")
	return cmd
}

func runProbe(ctx context.Context, out io.Writer, o probeOptions) error {
	if o.selectIndex < 1 || o.selectIndex > 3 {
		return fmt.Errorf("select must be in [1,3]")
	}
	if o.timeout <= 0 {
		o.timeout = 30 * time.Second
	}
	wsURL, err := probeURL(o.url)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	p := &prober{conn: conn, out: out, timeout: o.timeout}

	if err := p.send(map[string]any{"type": protocol.TypeStartConversation}); err != nil {
		return err
	}
	started, err := p.await(protocol.TypeConversationStarted)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "started session=%s\n", started.SessionID)

	if o.wavPath != "" {
		wav, err := os.ReadFile(o.wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		if err := p.send(map[string]any{"type": protocol.TypeAudioClip, "data": base64.StdEncoding.EncodeToString(wav)}); err != nil {
			return err
		}
		tr, err := p.await(protocol.TypeTranscript)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "transcript: %s\n", textData(tr))
	} else {
		if err := p.send(map[string]any{"type": protocol.TypeAudioData, "data": o.text}); err != nil {
			return err
		}
	}

	optsMsg, err := p.await(protocol.TypeOptions)
	if err != nil {
		return err
	}
	var opts []string
	if err := json.Unmarshal(optsMsg.Data, &opts); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	for i, opt := range opts {
		fmt.Fprintf(out, "option %d: %s\n", i+1, opt)
	}

	if err := p.send(map[string]any{"type": protocol.TypeSelect, "data": o.selectIndex}); err != nil {
		return err
	}
	sel, err := p.await(protocol.TypeSelected)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "selected: %s\n", textData(sel))
	for _, t := range []protocol.MessageType{protocol.TypeTTSDone, protocol.TypeResumeListening} {
		if _, err := p.await(t); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, "speech finished")

	if err := p.send(map[string]any{"type": protocol.TypeStopConversation}); err != nil {
		return err
	}
	hl, err := p.await(protocol.TypeConversationHighlight)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "highlight: %s\n", textData(hl))
	if _, err := p.await(protocol.TypeConversationStopped); err != nil {
		return err
	}
	fmt.Fprintln(out, "stopped")
	return nil
}

type prober struct {
	conn    *websocket.Conn
	out     io.Writer
	timeout time.Duration
}

func (p *prober) send(v any) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	if err := p.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

// await reads until a message of type want arrives. An error message from
// the relay aborts the wait; other messages are skipped.
func (p *prober) await(want protocol.MessageType) (probeEnvelope, error) {
	deadline := time.Now().Add(p.timeout)
	for {
		_ = p.conn.SetReadDeadline(deadline)
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return probeEnvelope{}, fmt.Errorf("await %s: %w", want, err)
		}
		var env probeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(want):
			return env, nil
		case string(protocol.TypeError):
			return probeEnvelope{}, fmt.Errorf("await %s: relay error: %s", want, env.Message)
		}
	}
}

func textData(env probeEnvelope) string {
	var s string
	if err := json.Unmarshal(env.Data, &s); err != nil {
		return string(env.Data)
	}
	return s
}

func probeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("url host is required")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
