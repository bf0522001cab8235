package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/speechlens/speechlens/internal/reliability"
	"github.com/speechlens/speechlens/internal/session"
)

// HTTPOracle forwards requests to a suggestion service. The endpoint takes
// {"transcript", ...} and answers {"options": [...]} or {"text": "..."};
// <endpoint>/summarize answers {"text": "..."}.
type HTTPOracle struct {
	url     string
	client  *http.Client
	backoff reliability.Backoff
}

type httpTurn struct {
	Timestamp float64  `json:"timestamp"`
	Role      string   `json:"role"`
	Text      string   `json:"text,omitempty"`
	Options   []string `json:"options,omitempty"`
}

type httpSuggestRequest struct {
	Transcript      string     `json:"transcript"`
	ImageBase64     string     `json:"image_base64,omitempty"`
	ImageMIME       string     `json:"image_mime,omitempty"`
	History         []httpTurn `json:"history"`
	ScheduleContext string     `json:"schedule_context,omitempty"`
	CoreContext     string     `json:"core_context,omitempty"`
	EventContext    string     `json:"event_context,omitempty"`
}

type httpSummarizeRequest struct {
	History []httpTurn `json:"history"`
}

type httpReply struct {
	Options []string `json:"options"`
	Text    string   `json:"text"`
}

func NewHTTP(url string, retries int, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &HTTPOracle{
		url: strings.TrimRight(strings.TrimSpace(url), "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		backoff: reliability.Backoff{Retries: retries, Base: 200 * time.Millisecond, Cap: 2 * time.Second},
	}
}

func (o *HTTPOracle) GenerateOptions(ctx context.Context, req Request) (Reply, error) {
	body := httpSuggestRequest{
		Transcript:      req.HeardText,
		History:         toHTTPTurns(req.History),
		ScheduleContext: req.ScheduleContext,
		CoreContext:     req.CoreContext,
		EventContext:    req.EventContext,
	}
	if len(req.Image) > 0 {
		body.ImageBase64 = base64.StdEncoding.EncodeToString(req.Image)
		body.ImageMIME = req.ImageMIME
	}

	var out httpReply
	if err := o.post(ctx, o.url, body, &out); err != nil {
		return Reply{}, err
	}
	if len(out.Options) == 0 && strings.TrimSpace(out.Text) == "" {
		return Reply{}, fmt.Errorf("oracle http: empty reply")
	}
	return Reply{Text: out.Text, Options: out.Options}, nil
}

func (o *HTTPOracle) Summarize(ctx context.Context, history []session.Turn) (string, error) {
	var out httpReply
	if err := o.post(ctx, o.url+"/summarize", httpSummarizeRequest{History: toHTTPTurns(history)}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func (o *HTTPOracle) post(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return o.backoff.Do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		res, err := o.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			return &reliability.StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

func toHTTPTurns(history []session.Turn) []httpTurn {
	out := make([]httpTurn, len(history))
	for i, t := range history {
		out[i] = httpTurn{Timestamp: t.Timestamp, Role: string(t.Role), Text: t.Text, Options: t.Options}
	}
	return out
}
