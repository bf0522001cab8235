package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/speechlens/speechlens/internal/config"
	"github.com/speechlens/speechlens/internal/conversation"
	"github.com/speechlens/speechlens/internal/observability"
	"github.com/speechlens/speechlens/internal/protocol"
	"github.com/speechlens/speechlens/internal/transport"
)

const (
	readLimit    = 8 << 20
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Engine is the protocol engine behind the websocket.
type Engine interface {
	Connect(connID string)
	Disconnect(connID string)
	HandleRaw(ctx context.Context, connID string, raw []byte)
	ContextSnapshot(ctx context.Context) (protocol.ContextSnapshot, error)
	Status() conversation.Status
}

type Server struct {
	cfg      config.Config
	engine   Engine
	hub      *transport.Hub
	metrics  *observability.Metrics
	stages   *observability.StageWindow
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// Backends names the collaborators in use, reported by /readyz.
	Backends map[string]string
}

func New(cfg config.Config, engine Engine, hub *transport.Hub, metrics *observability.Metrics, stages *observability.StageWindow, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		hub:     hub,
		metrics: metrics,
		stages:  stages,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the conversation.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Capture clients and scripts omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleWS)
	r.Get("/ws", s.handleWS)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Method(http.MethodGet, "/v1/context", otelhttp.NewHandler(http.HandlerFunc(s.handleContext), "GET /v1/context"))
	r.Method(http.MethodGet, "/v1/session", otelhttp.NewHandler(http.HandlerFunc(s.handleSession), "GET /v1/session"))
	r.Method(http.MethodGet, "/v1/perf/latency", otelhttp.NewHandler(http.HandlerFunc(s.handlePerfLatency), "GET /v1/perf/latency"))
	r.Method(http.MethodDelete, "/v1/perf/latency", otelhttp.NewHandler(http.HandlerFunc(s.handlePerfLatencyReset), "DELETE /v1/perf/latency"))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"connections": s.hub.Count(),
		"backends":    s.Backends,
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.ContextSnapshot(r.Context())
	if err != nil {
		s.logger.Warn("context snapshot incomplete", "err", err)
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Status())
}

// handleWS serves one protocol connection. The read loop dispatches frames
// in arrival order; a single writer drains the hub queue.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		respondJSON(w, http.StatusOK, map[string]any{"service": "speechlens", "websocket": "/ws"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	out := s.hub.Register(connID)
	s.engine.Connect(connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx, conn, out)
		cancel()
		// Unblocks the read loop.
		_ = conn.Close()
	}()

	readTimeout := s.cfg.WSReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Minute
	}
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("websocket read ended", "conn_id", connID, "err", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		s.engine.HandleRaw(ctx, connID, data)
	}

	s.hub.Unregister(connID)
	s.engine.Disconnect(connID)
	cancel()
	<-writerDone
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, out *transport.Conn) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-out.Done():
			return
		case msg := <-out.Outbound():
			t := string(msg.MessageType())
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.Outbound(t, "write_error")
				return
			}
			s.metrics.Message("outbound", t)
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
