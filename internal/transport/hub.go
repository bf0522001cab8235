// Package transport fans server messages out to live connections.
package transport

import (
	"sync"
	"time"

	"github.com/speechlens/speechlens/internal/observability"
	"github.com/speechlens/speechlens/internal/protocol"
)

const (
	DefaultQueueSize = 256
	criticalWait     = 600 * time.Millisecond
)

// Conn is one connection's outbound queue. A single writer goroutine drains
// Outbound until Done is closed.
type Conn struct {
	ID string

	out  chan protocol.ServerMessage
	done chan struct{}
	once sync.Once
}

func (c *Conn) Outbound() <-chan protocol.ServerMessage { return c.out }

// Done is closed when the connection is unregistered.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) close() { c.once.Do(func() { close(c.done) }) }

// Hub is the connection registry. Sends never block the caller beyond the
// short critical-message wait.
type Hub struct {
	metrics   *observability.Metrics
	queueSize int

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{metrics: metrics, queueSize: DefaultQueueSize, conns: make(map[string]*Conn)}
}

// Register adds a connection, replacing any previous one with the same ID.
func (h *Hub) Register(id string) *Conn {
	c := &Conn{ID: id, out: make(chan protocol.ServerMessage, h.queueSize), done: make(chan struct{})}
	h.mu.Lock()
	if prev, ok := h.conns[id]; ok {
		prev.close()
	}
	h.conns[id] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetConnections(n)
	return c
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	n := len(h.conns)
	h.mu.Unlock()
	if ok {
		c.close()
	}
	h.metrics.SetConnections(n)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send queues msg for one connection and reports whether it was queued.
func (h *Hub) Send(id string, msg protocol.ServerMessage) bool {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		h.metrics.Outbound(string(msg.MessageType()), "no_conn")
		return false
	}
	return h.enqueue(c, msg)
}

// Broadcast queues msg for every live connection and returns how many
// accepted it.
func (h *Hub) Broadcast(msg protocol.ServerMessage) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if h.enqueue(c, msg) {
			sent++
		}
	}
	return sent
}

func (h *Hub) enqueue(c *Conn, msg protocol.ServerMessage) bool {
	t := string(msg.MessageType())
	select {
	case <-c.done:
		h.metrics.Outbound(t, "closed")
		return false
	default:
	}
	select {
	case c.out <- msg:
		h.metrics.Outbound(t, "queued")
		return true
	default:
	}
	if !protocol.Critical(msg.MessageType()) {
		h.metrics.Outbound(t, "drop_full")
		return false
	}

	timer := time.NewTimer(criticalWait)
	defer timer.Stop()
	select {
	case c.out <- msg:
		h.metrics.Outbound(t, "queued_after_wait")
		return true
	case <-c.done:
		h.metrics.Outbound(t, "closed")
		return false
	case <-timer.C:
		h.metrics.Outbound(t, "drop_timeout")
		return false
	}
}
