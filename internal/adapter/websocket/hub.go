package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signpulse/internal/adapter/metrics"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/pscheid92/signpulse/internal/platform/correlation"
)

// ErrAtCapacity is returned by Serve when the connection limit is reached.
var ErrAtCapacity = errors.New("websocket connection limit reached")

type sessionRegistry interface {
	Get(sessionID string) (domain.Session, error)
	Touch(ctx context.Context, sessionID string) error
	Close(ctx context.Context, sessionID string, reason domain.CloseReason)
}

// Hub is the WebSocket transport. Each attached session has exactly one
// connection and one writer goroutine; sessions without a connection silently
// drop messages until one attaches.
type Hub struct {
	mu      sync.RWMutex
	writers map[string]*clientWriter

	registry sessionRegistry
	upgrader websocket.Upgrader
	limiter  *connectionLimiter
	clock    clockwork.Clock
	metrics  *metrics.WebSocketMetrics
}

type HubConfig struct {
	MaxConnections int
	CheckOrigin    func(r *http.Request) bool
}

func NewHub(registry sessionRegistry, cfg HubConfig, clock clockwork.Clock, m *metrics.WebSocketMetrics) *Hub {
	return &Hub{
		writers:  make(map[string]*clientWriter),
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		limiter: newConnectionLimiter(cfg.MaxConnections),
		clock:   clock,
		metrics: m,
	}
}

// Send implements domain.Transport.
func (h *Hub) Send(ctx context.Context, sessionID string, data []byte) error {
	h.mu.RLock()
	cw, ok := h.writers[sessionID]
	h.mu.RUnlock()
	if !ok {
		slog.DebugContext(ctx, "No connection attached, message dropped", "session_id", sessionID)
		return nil
	}
	return cw.enqueue(ctx, data)
}

// Serve upgrades the request and binds the connection to sessionID. It blocks
// until the connection ends, then closes the session.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	if !h.limiter.acquire() {
		h.reject("capacity")
		return ErrAtCapacity
	}
	defer h.limiter.release()

	session, err := h.registry.Get(sessionID)
	if err != nil {
		h.reject("unknown_session")
		return err
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.reject("upgrade")
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}
	conn.SetReadLimit(maxInboundBytes)

	ctx := correlation.WithSessionID(context.WithoutCancel(r.Context()), sessionID)
	cw := newClientWriter(conn, h.clock, func() { _ = h.registry.Touch(ctx, sessionID) }, h.metrics)
	h.attach(ctx, sessionID, cw)

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		defer h.metrics.ActiveConnections.Dec()
	}

	h.sendAck(ctx, cw, session)
	h.readLoop(ctx, sessionID, cw)

	if h.detach(sessionID, cw) {
		cw.stop()
		h.registry.Close(ctx, sessionID, domain.CloseTransport)
	}
	return nil
}

// readLoop treats every inbound frame as a liveness signal.
func (h *Hub) readLoop(ctx context.Context, sessionID string, cw *clientWriter) {
	for {
		if _, _, err := cw.connection.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "WebSocket read failed", "error", err)
			}
			return
		}
		cw.updateReadDeadline()
		if err := h.registry.Touch(ctx, sessionID); errors.Is(err, domain.ErrSessionNotFound) {
			return
		}
	}
}

func (h *Hub) attach(ctx context.Context, sessionID string, cw *clientWriter) {
	h.mu.Lock()
	previous := h.writers[sessionID]
	h.writers[sessionID] = cw
	h.mu.Unlock()

	if previous != nil {
		slog.InfoContext(ctx, "Replacing existing connection for session")
		previous.stopGraceful(websocket.ClosePolicyViolation, "replaced by a newer connection")
	}
}

// detach reports whether cw was still the session's current writer.
func (h *Hub) detach(sessionID string, cw *clientWriter) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writers[sessionID] != cw {
		return false
	}
	delete(h.writers, sessionID)
	return true
}

func (h *Hub) sendAck(ctx context.Context, cw *clientWriter, s domain.Session) {
	payload, err := json.Marshal(domain.SubscribeAck{SessionID: s.ID, Channels: s.Channels})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode subscribe-ack", "error", err)
		return
	}
	data, err := json.Marshal(domain.Message{
		Type:      domain.MessageSubscribeAck,
		Payload:   payload,
		Timestamp: h.clock.Now().UTC(),
		SenderID:  domain.SystemSender,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode subscribe-ack", "error", err)
		return
	}
	if err := cw.enqueue(ctx, data); err != nil {
		slog.DebugContext(ctx, "Subscribe-ack not delivered", "error", err)
	}
}

func (h *Hub) SessionOpened(context.Context, domain.Session) {}

// SessionClosed drops the session's connection with a close frame.
func (h *Hub) SessionClosed(_ context.Context, s domain.Session, reason domain.CloseReason) {
	h.mu.Lock()
	cw, ok := h.writers[s.ID]
	delete(h.writers, s.ID)
	h.mu.Unlock()

	if ok {
		cw.stopGraceful(websocket.CloseNormalClosure, "session closed: "+string(reason))
	}
}

// Connections returns the number of attached sessions.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.writers)
}

// Shutdown closes every connection with a going-away frame.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	writers := h.writers
	h.writers = make(map[string]*clientWriter)
	h.mu.Unlock()

	for _, cw := range writers {
		cw.stopGraceful(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) reject(reason string) {
	if h.metrics != nil {
		h.metrics.Rejected.WithLabelValues(reason).Inc()
	}
}
