// Package ws streams execution and reasoning events to operators over
// WebSocket. Each connection is bound to the tenant of its API key and
// receives only that tenant's events.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/veritas/internal/events"
)

// Subprotocol is negotiated with clients that request it.
const Subprotocol = "veritas-events-v1"

const (
	defaultHeartbeat = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Frame types.
const (
	FrameSubscribed = "subscribed"
	FrameEvent      = "event"
)

// Frame is one message sent to a client.
type Frame struct {
	Type     string        `json:"type"`
	TenantID string        `json:"tenant_id"`
	Event    *events.Event `json:"event,omitempty"`
}

// Authenticator resolves the tenant of an upgrade request.
type Authenticator func(r *http.Request) (tenantID string, ok bool)

// Subscriber is the event source. Implemented by events.Bus.
type Subscriber interface {
	Subscribe(tenantID string) (<-chan events.Event, func())
}

// Server upgrades operator connections and forwards events to them.
type Server struct {
	bus       Subscriber
	auth      Authenticator
	heartbeat time.Duration
	logger    *slog.Logger
	conns     atomic.Int64
}

// NewServer creates a WebSocket server.
func NewServer(bus Subscriber, auth Authenticator, logger *slog.Logger) *Server {
	return &Server{
		bus:       bus,
		auth:      auth,
		heartbeat: defaultHeartbeat,
		logger:    logger,
	}
}

// WithHeartbeat sets the ping interval.
func (s *Server) WithHeartbeat(d time.Duration) *Server {
	if d > 0 {
		s.heartbeat = d
	}
	return s
}

// Connections returns the number of open streams.
func (s *Server) Connections() int64 {
	return s.conns.Load()
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.auth(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.stream(r.Context(), conn, tenantID)
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, tenantID string) {
	ch, unsubscribe := s.bus.Subscribe(tenantID)
	defer unsubscribe()

	s.conns.Add(1)
	defer s.conns.Add(-1)

	// Clients only listen. CloseRead answers control frames and cancels ctx
	// when the peer goes away.
	ctx = conn.CloseRead(ctx)

	s.logger.Info("event stream opened", slog.String("tenant_id", tenantID))
	defer s.logger.Info("event stream closed", slog.String("tenant_id", tenantID))

	if err := s.write(ctx, conn, Frame{Type: FrameSubscribed, TenantID: tenantID}); err != nil {
		conn.CloseNow()
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := s.write(ctx, conn, Frame{Type: FrameEvent, TenantID: tenantID, Event: &e}); err != nil {
				s.logger.Debug("event write failed",
					slog.String("tenant_id", tenantID),
					slog.String("error", err.Error()),
				)
				conn.CloseNow()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("tenant_id", tenantID),
					slog.String("error", err.Error()),
				)
				conn.CloseNow()
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}
