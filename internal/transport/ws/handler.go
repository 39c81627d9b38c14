// Package ws is the websocket transport: it upgrades authenticated requests,
// runs the read and write pumps and hands frames to the gateway.
package ws

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-chat-gateway/internal/auth"
	"go-chat-gateway/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy belongs to the load balancer in front of the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway is what the transport needs from the delivery core.
type Gateway interface {
	Connect(ctx context.Context, id auth.Identity, conn session.Conn) (*session.Session, error)
	Receive(s *session.Session, frame []byte)
	Disconnect(s *session.Session)
}

// Counter tracks open websocket connections independently of the session
// registry so the two can be compared.
type Counter struct {
	open atomic.Int64
}

func (c *Counter) Open() int { return int(c.open.Load()) }

type Handler struct {
	gateway Gateway
	counter *Counter
	logger  *zap.Logger
}

func NewHandler(gw Gateway, counter *Counter, logger *zap.Logger) *Handler {
	if counter == nil {
		counter = &Counter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gateway: gw, counter: counter, logger: logger.Named("ws")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	conn := NewConn(wsConn, h.logger.With(zap.String("client", id.ClientID)))

	// The request context ends when ServeHTTP returns; the session outlives it.
	sess, err := h.gateway.Connect(context.WithoutCancel(r.Context()), id, conn)
	if err != nil {
		h.logger.Warn("connect rejected", zap.String("client", id.ClientID), zap.Error(err))
		conn.Close()
		wsConn.Close()
		return
	}
	h.counter.open.Add(1)

	go conn.WritePump()
	go conn.ReadPump(
		func(frame []byte) { h.gateway.Receive(sess, frame) },
		func() {
			h.counter.open.Add(-1)
			h.gateway.Disconnect(sess)
		},
	)
}
