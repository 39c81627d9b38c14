// Package gateway wires the delivery core together. Frames from the transport
// pass credit admission on the incoming channel, get an id and run through the
// routing pipeline; deliveries leave through the outgoing channel or, for
// recipients connected elsewhere, through the Redis relay. Background loops
// redeliver leased outbox rows, purge below the safe-delete id and sweep
// stale or lagging sessions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-chat-gateway/internal/auth"
	"go-chat-gateway/internal/backpressure"
	"go-chat-gateway/internal/credit"
	"go-chat-gateway/internal/delivery"
	"go-chat-gateway/internal/message"
	"go-chat-gateway/internal/outbox"
	"go-chat-gateway/internal/routing"
	"go-chat-gateway/internal/session"
	"go-chat-gateway/internal/transport/ws"
	"go-chat-gateway/internal/watermark"
)

var (
	ErrNoStore      = errors.New("gateway needs an outbox store")
	ErrNoClientID   = errors.New("connection without client id")
	ErrNotConnected = errors.New("recipient not connected")
	errClientOnly   = errors.New("message type is not accepted from clients")
)

var _ ws.Gateway = (*Gateway)(nil)

// Inbound is one raw frame read from a session.
type Inbound struct {
	Session  *session.Session
	Frame    []byte
	Received time.Time
}

// Outbound is one message headed to one session.
type Outbound struct {
	Session *session.Session
	Message message.Message
}

// Metrics is everything the gateway reports. internal/metrics implements it.
type Metrics interface {
	routing.Observer
	Channel(name string) backpressure.Metrics
	SetSessions(n int)
	SetSafeDeleteID(id int64)
	AddPurged(n int64)
	IncHeavyDisconnect()
	IncCreditRejected()
}

type nopMetrics struct{}

func (nopMetrics) ObserveRoute(routing.Policy, bool, time.Duration) {}
func (nopMetrics) Channel(string) backpressure.Metrics              { return backpressure.NopMetrics{} }
func (nopMetrics) SetSessions(int)                                  {}
func (nopMetrics) SetSafeDeleteID(int64)                            {}
func (nopMetrics) AddPurged(int64)                                  {}
func (nopMetrics) IncHeavyDisconnect()                              {}
func (nopMetrics) IncCreditRejected()                               {}

type Config struct {
	Node         string
	RelayChannel string

	CreditCapacity int
	CreditRefill   float64

	Incoming backpressure.Config
	Outgoing backpressure.Config
	Outbox   outbox.Config
	Delivery delivery.Config

	IdempotencyTTL time.Duration
	PendingSize    int
	PendingTTL     time.Duration

	DispatchInterval time.Duration
	PurgeInterval    time.Duration
	HeavyThreshold   int
	HeavyLimit       int

	CleanupFraction  float64
	CleanupThreshold int
	CleanupInterval  time.Duration
	// IdleTimeout marks a session dead when nothing was read from it for
	// this long. Zero disables the check.
	IdleTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Node == "" {
		c.Node = "gateway-1"
	}
	if c.CreditCapacity <= 0 {
		c.CreditCapacity = 50
	}
	if c.CreditRefill <= 0 {
		c.CreditRefill = 10
	}
	c.Incoming.Name = "incoming"
	c.Outgoing.Name = "outgoing"
	c.Outbox.Node = c.Node
	if c.Outbox.LeaseDuration <= 0 {
		c.Outbox.LeaseDuration = outbox.DefaultLeaseDuration
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = outbox.DefaultIdempotencyTTL
	}
	if c.PendingSize <= 0 {
		c.PendingSize = routing.DefaultPendingSize
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = routing.DefaultPendingTTL
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Second
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = 30 * time.Second
	}
	if c.HeavyThreshold <= 0 {
		c.HeavyThreshold = 500
	}
	if c.HeavyLimit <= 0 {
		c.HeavyLimit = 10
	}
	if c.CleanupFraction <= 0 {
		c.CleanupFraction = session.DefaultCleanupFraction
	}
	if c.CleanupThreshold <= 0 {
		c.CleanupThreshold = session.DefaultCleanupThreshold
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 15 * time.Second
	}
}

type Deps struct {
	Store      outbox.Store
	Watermarks watermark.Store
	// Redis is optional. Without it the gateway runs as a single instance.
	Redis   *redis.Client
	Metrics Metrics
	// OpenConnections reports the transport's own connection count, which
	// drives fractional cleanup. Defaults to the registry size.
	OpenConnections func() int
	Clock           clock.Clock
	Logger          *zap.Logger
}

type Gateway struct {
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	metrics   Metrics
	openConns func() int

	registry *session.Registry
	credits  *credit.Controller
	tracker  *delivery.Tracker
	outbox   *outbox.Outbox
	dedup    outbox.Idempotency
	pending  *routing.PendingAcks
	pipeline *routing.Pipeline
	incoming *backpressure.Channel[Inbound]
	outgoing *backpressure.Channel[Outbound]
	cleanup  *session.FractionalCleanup

	seq       *Sequencer
	localIDs  *LocalIDs
	relay     *Relay
	recovered chan struct{}
}

func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Store == nil {
		return nil, ErrNoStore
	}
	cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Watermarks == nil {
		marks, err := watermark.NewMemory(watermark.DefaultMaxEntries)
		if err != nil {
			return nil, err
		}
		deps.Watermarks = marks
	}

	g := &Gateway{
		cfg:       cfg,
		clock:     deps.Clock,
		logger:    deps.Logger.With(zap.String("node", cfg.Node)),
		metrics:   deps.Metrics,
		openConns: deps.OpenConnections,
		registry:  session.NewRegistry(),
		recovered: make(chan struct{}),
	}

	var (
		guard outbox.Idempotency
		ids   IDSource
	)
	if deps.Redis != nil {
		g.relay = NewRelay(deps.Redis, cfg.RelayChannel, cfg.Node, g.logger)
		guard = outbox.NewRedisIdempotency(deps.Redis, "gateway:dispatch:", cfg.IdempotencyTTL)
		g.dedup = outbox.NewRedisIdempotency(deps.Redis, "gateway:dedup:", cfg.IdempotencyTTL)
		ids = g.relay
	} else {
		guard = outbox.NewMemoryIdempotency(cfg.IdempotencyTTL, g.clock)
		g.dedup = outbox.NewMemoryIdempotency(cfg.IdempotencyTTL, g.clock)
		g.localIDs = &LocalIDs{}
		ids = g.localIDs
	}
	g.seq = NewSequencer(ids)

	g.credits = credit.NewController(g.clock, g.logger)
	g.tracker = delivery.NewTracker(cfg.Delivery, deps.Watermarks, g.clock, g.logger)
	g.outbox = outbox.New(deps.Store, guard, g.clock, cfg.Outbox, g.logger)
	g.pending = routing.NewPendingAcks(cfg.PendingSize, cfg.PendingTTL)

	pipeline, err := routing.NewPipeline(routing.Deps{
		Persister: persister{g},
		Cache:     g.pending,
		Deliverer: deliverer{g},
		Tracker:   trackerPort{g},
		Releaser:  g.outbox,
		Observer:  g.metrics,
	}, g.logger)
	if err != nil {
		return nil, err
	}
	g.pipeline = pipeline

	g.incoming = backpressure.New(cfg.Incoming, g.handleInbound, g.metrics.Channel(cfg.Incoming.Name), g.logger,
		backpressure.WithDropHandler(func(in Inbound) {
			g.logger.Warn("inbound frame dropped", zap.String("client", in.Session.ClientID))
		}))
	g.outgoing = backpressure.New(cfg.Outgoing, g.handleOutbound, g.metrics.Channel(cfg.Outgoing.Name), g.logger,
		backpressure.WithDropHandler(func(out Outbound) {
			g.logger.Debug("outbound message dropped",
				zap.String("session", out.Session.ID), zap.Stringer("msg", out.Message))
		}))

	g.cleanup = session.NewFractionalCleanup(cfg.CleanupFraction, cfg.CleanupThreshold, g.logger)
	g.cleanup.OnEvict = g.afterRemoval
	return g, nil
}

// ---------------------------------------------
// 🔌 Connection lifecycle
// ---------------------------------------------

func (g *Gateway) Connect(ctx context.Context, id auth.Identity, conn session.Conn) (*session.Session, error) {
	if id.ClientID == "" {
		return nil, ErrNoClientID
	}
	wasOnline := g.registry.Online(id.ClientID)
	s := session.New(uuid.NewString(), id.ClientID, id.ClientName, conn,
		credit.NewCredits(g.cfg.CreditCapacity, g.cfg.CreditRefill), g.clock.Now())
	if err := g.registry.Register(s); err != nil {
		return nil, err
	}
	g.metrics.SetSessions(g.registry.Len())

	firstAnywhere := !wasOnline
	if g.relay != nil {
		n, err := g.relay.Join(ctx, id.ClientID)
		if err != nil {
			g.logger.Warn("presence join", zap.String("client", id.ClientID), zap.Error(err))
		} else {
			firstAnywhere = n == 1
		}
	}
	if firstAnywhere {
		g.tracker.OnConnect(ctx, id.ClientID)
		g.publishEvent(ctx, envelope{Kind: kindJoin, Client: id.ClientID})
		g.broadcastPresence(ctx, message.PresenceJoin, id.ClientID)
	}
	g.sendPresenceInit(ctx, s)

	g.logger.Info("session connected",
		zap.String("session", s.ID),
		zap.String("client", s.ClientID),
		zap.Int("sessions", g.registry.Len()))
	return s, nil
}

// Receive queues a frame for admission. It never blocks the read pump.
func (g *Gateway) Receive(s *session.Session, frame []byte) {
	now := g.clock.Now()
	s.Touch(now)
	g.incoming.Publish(Inbound{Session: s, Frame: frame, Received: now})
}

func (g *Gateway) Disconnect(s *session.Session) {
	g.remove(s)
}

func (g *Gateway) remove(s *session.Session) {
	if _, ok := g.registry.Deregister(s.ID); !ok {
		return
	}
	g.afterRemoval(s)
}

// afterRemoval runs once per deregistered session.
func (g *Gateway) afterRemoval(s *session.Session) {
	ctx := context.Background()
	if err := s.Conn.Close(); err != nil {
		g.logger.Debug("close connection", zap.String("session", s.ID), zap.Error(err))
	}
	g.metrics.SetSessions(g.registry.Len())
	g.logger.Info("session disconnected", zap.String("session", s.ID), zap.String("client", s.ClientID))

	gone := !g.registry.Online(s.ClientID)
	if g.relay != nil {
		n, err := g.relay.Leave(ctx, s.ClientID)
		if err != nil {
			g.logger.Warn("presence leave", zap.String("client", s.ClientID), zap.Error(err))
		} else {
			gone = n == 0
		}
	}
	if !gone {
		return
	}
	g.tracker.OnDisconnect(ctx, s.ClientID)
	g.publishEvent(ctx, envelope{Kind: kindLeave, Client: s.ClientID})
	g.broadcastPresence(ctx, message.PresenceLeave, s.ClientID)
}

// ---------------------------------------------
// 📥 Inbound
// ---------------------------------------------

func (g *Gateway) handleInbound(ctx context.Context, in Inbound) error {
	s := in.Session
	msg, err := message.Decode(in.Frame)
	if err != nil {
		return fmt.Errorf("frame from %s: %w", s.ClientID, err)
	}
	msg.SenderID = s.ClientID

	if !g.credits.Admit(s, msg) {
		g.metrics.IncCreditRejected()
		return nil
	}

	switch msg.Type {
	case message.ChatIn, message.SignalIn:
		return g.routeInbound(ctx, s, msg, in.Received)
	case message.ChatAck, message.SignalAck:
		g.pipeline.Route(ctx, msg)
		return nil
	default:
		return fmt.Errorf("%s from %s: %w", msg.Type, s.ClientID, errClientOnly)
	}
}

func (g *Gateway) routeInbound(ctx context.Context, s *session.Session, msg message.Message, received time.Time) error {
	if msg.RecipientID == "" {
		return fmt.Errorf("%s from %s: %w", msg.Type, s.ClientID, routing.ErrNoRecipient)
	}

	dedupKey := ""
	if msg.CorrelationID != "" {
		key := s.ClientID + ":" + msg.CorrelationID
		added, err := g.dedup.AddMessage(ctx, key)
		switch {
		case err != nil:
			g.logger.Warn("inbound dedup unavailable", zap.Error(err))
		case !added:
			g.logger.Debug("duplicate inbound message, acking again",
				zap.String("client", s.ClientID), zap.String("correlation", msg.CorrelationID))
			g.ackSender(s, msg)
			return nil
		default:
			dedupKey = key
		}
	}

	id, err := g.seq.Next(ctx)
	if err != nil {
		g.forget(ctx, dedupKey)
		return fmt.Errorf("allocate message id: %w", err)
	}
	defer g.seq.Done(id)

	out := msg.WithType(msg.Type.Outbound()).
		WithID(id).
		WithServerTimestamp(received).
		WithSession(s.ID, s.NextSequence())

	rc, ok := g.pipeline.Process(ctx, out)
	if rc.Err != nil {
		g.forget(ctx, dedupKey)
		return rc.Err
	}
	if ok {
		g.ackSender(s, rc.Message)
	}
	return nil
}

// forget lets a client retry a correlation id whose first attempt failed.
func (g *Gateway) forget(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := g.dedup.RemoveMessage(ctx, key); err != nil {
		g.logger.Warn("release dedup mark", zap.Error(err))
	}
}

func (g *Gateway) ackSender(s *session.Session, msg message.Message) {
	ack := msg.Ack(g.credits.Available(s), g.clock.Now())
	g.outgoing.Publish(Outbound{Session: s, Message: ack})
}

// ---------------------------------------------
// 📤 Outbound
// ---------------------------------------------

func (g *Gateway) handleOutbound(_ context.Context, out Outbound) error {
	msg := out.Message
	if msg.Type.IsAck() {
		msg = msg.WithCredits(g.credits.Available(out.Session))
	}
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	if err := out.Session.Conn.Send(data); err != nil {
		return fmt.Errorf("send to session %s: %w", out.Session.ID, err)
	}
	return nil
}

// deliver hands msg to every local session of its recipient, or to the relay
// when the recipient is connected to another instance. It reports whether
// anyone was there to take it.
func (g *Gateway) deliver(ctx context.Context, msg message.Message) (bool, error) {
	if g.deliverLocal(msg) {
		return true, nil
	}
	if g.relay == nil {
		return false, nil
	}
	online, err := g.relay.Online(ctx, msg.RecipientID)
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	if !online {
		return false, nil
	}
	if err := g.relay.publish(ctx, envelope{Kind: kindDeliver, Message: &msg}); err != nil {
		return false, fmt.Errorf("relay: %w", err)
	}
	return true, nil
}

func (g *Gateway) deliverLocal(msg message.Message) bool {
	delivered := false
	for _, s := range g.registry.SessionsFor(msg.RecipientID) {
		if g.outgoing.Publish(Outbound{Session: s, Message: msg}) == backpressure.Accepted {
			delivered = true
		}
	}
	return delivered
}

// Notify pushes a service message to every session of recipientID.
func (g *Gateway) Notify(ctx context.Context, recipientID, body string) error {
	msg := message.Message{
		Type:            message.ServiceOut,
		SenderID:        g.cfg.Node,
		RecipientID:     recipientID,
		ServerTimestamp: g.clock.Now(),
		Payload:         message.Payload{Kind: "service", Body: body},
	}
	if !g.pipeline.Route(ctx, msg) {
		return fmt.Errorf("notify %s: %w", recipientID, ErrNotConnected)
	}
	return nil
}

// ---------------------------------------------
// 👥 Presence
// ---------------------------------------------

func (g *Gateway) onlineClients(ctx context.Context) []string {
	if g.relay != nil {
		clients, err := g.relay.OnlineClients(ctx)
		if err == nil {
			return clients
		}
		g.logger.Warn("list online clients", zap.Error(err))
	}
	return g.registry.OnlineClients()
}

func (g *Gateway) sendPresenceInit(ctx context.Context, s *session.Session) {
	body, err := encodeClientList(g.onlineClients(ctx))
	if err != nil {
		g.logger.Warn("encode presence list", zap.Error(err))
		return
	}
	g.outgoing.Publish(Outbound{Session: s, Message: message.Message{
		Type:            message.PresenceInit,
		SenderID:        g.cfg.Node,
		RecipientID:     s.ClientID,
		ServerTimestamp: g.clock.Now(),
		Payload:         message.Payload{Kind: "presence", Body: body},
	}})
}

// broadcastPresence tells every other locally connected client that clientID
// came or went. Other instances do the same for their clients.
func (g *Gateway) broadcastPresence(ctx context.Context, t message.Type, clientID string) {
	now := g.clock.Now()
	for _, other := range g.registry.OnlineClients() {
		if other == clientID {
			continue
		}
		g.pipeline.Route(ctx, message.Message{
			Type:            t,
			SenderID:        clientID,
			RecipientID:     other,
			ServerTimestamp: now,
			Payload:         message.Payload{Kind: "presence", Body: clientID},
		})
	}
}

func (g *Gateway) publishEvent(ctx context.Context, env envelope) {
	if g.relay == nil {
		return
	}
	if err := g.relay.publish(ctx, env); err != nil {
		g.logger.Warn("relay event", zap.String("kind", env.Kind), zap.Error(err))
	}
}

// onRelay applies what another instance announced.
func (g *Gateway) onRelay(env envelope) {
	ctx := context.Background()
	switch env.Kind {
	case kindDeliver:
		if env.Message != nil {
			g.deliverLocal(*env.Message)
		}
	case kindAck:
		g.tracker.OnAck(env.Client, env.Seq)
	case kindJoin:
		g.tracker.OnConnect(ctx, env.Client)
		g.broadcastPresence(ctx, message.PresenceJoin, env.Client)
	case kindLeave:
		g.tracker.OnDisconnect(ctx, env.Client)
		g.broadcastPresence(ctx, message.PresenceLeave, env.Client)
	default:
		g.logger.Warn("unknown relay event", zap.String("kind", env.Kind), zap.String("from", env.Node))
	}
}

// ---------------------------------------------
// 🧩 Pipeline ports
// ---------------------------------------------

type persister struct{ g *Gateway }

// Persist stores msg leased to this delivery attempt, so the dispatcher only
// picks it up again once the lease runs out unacknowledged.
func (p persister) Persist(ctx context.Context, msg message.Message) error {
	payload, err := message.Encode(msg)
	if err != nil {
		return err
	}
	lease := p.g.clock.Now().Add(p.g.cfg.Outbox.LeaseDuration).UTC()
	_, err = p.g.outbox.SaveToOutbox(ctx, outbox.Entry{
		MessageID:   msg.ID,
		RecipientID: msg.RecipientID,
		Payload:     payload,
		Meta:        msg.Meta,
		LeaseUntil:  &lease,
	})
	return err
}

type deliverer struct{ g *Gateway }

func (d deliverer) Deliver(ctx context.Context, msg message.Message) (bool, error) {
	return d.g.deliver(ctx, msg)
}

// trackerPort shares acknowledgements with the other instances, whose
// trackers hold the sends they made to the same client.
type trackerPort struct{ g *Gateway }

func (t trackerPort) OnSend(ctx context.Context, recipientID string, messageID int64, online bool) {
	t.g.tracker.OnSend(ctx, recipientID, messageID, online)
}

func (t trackerPort) OnAck(recipientID string, seq int64) bool {
	moved := t.g.tracker.OnAck(recipientID, seq)
	if t.g.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		t.g.publishEvent(ctx, envelope{Kind: kindAck, Client: recipientID, Seq: seq})
	}
	return moved
}
