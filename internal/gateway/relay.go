package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-chat-gateway/internal/message"
)

const (
	kindDeliver = "deliver"
	kindAck     = "ack"
	kindJoin    = "join"
	kindLeave   = "leave"
)

// envelope is what gateway instances tell each other over pub/sub.
type envelope struct {
	Kind    string           `json:"kind"`
	Node    string           `json:"node"`
	Client  string           `json:"client,omitempty"`
	Seq     int64            `json:"seq,omitempty"`
	Message *message.Message `json:"message,omitempty"`
}

// Relay connects gateway instances through Redis: a pub/sub channel for
// cross-instance delivery and events, a hash of connection counts per client
// for presence, and a counter for message ids.
type Relay struct {
	client      *redis.Client
	channel     string
	node        string
	presenceKey string
	idKey       string
	logger      *zap.Logger
}

func NewRelay(client *redis.Client, channel, node string, logger *zap.Logger) *Relay {
	if channel == "" {
		channel = "gateway-relay"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		client:      client,
		channel:     channel,
		node:        node,
		presenceKey: channel + ":online",
		idKey:       channel + ":message-id",
		logger:      logger.Named("relay"),
	}
}

func (r *Relay) publish(ctx context.Context, env envelope) error {
	env.Node = r.node
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Subscribe feeds envelopes from other instances to handle until ctx ends.
func (r *Relay) Subscribe(ctx context.Context, handle func(envelope)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("subscribed", zap.String("channel", r.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("dropping malformed envelope", zap.Error(err))
				continue
			}
			if env.Node == r.node {
				continue
			}
			handle(env)
		}
	}
}

// Join counts one more connection for clientID and returns the new total.
func (r *Relay) Join(ctx context.Context, clientID string) (int64, error) {
	return r.client.HIncrBy(ctx, r.presenceKey, clientID, 1).Result()
}

// Leave counts one connection less and returns what remains across instances.
func (r *Relay) Leave(ctx context.Context, clientID string) (int64, error) {
	n, err := r.client.HIncrBy(ctx, r.presenceKey, clientID, -1).Result()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		// The count is already settled; a stale zero field reads as offline.
		if err := r.client.HDel(ctx, r.presenceKey, clientID).Err(); err != nil {
			r.logger.Warn("clear presence field", zap.String("client", clientID), zap.Error(err))
		}
		n = 0
	}
	return n, nil
}

func (r *Relay) Online(ctx context.Context, clientID string) (bool, error) {
	v, err := r.client.HGet(ctx, r.presenceKey, clientID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return err == nil && n > 0, nil
}

func (r *Relay) OnlineClients(ctx context.Context) ([]string, error) {
	all, err := r.client.HGetAll(ctx, r.presenceKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for id, v := range all {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// NextID makes Relay an IDSource shared by every instance.
func (r *Relay) NextID(ctx context.Context) (int64, error) {
	return r.client.Incr(ctx, r.idKey).Result()
}

// SeedID raises the shared counter to at least floor.
func (r *Relay) SeedID(ctx context.Context, floor int64) error {
	cur, err := r.client.Get(ctx, r.idKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if cur >= floor {
		return nil
	}
	return r.client.IncrBy(ctx, r.idKey, floor-cur).Err()
}

func encodeClientList(ids []string) (string, error) {
	data, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
