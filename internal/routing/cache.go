package routing

import (
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"go-chat-gateway/internal/message"
)

const (
	DefaultPendingSize = 50_000
	DefaultPendingTTL  = 2 * time.Minute
)

// PendingAcks holds non-durable messages that still wait for the recipient's
// acknowledgement. Entries expire on their own; signals are never redelivered.
type PendingAcks struct {
	lru *expirable.LRU[string, message.Message]
}

func NewPendingAcks(size int, ttl time.Duration) *PendingAcks {
	if size <= 0 {
		size = DefaultPendingSize
	}
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingAcks{lru: expirable.NewLRU[string, message.Message](size, nil, ttl)}
}

func pendingKey(recipientID string, messageID int64) string {
	return recipientID + "/" + strconv.FormatInt(messageID, 10)
}

func (p *PendingAcks) Put(msg message.Message) {
	p.lru.Add(pendingKey(msg.RecipientID, msg.ID), msg)
}

func (p *PendingAcks) Lookup(recipientID string, messageID int64) (message.Message, bool) {
	return p.lru.Peek(pendingKey(recipientID, messageID))
}

func (p *PendingAcks) Evict(recipientID string, messageID int64) bool {
	return p.lru.Remove(pendingKey(recipientID, messageID))
}

func (p *PendingAcks) Len() int { return p.lru.Len() }
