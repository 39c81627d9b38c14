package message

import (
	"fmt"
	"time"
)

// ---------------------------------------------
// 📨 Message Types
// ---------------------------------------------

type Type string

const (
	ChatOut       Type = "chat-out"
	ChatIn        Type = "chat-in"
	ChatAck       Type = "chat-ack"
	SignalOut     Type = "signal-out"
	SignalIn      Type = "signal-in"
	SignalAck     Type = "signal-ack"
	PresenceInit  Type = "presence-init"
	PresenceJoin  Type = "presence-join"
	PresenceLeave Type = "presence-leave"
	ServiceOut    Type = "service-out"
)

func (t Type) Valid() bool {
	switch t {
	case ChatOut, ChatIn, ChatAck, SignalOut, SignalIn, SignalAck,
		PresenceInit, PresenceJoin, PresenceLeave, ServiceOut:
		return true
	}
	return false
}

// IsAck reports whether t acknowledges an earlier message.
func (t Type) IsAck() bool {
	return t == ChatAck || t == SignalAck
}

// RequiresAck reports whether the recipient is expected to acknowledge t.
func (t Type) RequiresAck() bool {
	switch t {
	case ChatOut, ChatIn, SignalOut, SignalIn:
		return true
	}
	return false
}

// Durable reports whether t must survive a gateway restart.
func (t Type) Durable() bool {
	return t == ChatOut || t == ChatIn || t == ChatAck
}

// Outbound maps an inbound type to the type delivered to recipients.
func (t Type) Outbound() Type {
	switch t {
	case ChatIn:
		return ChatOut
	case SignalIn:
		return SignalOut
	}
	return t
}

// AckFor returns the acknowledgement type that answers t.
func (t Type) AckFor() Type {
	switch t {
	case ChatIn, ChatOut:
		return ChatAck
	case SignalIn, SignalOut:
		return SignalAck
	}
	return ""
}

// ---------------------------------------------
// 🗄️ Message Value
// ---------------------------------------------

type Payload struct {
	Kind string `json:"kind"`
	Body string `json:"body"`
}

// Message is an immutable value. Use the With* methods to derive a changed copy.
type Message struct {
	Type             Type              `json:"type"`
	SenderID         string            `json:"sender_id"`
	RecipientID      string            `json:"recipient_id,omitempty"`
	ID               int64             `json:"message_id,omitempty"`
	CorrelationID    string            `json:"correlation_id,omitempty"`
	SenderTimestamp  time.Time         `json:"sender_timestamp,omitempty"`
	Timezone         string            `json:"timezone,omitempty"`
	ServerTimestamp  time.Time         `json:"server_timestamp,omitempty"`
	SessionID        string            `json:"session_id,omitempty"`
	Sequence         uint64            `json:"sequence_number,omitempty"`
	CreditsAvailable float64           `json:"credits_available"`
	Payload          Payload           `json:"payload"`
	Meta             map[string]string `json:"meta,omitempty"`
}

func (m Message) String() string {
	return fmt.Sprintf("%s#%d %s->%s", m.Type, m.ID, m.SenderID, m.RecipientID)
}

// clone copies m including its Meta map so the copy shares no mutable state.
func (m Message) clone() Message {
	if m.Meta != nil {
		meta := make(map[string]string, len(m.Meta))
		for k, v := range m.Meta {
			meta[k] = v
		}
		m.Meta = meta
	}
	return m
}

func (m Message) WithCredits(credits float64) Message {
	c := m.clone()
	c.CreditsAvailable = credits
	return c
}

func (m Message) WithID(id int64) Message {
	c := m.clone()
	c.ID = id
	return c
}

func (m Message) WithType(t Type) Message {
	c := m.clone()
	c.Type = t
	return c
}

func (m Message) WithRecipient(recipientID string) Message {
	c := m.clone()
	c.RecipientID = recipientID
	return c
}

func (m Message) WithServerTimestamp(ts time.Time) Message {
	c := m.clone()
	c.ServerTimestamp = ts
	return c
}

func (m Message) WithSession(sessionID string, seq uint64) Message {
	c := m.clone()
	c.SessionID = sessionID
	c.Sequence = seq
	return c
}

func (m Message) WithMeta(key, value string) Message {
	c := m.clone()
	if c.Meta == nil {
		c.Meta = make(map[string]string, 1)
	}
	c.Meta[key] = value
	return c
}

// Ack builds the acknowledgement the gateway returns to the sender of m.
func (m Message) Ack(credits float64, now time.Time) Message {
	return Message{
		Type:             m.Type.AckFor(),
		SenderID:         m.RecipientID,
		RecipientID:      m.SenderID,
		ID:               m.ID,
		CorrelationID:    m.CorrelationID,
		ServerTimestamp:  now,
		SessionID:        m.SessionID,
		Sequence:         m.Sequence,
		CreditsAvailable: credits,
	}
}
