package routing

import "go-chat-gateway/internal/message"

type Policy int

const (
	NoPolicy Policy = iota
	PersistentOut
	CachedOut
	DirectOut
	PersistentAck
	CachedAck
)

func (p Policy) String() string {
	switch p {
	case PersistentOut:
		return "persistent-out"
	case CachedOut:
		return "cached-out"
	case DirectOut:
		return "direct-out"
	case PersistentAck:
		return "persistent-ack"
	case CachedAck:
		return "cached-ack"
	}
	return "none"
}

type StageName string

const (
	StagePersist       StageName = "persist"
	StageCache         StageName = "cache"
	StageDeliver       StageName = "deliver"
	StageRecordAck     StageName = "record-ack"
	StageReleaseOutbox StageName = "release-outbox"
	StageEvictCache    StageName = "evict-cache"
)

// stageTable is decided once per policy; stages never branch on policy themselves.
var stageTable = map[Policy][]StageName{
	PersistentOut: {StagePersist, StageDeliver},
	CachedOut:     {StageCache, StageDeliver},
	DirectOut:     {StageDeliver},
	PersistentAck: {StageRecordAck, StageReleaseOutbox},
	CachedAck:     {StageRecordAck, StageEvictCache},
}

// Resolve picks the routing policy from the message shape alone. Inbound
// chat-in and signal-in have no policy; callers rewrite them to their
// outbound form first.
func Resolve(msg message.Message) Policy {
	t := msg.Type
	switch {
	case t.IsAck() && t.Durable():
		return PersistentAck
	case t.IsAck():
		return CachedAck
	case t == message.ChatIn || t == message.SignalIn:
		return NoPolicy
	case t.RequiresAck() && t.Durable():
		return PersistentOut
	case t.RequiresAck():
		return CachedOut
	case t.Valid():
		return DirectOut
	}
	return NoPolicy
}

// Stages returns the ordered stage list of p.
func Stages(p Policy) []StageName {
	return stageTable[p]
}
