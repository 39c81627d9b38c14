// Package session tracks live client connections. One client may hold several
// connections; each connection gets its own Session with its own credit bucket.
package session

import (
	"sync/atomic"
	"time"

	"go-chat-gateway/internal/credit"
)

// Conn is the transport side of a session.
type Conn interface {
	// Send enqueues an encoded frame without blocking.
	Send(data []byte) error
	Close() error
	// Alive reports whether the underlying connection is still open.
	Alive() bool
}

type Session struct {
	ID          string
	ClientID    string
	ClientName  string
	ConnectedAt time.Time
	Conn        Conn

	credits    *credit.Credits
	lastActive atomic.Int64
	seq        atomic.Uint64
}

func New(id, clientID, clientName string, conn Conn, credits *credit.Credits, now time.Time) *Session {
	s := &Session{
		ID:          id,
		ClientID:    clientID,
		ClientName:  clientName,
		ConnectedAt: now,
		Conn:        conn,
		credits:     credits,
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

func (s *Session) Owner() string { return s.ClientID }

func (s *Session) Bucket() *credit.Credits { return s.credits }

func (s *Session) Touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// NextSequence returns the next outbound sequence number, starting at 1.
func (s *Session) NextSequence() uint64 {
	return s.seq.Add(1)
}

// IdleFor reports how long the session has been quiet at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActive())
}
