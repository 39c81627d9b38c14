package gateway

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
)

// IDSource hands out globally increasing message ids.
type IDSource interface {
	NextID(ctx context.Context) (int64, error)
}

// LocalIDs is an in-process IDSource for single-instance deployments.
type LocalIDs struct {
	last atomic.Int64
}

// Seed makes the next id larger than floor.
func (l *LocalIDs) Seed(floor int64) {
	for {
		cur := l.last.Load()
		if floor <= cur || l.last.CompareAndSwap(cur, floor) {
			return
		}
	}
}

func (l *LocalIDs) NextID(context.Context) (int64, error) {
	return l.last.Add(1), nil
}

// Sequencer assigns ids and remembers which ones are still between
// allocation and their tracked send. The purge never reaches past the lowest
// in-flight id, so a row persisted just before its send is recorded survives.
//
// The id source may be a network call, so it runs outside the lock. While it
// runs, the allocation is covered by a reservation: the highest id handed out
// when it started. The source is monotonic, so the pending id is above it.
type Sequencer struct {
	src IDSource

	mu       sync.Mutex
	highest  int64
	inflight map[int64]struct{}
	reserved map[int64]int
}

func NewSequencer(src IDSource) *Sequencer {
	if src == nil {
		src = &LocalIDs{}
	}
	return &Sequencer{
		src:      src,
		inflight: make(map[int64]struct{}),
		reserved: make(map[int64]int),
	}
}

// Next allocates an id and marks it in flight.
func (s *Sequencer) Next(ctx context.Context) (int64, error) {
	s.mu.Lock()
	mark := s.highest
	s.reserved[mark]++
	s.mu.Unlock()

	id, err := s.src.NextID(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved[mark]--
	if s.reserved[mark] == 0 {
		delete(s.reserved, mark)
	}
	if err != nil {
		return 0, err
	}
	s.inflight[id] = struct{}{}
	if id > s.highest {
		s.highest = id
	}
	return id, nil
}

func (s *Sequencer) Done(id int64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Floor is the highest id that may be purged without touching an in-flight
// or still pending allocation, or MaxInt64 when nothing is in flight.
func (s *Sequencer) Floor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	floor := int64(math.MaxInt64)
	for id := range s.inflight {
		if id-1 < floor {
			floor = id - 1
		}
	}
	for mark := range s.reserved {
		if mark < floor {
			floor = mark
		}
	}
	return floor
}

// InFlight counts allocated ids not yet done plus allocations still pending.
func (s *Sequencer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.inflight)
	for _, pending := range s.reserved {
		n += pending
	}
	return n
}
