package backpressure

import (
	"container/list"
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type Mode int

const (
	// Sequential drains one item to completion before starting the next.
	Sequential Mode = iota
	// Parallel keeps up to Parallelism sink calls in flight, completion order is not kept.
	Parallel
)

func (m Mode) String() string {
	if m == Parallel {
		return "parallel"
	}
	return "sequential"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "sequential":
		return Sequential, nil
	case "parallel":
		return Parallel, nil
	}
	return 0, fmt.Errorf("unknown backpressure mode %q", s)
}

type OverflowPolicy int

const (
	DropOldest OverflowPolicy = iota
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(s) {
	case "", "drop_oldest", "drop-oldest":
		return DropOldest, nil
	}
	return 0, fmt.Errorf("unsupported overflow policy %q", s)
}

type Outcome int

const (
	Accepted Outcome = iota
	Dropped
)

func (o Outcome) String() string {
	if o == Accepted {
		return "accepted"
	}
	return "dropped"
}

// Sink consumes one item. It runs on the drain side, never on the publisher's goroutine.
type Sink[T any] func(ctx context.Context, item T) error

type Config struct {
	Name        string
	Capacity    int
	Mode        Mode
	Parallelism int
	Overflow    OverflowPolicy
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = "channel"
	}
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.NumCPU()
	}
}

type Option[T any] func(*Channel[T])

// WithDropHandler is called with every item evicted by the overflow policy or
// rejected after Close.
func WithDropHandler[T any](fn func(T)) Option[T] {
	return func(c *Channel[T]) { c.onDrop = fn }
}

type Stats struct {
	Processed int64
	Dropped   int64
	Failed    int64
	Depth     int64
}

type queued[T any] struct {
	item       T
	enqueuedAt time.Time
}

// Channel is a bounded queue with an asynchronous drain loop in front of a Sink.
// The incoming and outgoing hops of the gateway are two instances with different names.
type Channel[T any] struct {
	cfg     Config
	sink    Sink[T]
	metrics Metrics
	logger  *zap.Logger
	onDrop  func(T)

	mu     sync.Mutex
	queue  *list.List
	closed bool
	wake   chan struct{}

	sem      *semaphore.Weighted
	inFlight sync.WaitGroup

	depth     atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func New[T any](cfg Config, sink Sink[T], metrics Metrics, logger *zap.Logger, opts ...Option[T]) *Channel[T] {
	cfg.withDefaults()
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel[T]{
		cfg:     cfg,
		sink:    sink,
		metrics: metrics,
		logger:  logger.Named(cfg.Name),
		queue:   list.New(),
		wake:    make(chan struct{}, 1),
		sem:     semaphore.NewWeighted(int64(cfg.Parallelism)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel[T]) Name() string { return c.cfg.Name }

// Publish enqueues item without blocking. When the queue is full the oldest
// queued item is evicted first, so the new item is always admitted while the
// channel is open.
func (c *Channel[T]) Publish(item T) Outcome {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.dropped.Add(1)
		c.metrics.RecordDropped()
		c.notifyDrop(item)
		return Dropped
	}

	var evicted *queued[T]
	if c.queue.Len() >= c.cfg.Capacity {
		front := c.queue.Front()
		q := front.Value.(queued[T])
		c.queue.Remove(front)
		evicted = &q
	}
	c.queue.PushBack(queued[T]{item: item, enqueuedAt: time.Now()})
	c.depth.Add(1)
	c.metrics.UpdateQueueSize(1)
	c.mu.Unlock()

	if evicted != nil {
		c.dropped.Add(1)
		c.metrics.RecordDropped()
		c.release()
		c.logger.Debug("queue full, evicted oldest item",
			zap.Int("capacity", c.cfg.Capacity),
			zap.Duration("queued_for", time.Since(evicted.enqueuedAt)))
		c.notifyDrop(evicted.item)
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return Accepted
}

// Run drains the queue until ctx is cancelled or Close has been called and
// the queue is empty. Cancellation is checked before every item, so a busy
// producer cannot keep Run alive. Sink calls already started are never
// cancelled.
func (c *Channel[T]) Run(ctx context.Context) error {
	sinkCtx := context.WithoutCancel(ctx)
	defer func() {
		c.inFlight.Wait()
		if c.depth.Load() == 0 {
			c.metrics.ResetQueueSize()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			c.abandon()
			return err
		}
		q, ok, closed := c.next()
		if !ok {
			if closed {
				return nil
			}
			select {
			case <-ctx.Done():
				c.abandon()
				return ctx.Err()
			case <-c.wake:
			}
			continue
		}

		if c.cfg.Mode == Sequential {
			c.process(sinkCtx, q)
			continue
		}

		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.discard(q)
			c.abandon()
			return err
		}
		c.inFlight.Add(1)
		go func(q queued[T]) {
			defer c.inFlight.Done()
			defer c.sem.Release(1)
			c.process(sinkCtx, q)
		}(q)
	}
}

// Close stops admitting new items. Run returns once the remaining queue is drained.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

func (c *Channel[T]) Stats() Stats {
	return Stats{
		Processed: c.processed.Load(),
		Dropped:   c.dropped.Load(),
		Failed:    c.failed.Load(),
		Depth:     c.depth.Load(),
	}
}

func (c *Channel[T]) next() (queued[T], bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	front := c.queue.Front()
	if front == nil {
		return queued[T]{}, false, c.closed
	}
	c.queue.Remove(front)
	return front.Value.(queued[T]), true, false
}

func (c *Channel[T]) process(ctx context.Context, q queued[T]) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
		c.metrics.RecordProcessingTime(time.Since(start))
		if err != nil {
			c.failed.Add(1)
			c.metrics.RecordFailed()
			c.logger.Warn("sink failed", zap.Error(err))
		} else {
			c.processed.Add(1)
			c.metrics.RecordDone()
		}
		c.release()
	}()
	err = c.sink(ctx, q.item)
}

// release is the single place the depth gauge goes down; every accepted item
// passes through it exactly once.
func (c *Channel[T]) release() {
	c.depth.Add(-1)
	c.metrics.UpdateQueueSize(-1)
}

func (c *Channel[T]) discard(q queued[T]) {
	c.dropped.Add(1)
	c.metrics.RecordDropped()
	c.release()
	c.notifyDrop(q.item)
}

// abandon drops whatever is still queued when the drain loop stops early.
func (c *Channel[T]) abandon() {
	c.mu.Lock()
	c.closed = true
	var left []queued[T]
	for e := c.queue.Front(); e != nil; e = e.Next() {
		left = append(left, e.Value.(queued[T]))
	}
	c.queue.Init()
	c.mu.Unlock()

	for _, q := range left {
		c.discard(q)
	}
	if len(left) > 0 {
		c.logger.Info("drain loop stopped, dropped queued items", zap.Int("count", len(left)))
	}
}

func (c *Channel[T]) notifyDrop(item T) {
	if c.onDrop != nil {
		c.onDrop(item)
	}
}
