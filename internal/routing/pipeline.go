// Package routing decides, per message, which stages run and in what order:
// persist, cache, deliver, record an ack, release the outbox or evict the
// cache. A route succeeds only when every stage passed or updated the message.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"go-chat-gateway/internal/message"
)

var ErrNoPolicy = errors.New("no routing policy for message type")

// Observer receives one call per routed message.
type Observer interface {
	ObserveRoute(policy Policy, ok bool, elapsed time.Duration)
}

type Deps struct {
	Persister Persister
	Cache     Cache
	Deliverer Deliverer
	Tracker   Tracker
	Releaser  Releaser
	Observer  Observer
}

func (d Deps) validate() error {
	switch {
	case d.Persister == nil:
		return errors.New("routing: persister is required")
	case d.Cache == nil:
		return errors.New("routing: cache is required")
	case d.Deliverer == nil:
		return errors.New("routing: deliverer is required")
	case d.Tracker == nil:
		return errors.New("routing: tracker is required")
	case d.Releaser == nil:
		return errors.New("routing: releaser is required")
	}
	return nil
}

type Pipeline struct {
	table    map[Policy][]StageName
	stages   map[StageName]StageFunc
	observer Observer
	logger   *zap.Logger
}

func NewPipeline(deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		table: stageTable,
		stages: map[StageName]StageFunc{
			StagePersist:       persistStage(deps.Persister),
			StageCache:         cacheStage(deps.Cache),
			StageDeliver:       deliverStage(deps.Deliverer, deps.Tracker),
			StageRecordAck:     recordAckStage(deps.Tracker, deps.Cache),
			StageReleaseOutbox: releaseOutboxStage(deps.Releaser),
			StageEvictCache:    evictCacheStage(deps.Cache),
		},
		observer: deps.Observer,
		logger:   logger.Named("pipeline"),
	}, nil
}

// Route runs msg through its policy's stages and reports overall success.
func (p *Pipeline) Route(ctx context.Context, msg message.Message) bool {
	_, ok := p.Process(ctx, msg)
	return ok
}

// Process is Route but also returns the final route context.
func (p *Pipeline) Process(ctx context.Context, msg message.Message) (*RouteContext, bool) {
	start := time.Now()
	rc := &RouteContext{Message: msg, Policy: Resolve(msg)}
	ok := p.run(ctx, rc)
	if p.observer != nil {
		p.observer.ObserveRoute(rc.Policy, ok, time.Since(start))
	}
	return rc, ok
}

func (p *Pipeline) run(ctx context.Context, rc *RouteContext) bool {
	names := p.table[rc.Policy]
	if len(names) == 0 {
		rc.Err = fmt.Errorf("%w: %q", ErrNoPolicy, rc.Message.Type)
		p.logger.Error("route rejected", zap.Stringer("msg", rc.Message), zap.Error(rc.Err))
		return false
	}

	ok := true
	for _, name := range names {
		res := p.stages[name](ctx, rc)
		switch res.Status {
		case StatusUpdated:
			rc.Message, _ = res.Message()
		case StatusPassed:
		case StatusSkipped:
			ok = false
			p.logger.Debug("stage skipped",
				zap.String("stage", string(name)),
				zap.Stringer("policy", rc.Policy),
				zap.Stringer("msg", rc.Message))
		case StatusFailed:
			rc.Err = fmt.Errorf("stage %s: %w", name, res.Err)
			p.logger.Error("route failed",
				zap.String("stage", string(name)),
				zap.Stringer("policy", rc.Policy),
				zap.Stringer("msg", rc.Message),
				zap.Error(res.Err))
			return false
		default:
			ok = false
			p.logger.Warn("stage returned no status", zap.String("stage", string(name)))
		}
	}
	return ok
}
