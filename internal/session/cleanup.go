package session

import (
	"math"

	"go.uber.org/zap"
)

const (
	DefaultCleanupFraction  = 0.33
	DefaultCleanupThreshold = 20
)

// FractionalCleanup evicts stale sessions by sampling rather than sweeping.
// It only runs when the registry size drifts from the transport's own count
// of open connections by more than Threshold.
type FractionalCleanup struct {
	Fraction  float64
	Threshold int
	// OnEvict is called for every session removed by a run.
	OnEvict func(*Session)

	logger *zap.Logger
}

func NewFractionalCleanup(fraction float64, threshold int, logger *zap.Logger) *FractionalCleanup {
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultCleanupFraction
	}
	if threshold < 0 {
		threshold = DefaultCleanupThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FractionalCleanup{Fraction: fraction, Threshold: threshold, logger: logger.Named("cleanup")}
}

// Run samples ceil(Fraction*Len) sessions with replacement and deregisters
// those failing alive. It returns the number of sessions evicted.
func (c *FractionalCleanup) Run(r *Registry, observedOpen int, alive func(*Session) bool) int {
	tracked := r.Len()
	drift := observedOpen - tracked
	if drift < 0 {
		drift = -drift
	}
	if drift <= c.Threshold {
		return 0
	}

	n := int(math.Ceil(c.Fraction * float64(tracked)))
	evicted := 0
	for _, s := range r.Sample(n) {
		if alive(s) {
			continue
		}
		if _, ok := r.Deregister(s.ID); !ok {
			continue
		}
		evicted++
		if c.OnEvict != nil {
			c.OnEvict(s)
		}
	}
	c.logger.Info("fractional cleanup",
		zap.Int("observed", observedOpen),
		zap.Int("tracked", tracked),
		zap.Int("sampled", n),
		zap.Int("evicted", evicted))
	return evicted
}
