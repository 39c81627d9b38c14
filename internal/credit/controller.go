package credit

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"go-chat-gateway/internal/message"
)

// Holder is anything that owns a bucket, normally a client session.
type Holder interface {
	Owner() string
	Bucket() *Credits
}

// Controller is the admission gate in front of the routing pipeline.
// A rejected message is dropped by the caller; the controller never retries.
type Controller struct {
	clock  clock.Clock
	logger *zap.Logger
}

func NewController(clk clock.Clock, logger *zap.Logger) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{clock: clk, logger: logger.Named("credit")}
}

// Exempt reports whether messages of type t bypass the credit check.
func Exempt(t message.Type) bool {
	return t.IsAck()
}

// Admit is the credit filter: acknowledgements always pass, everything else
// must consume one credit from the holder's bucket.
func (c *Controller) Admit(h Holder, msg message.Message) bool {
	if h == nil || h.Bucket() == nil {
		c.logger.Warn("admission without a credit holder", zap.Stringer("msg", msg))
		return false
	}
	if Exempt(msg.Type) {
		return true
	}
	return c.TryConsume(h)
}

func (c *Controller) TryConsume(h Holder) bool {
	now := c.clock.Now()
	if h.Bucket().TakeAt(now) {
		c.logger.Debug("credit consumed",
			zap.String("client", h.Owner()),
			zap.Float64("remaining", h.Bucket().TokensAt(now)))
		return true
	}
	c.logger.Warn("credit exhausted, dropping message",
		zap.String("client", h.Owner()),
		zap.Float64("available", h.Bucket().TokensAt(now)))
	return false
}

func (c *Controller) Available(h Holder) float64 {
	return h.Bucket().TokensAt(c.clock.Now())
}
