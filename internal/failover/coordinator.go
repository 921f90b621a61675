package failover

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/paircache/internal/model"
	"go.uber.org/zap"
)

// Promoter is the local passive node a coordinator promotes
type Promoter interface {
	ID() string
	Promote(ctx context.Context) (model.Epoch, error)
}

// CoordinatorConfig holds coordinator configuration
type CoordinatorConfig struct {
	// PromoteTimeout bounds one promotion attempt
	PromoteTimeout time.Duration `yaml:"promote_timeout" mapstructure:"promote_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// Coordinator promotes the local passive when the active terminates
type Coordinator struct {
	cfg        CoordinatorConfig
	membership Membership
	router     *Router
	local      Promoter
	logger     *zap.Logger

	// OnPromoted is called after a successful promotion
	OnPromoted func(epoch model.Epoch)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. router may be nil when the process
// does not route clients.
func NewCoordinator(cfg CoordinatorConfig, membership Membership, router *Router, local Promoter, logger *zap.Logger) *Coordinator {
	if cfg.PromoteTimeout <= 0 {
		cfg.PromoteTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:        cfg,
		membership: membership,
		router:     router,
		local:      local,
		logger:     logger.With(zap.String("node_id", local.ID())),
	}
}

// Start subscribes to terminations and handles them until Stop
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	events := c.membership.SubscribeToTermination()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.handle(ctx, ev)
			}
		}
	}()
	c.logger.Info("Failover coordinator started")
}

// Stop ends event handling and waits for a running promotion
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) handle(ctx context.Context, ev TerminationEvent) {
	if ev.NodeID == c.local.ID() {
		return
	}
	c.logger.Info("Active terminated, promoting local node",
		zap.String("terminated", ev.NodeID))

	if c.router != nil {
		c.router.Suspend()
		defer c.router.Resume()
	}

	start := time.Now()
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.PromoteTimeout)
		epoch, err := c.local.Promote(pctx)
		cancel()
		if err == nil {
			c.membership.SetActive(c.local.ID())
			if c.OnPromoted != nil {
				c.OnPromoted(epoch)
			}
			c.logger.Info("Failover completed",
				zap.Uint64("epoch", uint64(epoch)),
				zap.Int("attempts", attempt),
				zap.Duration("duration", time.Since(start)))
			return
		}

		c.logger.Warn("Promotion attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.RetryBackoff):
		}
	}
	c.logger.Error("Failover abandoned", zap.Int("attempts", c.cfg.MaxAttempts))
}
