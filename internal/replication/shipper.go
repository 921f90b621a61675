package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/paircache/internal/metrics"
	"github.com/devrev/paircache/internal/model"
	"go.uber.org/zap"
)

// Peer is the passive end of a replication stream. Replicate returns the
// passive's applied watermark in the epoch of the records.
type Peer interface {
	Replicate(ctx context.Context, records []*model.ReplicationRecord) (uint64, error)
}

// ShipperConfig holds shipper configuration
type ShipperConfig struct {
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`
	ShipTimeout    time.Duration `yaml:"ship_timeout" mapstructure:"ship_timeout"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	IdleResendTick time.Duration `yaml:"idle_resend_tick" mapstructure:"idle_resend_tick"`
}

// DefaultShipperConfig returns default shipper settings
func DefaultShipperConfig() ShipperConfig {
	return ShipperConfig{
		BatchSize:      256,
		ShipTimeout:    2 * time.Second,
		RetryBackoff:   10 * time.Millisecond,
		MaxBackoff:     time.Second,
		IdleResendTick: 100 * time.Millisecond,
	}
}

// Shipper drains a Log to a Peer on its own goroutine. Unacknowledged
// records are resent until the passive acknowledges them; the passive
// applies idempotently so resends are harmless.
type Shipper struct {
	log     *Log
	peer    Peer
	cfg     ShipperConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewShipper creates a shipper. Start must be called to begin shipping.
func NewShipper(log *Log, peer Peer, cfg ShipperConfig, m *metrics.Metrics, logger *zap.Logger) *Shipper {
	def := DefaultShipperConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ShipTimeout <= 0 {
		cfg.ShipTimeout = def.ShipTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.IdleResendTick <= 0 {
		cfg.IdleResendTick = def.IdleResendTick
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Shipper{
		log:     log,
		peer:    peer,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start launches the shipping goroutine
func (s *Shipper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop stops shipping and waits for the goroutine to exit
func (s *Shipper) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

func (s *Shipper) run(ctx context.Context) {
	defer close(s.done)

	s.logger.Info("Replication shipper started",
		zap.Uint64("epoch", uint64(s.log.Epoch())),
		zap.Uint64("from_sequence", s.log.AckedSequence()))

	ticker := time.NewTicker(s.cfg.IdleResendTick)
	defer ticker.Stop()

	backoff := s.cfg.RetryBackoff
	for {
		if ctx.Err() != nil {
			s.logger.Info("Replication shipper stopped", zap.Uint64("epoch", uint64(s.log.Epoch())))
			return
		}

		batch := s.log.Pending(s.log.AckedSequence(), s.cfg.BatchSize)
		if len(batch) == 0 {
			select {
			case <-s.log.Signal():
			case <-ticker.C:
			case <-ctx.Done():
			}
			continue
		}

		if err := s.ship(ctx, batch); err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Warn("Failed to ship replication batch",
				zap.Uint64("first_sequence", batch[0].Sequence),
				zap.Int("records", len(batch)),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
			continue
		}
		backoff = s.cfg.RetryBackoff
	}
}

func (s *Shipper) ship(ctx context.Context, batch []*model.ReplicationRecord) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ShipTimeout)
	defer cancel()

	start := time.Now()
	applied, err := s.peer.Replicate(callCtx, batch)
	if err != nil {
		s.metrics.RecordShipBatch("error", time.Since(start).Seconds())
		return err
	}
	if applied < batch[0].Sequence {
		s.metrics.RecordShipBatch("stalled", time.Since(start).Seconds())
		return fmt.Errorf("peer did not apply sequence %d, applied watermark is %d", batch[0].Sequence, applied)
	}
	s.metrics.RecordShipBatch("ok", time.Since(start).Seconds())

	s.log.Ack(applied)
	return nil
}
