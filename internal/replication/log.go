// Package replication ships the mutations of an active node to its passive
// mirror. The Log orders and retains records of one epoch, the Shipper
// drains it to the passive and the Applier applies received records in
// sequence order on the passive.
package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/metrics"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/util"
	"go.uber.org/zap"
)

// LogConfig holds replication log configuration
type LogConfig struct {
	Segment *SegmentLog
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Log is the ordered record of mutations of one epoch. Sequence numbers
// start at 1. Records are retained until the passive acknowledges them.
type Log struct {
	epoch   model.Epoch
	segment *SegmentLog
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	last     uint64
	acked    uint64
	retained []*model.ReplicationRecord
	ackCh    chan struct{}
	closed   bool
	closeErr error

	signal chan struct{}
}

// NewLog creates an empty log for epoch
func NewLog(epoch model.Epoch, cfg LogConfig) *Log {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Log{
		epoch:   epoch,
		segment: cfg.Segment,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		ackCh:   make(chan struct{}),
		signal:  make(chan struct{}, 1),
	}
}

// Epoch returns the epoch of the log
func (l *Log) Epoch() model.Epoch {
	return l.epoch
}

// Append assigns the next sequence to rec, seals it and retains it. The
// caller must serialize Append with the local apply so log order equals
// apply order.
func (l *Log) Append(rec *model.ReplicationRecord) error {
	l.mu.Lock()
	if l.closed {
		err := l.closeErr
		l.mu.Unlock()
		return err
	}

	rec.Epoch = l.epoch
	rec.Sequence = l.last + 1
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixNano()
	}
	util.SealRecord(rec)

	// the record is already applied locally, so a segment fault only costs
	// restart recovery and must not stop replication
	if l.segment != nil {
		if err := l.segment.Append(rec); err != nil {
			l.logger.Error("Failed to persist replication record",
				zap.Uint64("sequence", rec.Sequence),
				zap.Error(err))
		}
	}

	l.last = rec.Sequence
	l.retained = append(l.retained, rec)
	retained := len(l.retained)
	l.mu.Unlock()

	l.metrics.RecordLogAppend(rec.Sequence, retained)

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return nil
}

// LastSequence returns the last appended sequence
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// AckedSequence returns the acknowledgment watermark
func (l *Log) AckedSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acked
}

// Retained returns the number of records not yet acknowledged
func (l *Log) Retained() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.retained)
}

// Pending returns up to limit retained records with a sequence above after
func (l *Log) Pending(after uint64, limit int) []*model.ReplicationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.retained) == 0 || after >= l.last {
		return nil
	}
	// retained holds the contiguous range acked+1..last
	start := 0
	if after > l.acked {
		start = int(after - l.acked)
	}
	end := len(l.retained)
	if limit > 0 && end-start > limit {
		end = start + limit
	}
	batch := make([]*model.ReplicationRecord, end-start)
	copy(batch, l.retained[start:end])
	return batch
}

// Signal is notified after appends. It has a single consumer, the shipper.
func (l *Log) Signal() <-chan struct{} {
	return l.signal
}

// Ack advances the acknowledgment watermark to seq and releases the
// records up to it. Stale acknowledgments are ignored.
func (l *Log) Ack(seq uint64) {
	l.mu.Lock()
	if seq > l.last {
		seq = l.last
	}
	if seq <= l.acked {
		l.mu.Unlock()
		return
	}

	released := int(seq - l.acked)
	for i := 0; i < released; i++ {
		l.retained[i] = nil
	}
	l.retained = l.retained[released:]
	l.acked = seq
	retained := len(l.retained)

	close(l.ackCh)
	l.ackCh = make(chan struct{})
	l.mu.Unlock()

	l.metrics.RecordLogAck(seq, retained)
}

// WaitAcked blocks until seq is acknowledged, timeout elapses or ctx ends.
// Giving up the wait does not withdraw the record.
func (l *Log) WaitAcked(ctx context.Context, seq uint64, timeout time.Duration) error {
	start := time.Now()
	defer func() {
		l.metrics.RecordStrongAckWait(time.Since(start).Seconds())
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		if l.acked >= seq {
			l.mu.Unlock()
			return nil
		}
		if l.closed {
			err := l.closeErr
			l.mu.Unlock()
			return err
		}
		ch := l.ackCh
		l.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return cerrors.ReplicationTimeout(
				fmt.Sprintf("sequence %d of epoch %d not acknowledged within %v", seq, l.epoch, timeout), nil).
				WithDetail("sequence", seq)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close fails pending and future waits with err
func (l *Log) Close(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if err == nil {
		err = cerrors.Unavailable("replication log closed", nil)
	}
	l.closed = true
	l.closeErr = err
	close(l.ackCh)
	l.ackCh = make(chan struct{})

	l.logger.Info("Replication log closed",
		zap.Uint64("epoch", uint64(l.epoch)),
		zap.Uint64("last_sequence", l.last),
		zap.Uint64("acked_sequence", l.acked))
}
