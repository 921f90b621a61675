package replication

import (
	"fmt"
	"sync"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/metrics"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/util"
	"go.uber.org/zap"
)

// ApplyFunc applies one record to local state
type ApplyFunc func(rec *model.ReplicationRecord) error

const (
	discardStale     = "stale_epoch"
	discardDuplicate = "duplicate"
	discardChecksum  = "checksum"
	discardOverflow  = "overflow"
	discardGap       = "gap"
	discardApply     = "apply_failed"
)

// Applier applies received records strictly in sequence order within the
// current epoch. Records that arrive ahead of a gap wait in a pending buffer.
// Stale, duplicate and already applied records are discarded, which makes
// redelivery harmless.
type Applier struct {
	apply      ApplyFunc
	maxPending int
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	epoch   model.Epoch
	applied uint64
	pending map[uint64]*model.ReplicationRecord
}

// NewApplier creates an applier positioned after applied in epoch
func NewApplier(epoch model.Epoch, applied uint64, apply ApplyFunc, maxPending int, m *metrics.Metrics, logger *zap.Logger) *Applier {
	if maxPending <= 0 {
		maxPending = 64 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		apply:      apply,
		maxPending: maxPending,
		metrics:    m,
		logger:     logger,
		epoch:      epoch,
		applied:    applied,
		pending:    make(map[uint64]*model.ReplicationRecord),
	}
}

// Receive buffers records and applies every record that became contiguous.
// It returns the applied watermark of the records' epoch.
func (a *Applier) Receive(records []*model.ReplicationRecord) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	discarded := make(map[string]int)
	stale := 0
	for _, rec := range records {
		if actual, ok := util.VerifyRecord(rec); !ok {
			a.logger.Warn("Discarding record with bad checksum",
				zap.Uint64("sequence", rec.Sequence),
				zap.Uint32("expected", rec.Checksum),
				zap.Uint32("actual", actual))
			discarded[discardChecksum]++
			continue
		}

		switch {
		case rec.Epoch < a.epoch:
			discarded[discardStale]++
			stale++
			continue
		case rec.Epoch > a.epoch:
			// a newly promoted active starts its own sequence
			a.logger.Info("Following new epoch",
				zap.Uint64("old_epoch", uint64(a.epoch)),
				zap.Uint64("new_epoch", uint64(rec.Epoch)),
				zap.Int("dropped_pending", len(a.pending)))
			discarded[discardGap] += len(a.pending)
			a.epoch = rec.Epoch
			a.applied = 0
			a.pending = make(map[uint64]*model.ReplicationRecord)
		}

		if rec.Sequence <= a.applied {
			discarded[discardDuplicate]++
			continue
		}
		if _, dup := a.pending[rec.Sequence]; dup {
			discarded[discardDuplicate]++
			continue
		}
		if len(a.pending) >= a.maxPending {
			// the active resends unacknowledged records later
			discarded[discardOverflow]++
			continue
		}
		a.pending[rec.Sequence] = rec
	}

	applied := a.drainLocked(discarded)
	a.metrics.RecordApply(applied, discarded, len(a.pending))

	if stale > 0 && stale == len(records) {
		return 0, cerrors.Unavailable(fmt.Sprintf("records of epoch %d are stale, current epoch is %d", records[0].Epoch, a.epoch), nil)
	}
	return a.applied, nil
}

// drainLocked applies the contiguous prefix of the pending buffer
func (a *Applier) drainLocked(discarded map[string]int) int {
	applied := 0
	for {
		rec, ok := a.pending[a.applied+1]
		if !ok {
			return applied
		}

		if err := a.apply(rec); err != nil {
			// the record stays pending and the watermark stays put, so it
			// is never acknowledged and the next delivery retries it
			a.logger.Error("Failed to apply replication record",
				zap.Uint64("epoch", uint64(rec.Epoch)),
				zap.Uint64("sequence", rec.Sequence),
				zap.String("key", rec.Key),
				zap.Error(err))
			discarded[discardApply]++
			return applied
		}
		delete(a.pending, rec.Sequence)
		applied++
		a.applied = rec.Sequence
	}
}

// Drain applies every contiguous buffered record and drops the rest. The
// dropped records sit behind a gap or a failed record, so the active never
// saw them acknowledged.
func (a *Applier) Drain() (applied uint64, dropped int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	discarded := make(map[string]int)
	n := a.drainLocked(discarded)
	dropped = len(a.pending)
	discarded[discardGap] += dropped
	a.pending = make(map[uint64]*model.ReplicationRecord)
	a.metrics.RecordApply(n, discarded, 0)

	return a.applied, dropped
}

// Watermark returns the current epoch and applied sequence
func (a *Applier) Watermark() (model.Epoch, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch, a.applied
}

// Pending returns the number of buffered records
func (a *Applier) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Reset positions the applier after applied in epoch, as after a bulk copy
func (a *Applier) Reset(epoch model.Epoch, applied uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.epoch = epoch
	a.applied = applied
	a.pending = make(map[uint64]*model.ReplicationRecord)
}
