package replication

import (
	"errors"
	"fmt"
	"testing"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapState is a tiny apply target
type mapState struct {
	values  map[string]string
	applied []uint64
}

func newMapState() *mapState {
	return &mapState{values: make(map[string]string)}
}

func (m *mapState) apply(rec *model.ReplicationRecord) error {
	switch rec.Operation {
	case model.OperationTypePut:
		m.values[rec.Key] = string(rec.Value)
	case model.OperationTypeRemove:
		delete(m.values, rec.Key)
	case model.OperationTypeClear:
		m.values = make(map[string]string)
	}
	m.applied = append(m.applied, rec.Sequence)
	return nil
}

func sealed(epoch model.Epoch, seq uint64, key, value string) *model.ReplicationRecord {
	rec := putRecord(key, value)
	rec.Epoch = epoch
	rec.Sequence = seq
	util.SealRecord(rec)
	return rec
}

func TestApplier_InOrder(t *testing.T) {
	state := newMapState()
	a := NewApplier(1, 0, state.apply, 0, nil, nil)

	applied, err := a.Receive([]*model.ReplicationRecord{sealed(1, 1, "a", "1"), sealed(1, 2, "b", "2")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), applied)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, state.values)
}

func TestApplier_BuffersOutOfOrder(t *testing.T) {
	state := newMapState()
	a := NewApplier(1, 0, state.apply, 0, nil, nil)

	applied, err := a.Receive([]*model.ReplicationRecord{sealed(1, 3, "c", "3"), sealed(1, 2, "b", "2")})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), applied)
	assert.Equal(t, 2, a.Pending())
	assert.Empty(t, state.values)

	applied, err = a.Receive([]*model.ReplicationRecord{sealed(1, 1, "a", "1")})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), applied)
	assert.Equal(t, []uint64{1, 2, 3}, state.applied)
	assert.Zero(t, a.Pending())
}

func TestApplier_IdempotentRedelivery(t *testing.T) {
	batch := []*model.ReplicationRecord{
		sealed(1, 1, "a", "1"),
		sealed(1, 2, "a", "2"),
		sealed(1, 3, "b", "3"),
	}

	once := newMapState()
	a1 := NewApplier(1, 0, once.apply, 0, nil, nil)
	_, err := a1.Receive(batch)
	require.NoError(t, err)

	twice := newMapState()
	a2 := NewApplier(1, 0, twice.apply, 0, nil, nil)
	_, err = a2.Receive(batch)
	require.NoError(t, err)
	applied, err := a2.Receive(batch)
	require.NoError(t, err)
	_, err = a2.Receive(batch[1:2])
	require.NoError(t, err)

	assert.Equal(t, uint64(3), applied)
	assert.Equal(t, once.values, twice.values)
	assert.Equal(t, once.applied, twice.applied)
}

func TestApplier_DiscardsStaleEpoch(t *testing.T) {
	state := newMapState()
	a := NewApplier(2, 5, state.apply, 0, nil, nil)

	_, err := a.Receive([]*model.ReplicationRecord{sealed(1, 6, "old", "x")})
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(err))
	assert.Empty(t, state.values)

	epoch, applied := a.Watermark()
	assert.Equal(t, model.Epoch(2), epoch)
	assert.Equal(t, uint64(5), applied)
}

func TestApplier_FollowsNewerEpoch(t *testing.T) {
	state := newMapState()
	a := NewApplier(1, 10, state.apply, 0, nil, nil)
	_, err := a.Receive([]*model.ReplicationRecord{sealed(1, 12, "gap", "x")})
	require.NoError(t, err)

	applied, err := a.Receive([]*model.ReplicationRecord{sealed(2, 1, "new", "y")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), applied)
	assert.Equal(t, map[string]string{"new": "y"}, state.values)

	epoch, _ := a.Watermark()
	assert.Equal(t, model.Epoch(2), epoch)
}

func TestApplier_RejectsCorruptedRecords(t *testing.T) {
	state := newMapState()
	a := NewApplier(1, 0, state.apply, 0, nil, nil)

	rec := sealed(1, 1, "a", "1")
	rec.Value = []byte("tampered")

	applied, err := a.Receive([]*model.ReplicationRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), applied)
	assert.Empty(t, state.values)
}

func TestApplier_DrainDropsRecordsBehindGap(t *testing.T) {
	state := newMapState()
	a := NewApplier(1, 0, state.apply, 0, nil, nil)

	_, err := a.Receive([]*model.ReplicationRecord{sealed(1, 1, "a", "1"), sealed(1, 3, "c", "3"), sealed(1, 4, "d", "4")})
	require.NoError(t, err)

	applied, dropped := a.Drain()
	assert.Equal(t, uint64(1), applied)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, map[string]string{"a": "1"}, state.values)
	assert.Zero(t, a.Pending())
}

func TestApplier_ApplyFailureHoldsWatermark(t *testing.T) {
	failing := true
	var appliedKeys []string
	a := NewApplier(1, 0, func(rec *model.ReplicationRecord) error {
		if rec.Sequence == 1 && failing {
			return errors.New("capacity")
		}
		appliedKeys = append(appliedKeys, rec.Key)
		return nil
	}, 0, nil, nil)

	batch := []*model.ReplicationRecord{sealed(1, 1, "a", "1"), sealed(1, 2, "b", "2")}
	applied, err := a.Receive(batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), applied)
	assert.Equal(t, 2, a.Pending())
	assert.Empty(t, appliedKeys)

	// redelivery retries the failed record
	failing = false
	applied, err = a.Receive(batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), applied)
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, []string{"a", "b"}, appliedKeys)
}

func TestApplier_DrainStopsAtFailedRecord(t *testing.T) {
	a := NewApplier(1, 0, func(rec *model.ReplicationRecord) error {
		if rec.Sequence == 2 {
			return errors.New("capacity")
		}
		return nil
	}, 0, nil, nil)

	applied, err := a.Receive([]*model.ReplicationRecord{sealed(1, 1, "a", "1"), sealed(1, 2, "b", "2"), sealed(1, 3, "c", "3")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), applied)

	watermark, dropped := a.Drain()
	assert.Equal(t, uint64(1), watermark)
	assert.Equal(t, 2, dropped)
}

func TestApplier_PendingOverflow(t *testing.T) {
	state := newMapState()
	a := NewApplier(1, 0, state.apply, 2, nil, nil)

	var batch []*model.ReplicationRecord
	for i := 2; i < 6; i++ {
		batch = append(batch, sealed(1, uint64(i), fmt.Sprintf("k%d", i), "v"))
	}
	_, err := a.Receive(batch)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Pending())
}
