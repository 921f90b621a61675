package replication

import (
	"context"
	"fmt"
	"testing"
	"time"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putRecord(key, value string) *model.ReplicationRecord {
	return &model.ReplicationRecord{
		Operation: model.OperationTypePut,
		Cache:     "default",
		Key:       key,
		Value:     []byte(value),
		Token:     "client:" + key,
	}
}

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, l.Append(putRecord(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))))
	}
}

func TestLog_AssignsSequencesAndSeals(t *testing.T) {
	l := NewLog(3, LogConfig{})
	appendN(t, l, 5)

	assert.Equal(t, uint64(5), l.LastSequence())
	assert.Equal(t, uint64(0), l.AckedSequence())
	assert.Equal(t, 5, l.Retained())

	batch := l.Pending(0, 0)
	require.Len(t, batch, 5)
	for i, rec := range batch {
		assert.Equal(t, model.Epoch(3), rec.Epoch)
		assert.Equal(t, uint64(i+1), rec.Sequence)
		_, ok := util.VerifyRecord(rec)
		assert.True(t, ok)
	}
}

func TestLog_PendingWindows(t *testing.T) {
	l := NewLog(1, LogConfig{})
	appendN(t, l, 10)
	l.Ack(4)

	batch := l.Pending(4, 3)
	require.Len(t, batch, 3)
	assert.Equal(t, uint64(5), batch[0].Sequence)

	batch = l.Pending(8, 0)
	require.Len(t, batch, 2)
	assert.Equal(t, uint64(9), batch[0].Sequence)

	assert.Empty(t, l.Pending(10, 0))
}

func TestLog_AckReleasesRecords(t *testing.T) {
	l := NewLog(1, LogConfig{})
	appendN(t, l, 10)

	l.Ack(6)
	assert.Equal(t, uint64(6), l.AckedSequence())
	assert.Equal(t, 4, l.Retained())

	// stale and overshooting acknowledgments
	l.Ack(3)
	assert.Equal(t, uint64(6), l.AckedSequence())
	l.Ack(100)
	assert.Equal(t, uint64(10), l.AckedSequence())
	assert.Zero(t, l.Retained())
}

func TestLog_WaitAcked(t *testing.T) {
	l := NewLog(1, LogConfig{})
	appendN(t, l, 3)

	done := make(chan error, 1)
	go func() {
		done <- l.WaitAcked(context.Background(), 3, time.Second)
	}()

	l.Ack(2)
	select {
	case err := <-done:
		t.Fatalf("wait returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	l.Ack(3)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after ack")
	}

	// already acknowledged
	assert.NoError(t, l.WaitAcked(context.Background(), 1, time.Millisecond))
}

func TestLog_WaitAckedTimeout(t *testing.T) {
	l := NewLog(1, LogConfig{})
	appendN(t, l, 1)

	err := l.WaitAcked(context.Background(), 1, 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeReplicationTimeout, cerrors.GetCode(err))

	// the record is still retained for shipping
	assert.Equal(t, 1, l.Retained())
}

func TestLog_CloseFailsWaiters(t *testing.T) {
	l := NewLog(1, LogConfig{})
	appendN(t, l, 1)

	done := make(chan error, 1)
	go func() {
		done <- l.WaitAcked(context.Background(), 1, time.Minute)
	}()

	time.Sleep(10 * time.Millisecond)
	l.Close(cerrors.Unavailable("node terminated", nil))

	select {
	case err := <-done:
		assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(err))
	case <-time.After(time.Second):
		t.Fatal("close did not wake the waiter")
	}

	err := l.Append(putRecord("late", "v"))
	assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(err))
}

func TestLog_SignalAfterAppend(t *testing.T) {
	l := NewLog(1, LogConfig{})
	appendN(t, l, 2)

	select {
	case <-l.Signal():
	default:
		t.Fatal("expected a pending signal")
	}
}
