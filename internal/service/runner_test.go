package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auction-finalizer/internal/logging"
)

func TestNewScanRunner_Validation(t *testing.T) {
	_, err := NewScanRunner(nil, time.Second, nil)
	assert.Error(t, err)

	h := newScanHarness(t)
	_, err = NewScanRunner(h.scanner(t), 0, nil)
	assert.Error(t, err)
}

func TestScanRunner_ScansPeriodically(t *testing.T) {
	h := newScanHarness(t)
	h.reader.add(42, scanStart.Add(-time.Minute), false)

	r, err := NewScanRunner(h.scanner(t), 20*time.Millisecond, logging.NewNopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Start(ctx), "second start must fail")

	require.Eventually(t, func() bool {
		return r.GetStatus().Cycles >= 2
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))

	status := r.GetStatus()
	assert.False(t, status.Running)
	assert.Empty(t, status.LastError)
	require.NotNil(t, status.LastResult)
	assert.Equal(t, 1, status.LastResult.Candidates)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending, "repeated cycles keep one live job per auction")
}

func TestScanRunner_RecordsScanErrors(t *testing.T) {
	h := newScanHarness(t)
	h.reader.listErr = assert.AnError

	r, err := NewScanRunner(h.scanner(t), time.Hour, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		return r.GetStatus().Cycles == 1
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, r.GetStatus().LastError)

	require.NoError(t, r.Stop(context.Background()))
	assert.Error(t, r.Stop(context.Background()))
}

func TestScanRunner_StopAfterTimedOutStop(t *testing.T) {
	h := newScanHarness(t)
	h.reader.add(1, scanStart.Add(-time.Minute), false)
	h.reader.block = make(chan struct{})
	s := h.scanner(t)

	r, err := NewScanRunner(s, time.Hour, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)

	// the first scan is stuck in the index read
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Stop(stopCtx), context.DeadlineExceeded)
	assert.True(t, r.GetStatus().Running)

	stopCtx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, r.Stop(stopCtx2), context.DeadlineExceeded)
	})

	close(h.reader.block)
	assert.NotPanics(t, func() {
		require.NoError(t, r.Stop(context.Background()))
	})
	assert.False(t, r.GetStatus().Running)
}
