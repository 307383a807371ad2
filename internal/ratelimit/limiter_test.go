package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auction-finalizer/internal/clock"
	"github.com/auction-finalizer/internal/logging"
)

func TestSubmissionLimiter_LocalOnly(t *testing.T) {
	l := NewSubmissionLimiter(1000, 2, nil, logging.NewNopLogger())

	for i := 0; i < 3; i++ {
		_, err := l.Wait(context.Background())
		require.NoError(t, err)
	}
}

func TestSubmissionLimiter_CancelledWhileWaiting(t *testing.T) {
	// one token per hour: the second call must block
	l := NewSubmissionLimiter(1.0/3600, 1, nil, logging.NewNopLogger())
	_, err := l.Wait(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Wait(ctx)
	assert.ErrorIs(t, err, ErrContextCancelled)
}

func TestSubmissionLimiter_LocalDelayWaitsUntilDeadline(t *testing.T) {
	l := NewSubmissionLimiter(1.0/3600, 1, nil, logging.NewNopLogger())
	var slept []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := l.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, slept, "burst token is immediate")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	waited, err := l.Wait(ctx)
	assert.ErrorIs(t, err, ErrContextCancelled)
	assert.GreaterOrEqual(t, waited, 15*time.Millisecond, "blocks until the deadline instead of failing up front")
	require.Len(t, slept, 1)
	assert.Greater(t, slept[0], 59*time.Minute)
}

func TestSubmissionLimiter_WaitsForSharedWindow(t *testing.T) {
	_, client := getTestRedisClient(t)
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	budget, err := NewSubmissionBudget(&SubmissionBudgetConfig{Redis: client, Budget: 1, Clock: fake})
	require.NoError(t, err)

	l := NewSubmissionLimiter(0, 1, budget, logging.NewNopLogger())
	var slept []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		fake.Advance(d)
		return nil
	}

	_, err = l.Wait(context.Background())
	require.NoError(t, err)
	_, err = l.Wait(context.Background())
	require.NoError(t, err)

	require.Len(t, slept, 1)
	assert.Equal(t, time.Second+time.Millisecond, slept[0])
}

func TestSubmissionLimiter_SharedBudgetOutageFailsOpen(t *testing.T) {
	mr, client := getTestRedisClient(t)
	budget, err := NewSubmissionBudget(&SubmissionBudgetConfig{Redis: client, Budget: 1})
	require.NoError(t, err)
	mr.Close()

	l := NewSubmissionLimiter(0, 1, budget, logging.NewNopLogger())
	_, err = l.Wait(context.Background())
	assert.NoError(t, err)
}
