// Package queuetest holds the behavioural checks every job.Queue backend must pass.
package queuetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auction-finalizer/internal/clock"
	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/logging"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/retry"
	"github.com/auction-finalizer/internal/types"
)

// Factory returns an empty queue configured with opts
type Factory func(t *testing.T, opts job.Options) job.Queue

const (
	baseDelay   = time.Second
	maxDelay    = 8 * time.Second
	maxAttempts = 3
	lease       = 30 * time.Second
	bucket      = time.Hour
)

var start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *clock.Fake
	q     job.Queue
}

func newHarness(t *testing.T, factory Factory) *harness {
	fake := clock.NewFake(start)
	opts := job.Options{
		Policy:        retry.BackoffPolicy{BaseDelay: baseDelay, MaxDelay: maxDelay, MaxAttempts: maxAttempts},
		LeaseDuration: lease,
		Clock:         fake,
		Logger:        logging.NewNopLogger(),
	}
	return &harness{t: t, ctx: context.Background(), clock: fake, q: factory(t, opts)}
}

func (h *harness) enqueue(auctionIDs ...uint64) []models.EnqueueOutcome {
	h.t.Helper()
	jobs := make([]*models.FinalizationJob, 0, len(auctionIDs))
	for _, id := range auctionIDs {
		jobs = append(jobs, job.NewFinalizationJob(id, h.clock.Now(), bucket))
	}
	outcomes, err := h.q.EnqueueBulk(h.ctx, jobs)
	require.NoError(h.t, err)
	require.Len(h.t, outcomes, len(jobs))
	return outcomes
}

func (h *harness) dequeue(worker string) *models.FinalizationJob {
	h.t.Helper()
	j, err := h.q.Dequeue(h.ctx, worker)
	require.NoError(h.t, err)
	return j
}

func (h *harness) stats() *models.QueueStats {
	h.t.Helper()
	s, err := h.q.Stats(h.ctx)
	require.NoError(h.t, err)
	return s
}

// Run executes the conformance suite against the backend built by factory
func Run(t *testing.T, factory Factory) {
	t.Run("EnqueueDequeueAcknowledge", func(t *testing.T) {
		h := newHarness(t, factory)

		outcomes := h.enqueue(42)
		assert.Equal(t, types.EnqueueStatusEnqueued, outcomes[0].Status)
		assert.Equal(t, job.Key(42, start, bucket), outcomes[0].JobID)
		assert.EqualValues(t, 1, h.stats().Depth())

		j := h.dequeue("w1")
		require.NotNil(t, j)
		assert.EqualValues(t, 42, j.AuctionID)
		assert.Equal(t, 0, j.Attempt)
		assert.Equal(t, "w1", j.LeaseOwner)
		require.NotNil(t, j.LeaseExpiresAt)
		assert.True(t, j.LeaseExpiresAt.Equal(start.Add(lease)))

		s := h.stats()
		assert.EqualValues(t, 0, s.Pending)
		assert.EqualValues(t, 1, s.Leased)

		require.NoError(t, h.q.Acknowledge(h.ctx, j.ID, "w1"))
		assert.EqualValues(t, 0, h.stats().Depth())
		assert.Nil(t, h.dequeue("w1"))
	})

	t.Run("EmptyQueueDequeuesNothing", func(t *testing.T) {
		h := newHarness(t, factory)
		assert.Nil(t, h.dequeue("w1"))

		outcomes, err := h.q.EnqueueBulk(h.ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, outcomes)
	})

	t.Run("EnqueueIsIdempotentPerKey", func(t *testing.T) {
		h := newHarness(t, factory)

		h.enqueue(7)
		h.clock.Advance(time.Minute)
		outcomes := h.enqueue(7)
		assert.Equal(t, types.EnqueueStatusDuplicate, outcomes[0].Status)
		assert.EqualValues(t, 1, h.stats().Depth())
	})

	t.Run("OneLiveJobPerAuction", func(t *testing.T) {
		h := newHarness(t, factory)

		h.enqueue(7)
		h.clock.Advance(2 * bucket)
		outcomes := h.enqueue(7, 8)
		assert.Equal(t, types.EnqueueStatusDuplicate, outcomes[0].Status)
		assert.Equal(t, types.EnqueueStatusEnqueued, outcomes[1].Status)
		assert.EqualValues(t, 2, h.stats().Depth())
	})

	t.Run("LeasedJobIsInvisible", func(t *testing.T) {
		h := newHarness(t, factory)

		h.enqueue(1)
		require.NotNil(t, h.dequeue("w1"))
		assert.Nil(t, h.dequeue("w2"))
	})

	t.Run("EachJobGoesToOneWorker", func(t *testing.T) {
		h := newHarness(t, factory)

		h.enqueue(1, 2, 3)
		seen := map[string]bool{}
		for _, w := range []string{"w1", "w2", "w3"} {
			j := h.dequeue(w)
			require.NotNil(t, j)
			assert.False(t, seen[j.ID], "job %s handed out twice", j.ID)
			seen[j.ID] = true
		}
		assert.Nil(t, h.dequeue("w4"))
	})

	t.Run("AcknowledgeRequiresLease", func(t *testing.T) {
		h := newHarness(t, factory)

		h.enqueue(5)
		j := h.dequeue("w1")
		require.NotNil(t, j)

		assert.ErrorIs(t, h.q.Acknowledge(h.ctx, j.ID, "w2"), job.ErrLeaseLost)
		assert.ErrorIs(t, h.q.Acknowledge(h.ctx, "finalize:999:1", "w1"), job.ErrJobNotFound)
		_, err := h.q.Fail(h.ctx, j.ID, "w2", "not mine")
		assert.ErrorIs(t, err, job.ErrLeaseLost)
		assert.EqualValues(t, 1, h.stats().Leased)
	})

	t.Run("FailRetriesWithIncreasingBackoff", func(t *testing.T) {
		h := newHarness(t, factory)
		h.enqueue(11)

		var prevDelay time.Duration
		for attempt := 0; attempt < maxAttempts-1; attempt++ {
			j := h.dequeue("w1")
			require.NotNil(t, j, "attempt %d", attempt)
			assert.Equal(t, attempt, j.Attempt)

			failedAt := h.clock.Now()
			res, err := h.q.Fail(h.ctx, j.ID, "w1", "relayer unreachable")
			require.NoError(t, err)
			assert.False(t, res.Terminal)
			assert.Equal(t, attempt+1, res.Attempt)

			delay := res.NextRunAt.Sub(failedAt)
			assert.Greater(t, delay, prevDelay)
			prevDelay = delay

			// not eligible before the backoff elapses
			h.clock.Advance(delay - time.Millisecond)
			assert.Nil(t, h.dequeue("w1"))
			h.clock.Advance(time.Millisecond)
		}

		j := h.dequeue("w1")
		require.NotNil(t, j)
		require.NoError(t, h.q.Acknowledge(h.ctx, j.ID, "w1"))
		assert.EqualValues(t, 0, h.stats().Depth())
	})

	t.Run("TerminalAfterMaxAttempts", func(t *testing.T) {
		h := newHarness(t, factory)
		h.enqueue(42)

		var last *models.FailResult
		for i := 0; i < maxAttempts; i++ {
			j := h.dequeue("w1")
			require.NotNil(t, j, "attempt %d", i)
			res, err := h.q.Fail(h.ctx, j.ID, "w1", "network error")
			require.NoError(t, err)
			last = res
			h.clock.Advance(maxDelay)
		}
		require.NotNil(t, last)
		assert.True(t, last.Terminal)
		assert.Equal(t, maxAttempts, last.Attempt)

		h.clock.Advance(time.Hour)
		assert.Nil(t, h.dequeue("w1"))

		s := h.stats()
		assert.EqualValues(t, 0, s.Depth())
		assert.EqualValues(t, 1, s.Failed)

		failed, err := h.q.ListFailed(h.ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.EqualValues(t, 42, failed[0].AuctionID)
		assert.Equal(t, types.JobStatusFailed, failed[0].Status)
		assert.Equal(t, maxAttempts, failed[0].Attempt)
		require.NotNil(t, failed[0].LastError)
		assert.Equal(t, "network error", *failed[0].LastError)

		// the key stays taken while the terminal record exists
		outcomes, err := h.q.EnqueueBulk(h.ctx, []*models.FinalizationJob{{ID: failed[0].ID, AuctionID: 42}})
		require.NoError(t, err)
		assert.Equal(t, types.EnqueueStatusDuplicate, outcomes[0].Status)
	})

	t.Run("ExpiredLeaseIsRetried", func(t *testing.T) {
		h := newHarness(t, factory)
		h.enqueue(3)

		crashed := h.dequeue("w1")
		require.NotNil(t, crashed)

		// the lease lapses and the expiry counts as the first failed attempt
		h.clock.Advance(lease)
		assert.Nil(t, h.dequeue("w2"))
		h.clock.Advance(baseDelay)
		j := h.dequeue("w2")
		require.NotNil(t, j)
		assert.Equal(t, crashed.ID, j.ID)
		assert.Equal(t, 1, j.Attempt)
		assert.Equal(t, "w2", j.LeaseOwner)

		assert.ErrorIs(t, h.q.Acknowledge(h.ctx, crashed.ID, "w1"), job.ErrLeaseLost)
		require.NoError(t, h.q.Acknowledge(h.ctx, j.ID, "w2"))
	})

	t.Run("ReclaimExpired", func(t *testing.T) {
		h := newHarness(t, factory)
		h.enqueue(1, 2)
		require.NotNil(t, h.dequeue("w1"))
		require.NotNil(t, h.dequeue("w2"))

		n, err := h.q.ReclaimExpired(h.ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		h.clock.Advance(lease + time.Second)
		n, err = h.q.ReclaimExpired(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		s := h.stats()
		assert.EqualValues(t, 2, s.Pending)
		assert.EqualValues(t, 0, s.Leased)
	})

	t.Run("ExpiredLeaseOnLastAttemptIsTerminal", func(t *testing.T) {
		h := newHarness(t, factory)
		h.enqueue(4)

		for i := 0; i < maxAttempts; i++ {
			require.NotNil(t, h.dequeue("w1"), "attempt %d", i)
			h.clock.Advance(lease)
			n, err := h.q.ReclaimExpired(h.ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			h.clock.Advance(maxDelay)
		}

		failed, err := h.q.ListFailed(h.ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		require.NotNil(t, failed[0].LastError)
		assert.Equal(t, job.ReasonLeaseExpired, *failed[0].LastError)
	})

	t.Run("RequeueFailedJob", func(t *testing.T) {
		h := newHarness(t, factory)
		h.enqueue(9)
		for i := 0; i < maxAttempts; i++ {
			j := h.dequeue("w1")
			require.NotNil(t, j)
			_, err := h.q.Fail(h.ctx, j.ID, "w1", "boom")
			require.NoError(t, err)
			h.clock.Advance(maxDelay)
		}
		failed, err := h.q.ListFailed(h.ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)

		require.NoError(t, h.q.Requeue(h.ctx, failed[0].ID))
		assert.ErrorIs(t, h.q.Requeue(h.ctx, failed[0].ID), job.ErrNotFailed)
		assert.ErrorIs(t, h.q.Requeue(h.ctx, "finalize:1:1"), job.ErrJobNotFound)

		j := h.dequeue("w1")
		require.NotNil(t, j)
		assert.Equal(t, 0, j.Attempt)
		assert.EqualValues(t, 0, h.stats().Failed)
	})

	t.Run("RequeueRefusedWhileAuctionHasLiveJob", func(t *testing.T) {
		h := newHarness(t, factory)
		h.enqueue(9)
		for i := 0; i < maxAttempts; i++ {
			j := h.dequeue("w1")
			require.NotNil(t, j)
			_, err := h.q.Fail(h.ctx, j.ID, "w1", "boom")
			require.NoError(t, err)
			h.clock.Advance(maxDelay)
		}
		failed, err := h.q.ListFailed(h.ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)

		// a later scan cycle found the auction due again
		h.clock.Advance(2 * bucket)
		outcomes := h.enqueue(9)
		require.Equal(t, types.EnqueueStatusEnqueued, outcomes[0].Status)

		assert.ErrorIs(t, h.q.Requeue(h.ctx, failed[0].ID), job.ErrAuctionHasLiveJob)
	})

	t.Run("KeyReusableAfterAcknowledge", func(t *testing.T) {
		h := newHarness(t, factory)
		h.enqueue(6)
		j := h.dequeue("w1")
		require.NotNil(t, j)
		require.NoError(t, h.q.Acknowledge(h.ctx, j.ID, "w1"))

		outcomes := h.enqueue(6)
		assert.Equal(t, types.EnqueueStatusEnqueued, outcomes[0].Status)
	})

	t.Run("ListFailedNewestFirst", func(t *testing.T) {
		h := newHarness(t, factory)
		for _, id := range []uint64{1, 2} {
			h.enqueue(id)
			for i := 0; i < maxAttempts; i++ {
				j := h.dequeue("w1")
				require.NotNil(t, j)
				_, err := h.q.Fail(h.ctx, j.ID, "w1", "boom")
				require.NoError(t, err)
				h.clock.Advance(maxDelay)
			}
		}

		failed, err := h.q.ListFailed(h.ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 2)
		assert.EqualValues(t, 2, failed[0].AuctionID)
		assert.EqualValues(t, 1, failed[1].AuctionID)

		failed, err = h.q.ListFailed(h.ctx, 1)
		require.NoError(t, err)
		assert.Len(t, failed, 1)
	})
}
