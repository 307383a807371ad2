package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auction-finalizer/internal/clock"
	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/job/queuetest"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/types"
)

func TestSQLiteJobQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts job.Options) job.Queue {
		q, err := OpenSQLiteJobQueue(filepath.Join(t.TempDir(), "queue.db"), opts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = q.Close() })
		return q
	})
}

func TestSQLiteJobQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	opts := job.Options{Clock: fake, LeaseDuration: time.Minute}
	ctx := testContext(t)

	q, err := OpenSQLiteJobQueue(path, opts)
	require.NoError(t, err)

	outcomes, err := q.EnqueueBulk(ctx, []*models.FinalizationJob{
		job.NewFinalizationJob(7, fake.Now(), time.Minute),
		job.NewFinalizationJob(8, fake.Now(), time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	leased, err := q.Dequeue(ctx, "crashed-worker")
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, q.Close())

	// process restarts after the lease ran out
	fake.Advance(2 * time.Minute)
	q, err = OpenSQLiteJobQueue(path, opts)
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Depth())

	n, err := q.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the job that was never leased is still eligible
	next, err := q.Dequeue(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, leased.ID, next.ID)

	outcomes, err = q.EnqueueBulk(ctx, []*models.FinalizationJob{
		job.NewFinalizationJob(7, fake.Now(), time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, types.EnqueueStatusDuplicate, outcomes[0].Status, "retrying job still guards its auction")
}
