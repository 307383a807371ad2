package job

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auction-finalizer/internal/retry"
	"github.com/auction-finalizer/internal/types"
)

func TestKey(t *testing.T) {
	at := time.Unix(7200+59, 0)
	assert.Equal(t, "finalize:42:2", Key(42, at, time.Hour))
	assert.Equal(t, "finalize:42:7259", Key(42, at, 0))

	id, bucket, err := ParseKey("finalize:42:2")
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)
	assert.EqualValues(t, 2, bucket)

	for _, bad := range []string{"", "finalize:42", "settle:1:2", "finalize:x:2", "finalize:1:y"} {
		_, _, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestKey_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("same bucket gives same key", prop.ForAll(
		func(id uint64, bucketNo int64, offA, offB int64) bool {
			base := bucketNo * 3600
			a := time.Unix(base+offA, 0)
			b := time.Unix(base+offB, 0)
			return Key(id, a, time.Hour) == Key(id, b, time.Hour)
		},
		gen.UInt64(),
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 3599),
		gen.Int64Range(0, 3599),
	))

	properties.Property("key round-trips auction id", prop.ForAll(
		func(id uint64, sec int64) bool {
			got, _, err := ParseKey(Key(id, time.Unix(sec, 0), time.Minute))
			return err == nil && got == id
		},
		gen.UInt64(),
		gen.Int64Range(0, 4_000_000_000),
	))

	properties.Property("different auctions never share a key", prop.ForAll(
		func(a, b uint64, sec int64) bool {
			if a == b {
				return true
			}
			at := time.Unix(sec, 0)
			return Key(a, at, time.Hour) != Key(b, at, time.Hour)
		},
		gen.UInt64(),
		gen.UInt64(),
		gen.Int64Range(0, 4_000_000_000),
	))

	properties.TestingRun(t)
}

func TestApplyFailure(t *testing.T) {
	policy := retry.BackoffPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 2}
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := NewRecord(NewFinalizationJob(9, now, time.Hour), now)
	ApplyLease(rec, "w1", now, time.Minute)
	require.True(t, HoldsLease(rec, "w1", now))
	require.False(t, HoldsLease(rec, "w2", now))

	res := ApplyFailure(rec, policy, now, "relayer down")
	assert.False(t, res.Terminal)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, now.Add(time.Second), res.NextRunAt)
	assert.Equal(t, types.JobStatusPending, rec.Status)
	assert.Empty(t, rec.LeaseOwner)
	assert.Nil(t, rec.LeaseExpiresAt)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "relayer down", *rec.LastError)

	ApplyLease(rec, "w2", now, time.Minute)
	res = ApplyFailure(rec, policy, now, "reverted")
	assert.True(t, res.Terminal)
	assert.Equal(t, types.JobStatusFailed, rec.Status)
	require.NotNil(t, rec.FailedAt)

	require.NoError(t, ApplyRequeue(rec, now))
	assert.Equal(t, types.JobStatusPending, rec.Status)
	assert.Zero(t, rec.Attempt)
	assert.ErrorIs(t, ApplyRequeue(rec, now), ErrNotFailed)
}

func TestLeaseExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	rec := NewRecord(NewFinalizationJob(1, now, time.Hour), now)
	assert.False(t, LeaseExpired(rec, now))

	ApplyLease(rec, "w1", now, 10*time.Second)
	assert.False(t, LeaseExpired(rec, now.Add(9*time.Second)))
	assert.True(t, LeaseExpired(rec, now.Add(10*time.Second)))
	assert.False(t, HoldsLease(rec, "w1", now.Add(10*time.Second)))
}
