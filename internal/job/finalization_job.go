package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/retry"
	"github.com/auction-finalizer/internal/types"
)

const keyPrefix = "finalize"

// DefaultTimeBucket is the key window used when none is configured
const DefaultTimeBucket = time.Hour

// Key returns the identity of the finalize job for auctionID observed at at.
// Observations inside the same bucket produce the same key.
func Key(auctionID uint64, at time.Time, bucket time.Duration) string {
	seconds := int64(bucket / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("%s:%d:%d", keyPrefix, auctionID, at.Unix()/seconds)
}

// ParseKey extracts the auction id and bucket number from a job key
func ParseKey(key string) (auctionID uint64, bucket int64, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != keyPrefix {
		return 0, 0, fmt.Errorf("malformed job key %q", key)
	}
	auctionID, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed auction id in job key %q: %w", key, err)
	}
	bucket, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed bucket in job key %q: %w", key, err)
	}
	return auctionID, bucket, nil
}

// NewFinalizationJob builds a fresh job for an auction found due at now
func NewFinalizationJob(auctionID uint64, now time.Time, bucket time.Duration) *models.FinalizationJob {
	return &models.FinalizationJob{
		ID:         Key(auctionID, now, bucket),
		AuctionID:  auctionID,
		EnqueuedAt: now.UTC(),
	}
}

// NewRecord returns the pending record written for a newly enqueued job
func NewRecord(j *models.FinalizationJob, now time.Time) *models.JobRecord {
	enqueuedAt := j.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = now.UTC()
	}
	return &models.JobRecord{
		FinalizationJob: models.FinalizationJob{
			ID:         j.ID,
			AuctionID:  j.AuctionID,
			EnqueuedAt: enqueuedAt,
			Attempt:    j.Attempt,
		},
		Status:    types.JobStatusPending,
		NextRunAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// ApplyLease marks rec as leased to workerID until now+lease
func ApplyLease(rec *models.JobRecord, workerID string, now time.Time, lease time.Duration) {
	expires := now.Add(lease).UTC()
	rec.Status = types.JobStatusLeased
	rec.LeaseOwner = workerID
	rec.LeaseExpiresAt = &expires
	rec.UpdatedAt = now.UTC()
}

// ApplyFailure records one failed attempt on rec. The record either goes back
// to pending with a backoff delay or becomes terminal.
func ApplyFailure(rec *models.JobRecord, policy retry.BackoffPolicy, now time.Time, reason string) *models.FailResult {
	next, terminal, runAt := policy.Next(rec.Attempt, now.UTC())

	rec.Attempt = next
	rec.LeaseOwner = ""
	rec.LeaseExpiresAt = nil
	rec.LastError = &reason
	rec.UpdatedAt = now.UTC()

	if terminal {
		failedAt := now.UTC()
		rec.Status = types.JobStatusFailed
		rec.FailedAt = &failedAt
		return &models.FailResult{Attempt: next, Terminal: true}
	}

	rec.Status = types.JobStatusPending
	rec.NextRunAt = runAt
	return &models.FailResult{Attempt: next, NextRunAt: runAt}
}

// ApplyRequeue resets a terminal record to a fresh pending job
func ApplyRequeue(rec *models.JobRecord, now time.Time) error {
	if rec.Status != types.JobStatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, rec.ID, rec.Status)
	}
	rec.Status = types.JobStatusPending
	rec.Attempt = 0
	rec.NextRunAt = now.UTC()
	rec.FailedAt = nil
	rec.UpdatedAt = now.UTC()
	return nil
}

// LeaseExpired reports whether rec is leased and its lease ended at or before now
func LeaseExpired(rec *models.JobRecord, now time.Time) bool {
	return rec.Status == types.JobStatusLeased && rec.LeaseExpiresAt != nil && !rec.LeaseExpiresAt.After(now)
}

// HoldsLease reports whether workerID currently owns rec's lease
func HoldsLease(rec *models.JobRecord, workerID string, now time.Time) bool {
	return rec.Status == types.JobStatusLeased && rec.LeaseOwner == workerID && !LeaseExpired(rec, now)
}

// ListFailed limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// ClampLimit bounds a ListFailed limit
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
