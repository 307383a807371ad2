// Package job defines the durable finalization queue contract shared by the
// scanner, the worker pool and the storage backends.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/auction-finalizer/internal/clock"
	"github.com/auction-finalizer/internal/logging"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/retry"
)

var (
	// ErrLeaseLost is returned when the caller no longer holds the job's lease,
	// either because it expired or because another worker owns it.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrJobNotFound is returned for an unknown job id
	ErrJobNotFound = errors.New("job not found")
	// ErrNotFailed is returned when requeueing a job that is not in the failed state
	ErrNotFailed = errors.New("job is not in failed state")
	// ErrAuctionHasLiveJob is returned when requeueing would create a second
	// live job for the same auction
	ErrAuctionHasLiveJob = errors.New("auction already has a pending or leased job")
)

// ReasonLeaseExpired is recorded as the failure reason for reclaimed leases
const ReasonLeaseExpired = "lease expired"

// Queue is a durable at-least-once work queue of finalization jobs.
//
// A dequeued job is leased to one worker until it is acknowledged, failed,
// or the lease expires. An expired lease counts as a failed attempt.
type Queue interface {
	// EnqueueBulk writes each job independently. A key that already exists, or
	// an auction that already has a live job, yields a duplicate outcome.
	// The returned error reports a failure of the call as a whole; outcomes
	// may then be shorter than jobs.
	EnqueueBulk(ctx context.Context, jobs []*models.FinalizationJob) ([]models.EnqueueOutcome, error)
	// Dequeue leases the next eligible job to workerID, or returns nil when
	// nothing is eligible.
	Dequeue(ctx context.Context, workerID string) (*models.FinalizationJob, error)
	// Acknowledge deletes a job leased to workerID.
	Acknowledge(ctx context.Context, jobID, workerID string) error
	// Fail records a failed attempt and either schedules a retry or marks the
	// job terminal.
	Fail(ctx context.Context, jobID, workerID, reason string) (*models.FailResult, error)
	// ReclaimExpired applies the failure transition to every expired lease.
	ReclaimExpired(ctx context.Context) (int, error)
	// ListFailed returns terminal jobs, most recently failed first.
	ListFailed(ctx context.Context, limit int) ([]*models.JobRecord, error)
	// Requeue moves a terminal job back to pending with its attempt count reset.
	Requeue(ctx context.Context, jobID string) error
	// Stats counts jobs per status.
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// Options configures a queue backend
type Options struct {
	Policy        retry.BackoffPolicy
	LeaseDuration time.Duration
	Clock         clock.Clock
	Logger        *logging.Logger
}

// WithDefaults fills unset fields
func (o Options) WithDefaults() Options {
	if o.Policy == (retry.BackoffPolicy{}) {
		o.Policy = retry.DefaultBackoffPolicy()
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 2 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = logging.GetGlobalLogger()
	}
	return o
}

// Validate checks the options
func (o Options) Validate() error {
	if err := o.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid backoff policy: %w", err)
	}
	if o.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive, got %s", o.LeaseDuration)
	}
	return nil
}

// DequeueWait polls q until a job is leased, timeout elapses or ctx is done.
// It returns nil, nil on timeout.
func DequeueWait(ctx context.Context, q Queue, workerID string, timeout, poll time.Duration) (*models.FinalizationJob, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		j, err := q.Dequeue(ctx, workerID)
		if err != nil || j != nil {
			return j, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}
