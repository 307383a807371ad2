package models

import (
	"time"

	"github.com/auction-finalizer/internal/types"
)

// FinalizationJob is a unit of finalize work handed to a worker.
// Attempt counts failed attempts so far; it is 0 on first delivery.
type FinalizationJob struct {
	ID             string     `json:"id" db:"job_id"`
	AuctionID      uint64     `json:"auctionId" db:"auction_id"`
	EnqueuedAt     time.Time  `json:"enqueuedAt" db:"enqueued_at"`
	Attempt        int        `json:"attempt" db:"attempt"`
	LeaseOwner     string     `json:"leaseOwner,omitempty" db:"lease_owner"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty" db:"lease_expires_at"`
}

// JobRecord is the persisted queue row, as surfaced to operators
type JobRecord struct {
	FinalizationJob
	Status    types.JobStatus `json:"status" db:"status"`
	NextRunAt time.Time       `json:"nextRunAt" db:"next_run_at"`
	LastError *string         `json:"lastError,omitempty" db:"last_error"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
	FailedAt  *time.Time      `json:"failedAt,omitempty" db:"failed_at"`
}

// EnqueueOutcome is the per-job result of a bulk enqueue
type EnqueueOutcome struct {
	JobID     string              `json:"jobId"`
	AuctionID uint64              `json:"auctionId"`
	Status    types.EnqueueStatus `json:"status"`
	Err       error               `json:"-"`
}

// FailResult describes the transition applied by a failed attempt
type FailResult struct {
	// Attempt is the number of failed attempts after this one
	Attempt   int       `json:"attempt"`
	Terminal  bool      `json:"terminal"`
	NextRunAt time.Time `json:"nextRunAt,omitempty"`
}

// QueueStats counts records per status
type QueueStats struct {
	Pending int64 `json:"pending"`
	Leased  int64 `json:"leased"`
	Failed  int64 `json:"failed"`
}

// Depth is the number of jobs not yet acknowledged or terminal
func (s QueueStats) Depth() int64 {
	return s.Pending + s.Leased
}

// AttemptRecord is one worker execution, appended to the attempt history
type AttemptRecord struct {
	AttemptID  string        `json:"attemptId" ch:"attempt_id"`
	JobID      string        `json:"jobId" ch:"job_id"`
	AuctionID  uint64        `json:"auctionId" ch:"auction_id"`
	Attempt    int           `json:"attempt" ch:"attempt"`
	WorkerID   string        `json:"workerId" ch:"worker_id"`
	Outcome    types.Outcome `json:"outcome" ch:"outcome"`
	TxHash     string        `json:"txHash,omitempty" ch:"tx_hash"`
	Error      string        `json:"error,omitempty" ch:"error"`
	Terminal   bool          `json:"terminal" ch:"terminal"`
	StartedAt  time.Time     `json:"startedAt" ch:"started_at"`
	DurationMs int64         `json:"durationMs" ch:"duration_ms"`
}
