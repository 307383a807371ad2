// Package types provides common type definitions for the auction finalizer.
package types

// JobStatus represents where a finalization job sits in the durable queue
type JobStatus string

const (
	// JobStatusPending represents a job waiting for its next run time
	JobStatusPending JobStatus = "pending"
	// JobStatusLeased represents a job held by a worker until ack, fail or lease expiry
	JobStatusLeased JobStatus = "leased"
	// JobStatusFailed represents a job that exhausted its retry budget
	JobStatusFailed JobStatus = "failed"
)

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusLeased, JobStatusFailed:
		return true
	}
	return false
}

// Live reports whether the job still counts toward queue depth
func (s JobStatus) Live() bool {
	return s == JobStatusPending || s == JobStatusLeased
}

// EnqueueStatus is the per-job result of a bulk enqueue
type EnqueueStatus string

const (
	// EnqueueStatusEnqueued means a new record was written
	EnqueueStatusEnqueued EnqueueStatus = "enqueued"
	// EnqueueStatusDuplicate means the key or the auction already had a record; nothing was written
	EnqueueStatusDuplicate EnqueueStatus = "duplicate"
	// EnqueueStatusFailed means the write failed for this job only
	EnqueueStatusFailed EnqueueStatus = "failed"
)

// Outcome is the result of one worker execution attempt
type Outcome string

const (
	// OutcomeConfirmed means the finalize transaction was mined successfully
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeAlreadyFinalized means a recheck found the auction finalized; nothing was submitted
	OutcomeAlreadyFinalized Outcome = "already_finalized"
	// OutcomeSubmissionFailed means the relayer rejected or could not receive the request
	OutcomeSubmissionFailed Outcome = "submission_failed"
	// OutcomeConfirmationTimeout means no receipt was observed within the wait window
	OutcomeConfirmationTimeout Outcome = "confirmation_timeout"
	// OutcomeReverted means the transaction was mined with a failed status
	OutcomeReverted Outcome = "reverted"
	// OutcomeAbandoned means the worker stopped mid-job; the lease will expire
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeLeaseLost means the worker no longer owned the job when reporting
	OutcomeLeaseLost Outcome = "lease_lost"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
