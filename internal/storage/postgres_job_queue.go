package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/types"
)

// reaperLockKey serializes lease reclamation across finalizer replicas
const reaperLockKey int64 = 0x66696e616c

const pgUniqueViolation = "23505"

const jobColumns = `job_id, auction_id, status, attempt, enqueued_at, next_run_at,
	lease_owner, lease_expires_at, last_error, failed_at, updated_at`

const insertJobSQL = `
INSERT INTO finalization_jobs (job_id, auction_id, status, attempt, enqueued_at, next_run_at, updated_at)
VALUES ($1, $2, 'pending', $3, $4, $5, $5)
ON CONFLICT DO NOTHING`

const reserveNextSQL = `
WITH next AS (
	SELECT job_id
	FROM finalization_jobs
	WHERE status = 'pending' AND next_run_at <= $1
	ORDER BY next_run_at, enqueued_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE finalization_jobs j
SET status = 'leased', lease_owner = $2, lease_expires_at = $3, updated_at = $1
FROM next
WHERE j.job_id = next.job_id
RETURNING j.job_id, j.auction_id, j.enqueued_at, j.attempt, j.lease_owner, j.lease_expires_at`

const updateJobSQL = `
UPDATE finalization_jobs
SET status = $2, attempt = $3, next_run_at = $4, lease_owner = $5, lease_expires_at = $6,
	last_error = $7, failed_at = $8, updated_at = $9
WHERE job_id = $1`

// PostgresJobQueue is the primary job.Queue backend. Rows are claimed with
// FOR UPDATE SKIP LOCKED so any number of workers and replicas can dequeue
// concurrently.
type PostgresJobQueue struct {
	db   *PostgresDB
	opts job.Options
}

// NewPostgresJobQueue creates a queue on the finalization_jobs table
func NewPostgresJobQueue(db *PostgresDB, opts job.Options) (*PostgresJobQueue, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &PostgresJobQueue{db: db, opts: opts}, nil
}

func (q *PostgresJobQueue) now() time.Time {
	return q.opts.Clock.Now().UTC()
}

// EnqueueBulk inserts each job in its own statement so one failure cannot
// roll back its siblings
func (q *PostgresJobQueue) EnqueueBulk(ctx context.Context, jobs []*models.FinalizationJob) ([]models.EnqueueOutcome, error) {
	outcomes := make([]models.EnqueueOutcome, 0, len(jobs))
	now := q.now()

	for _, j := range jobs {
		out := models.EnqueueOutcome{JobID: j.ID, AuctionID: j.AuctionID}
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		if j.AuctionID > math.MaxInt64 {
			out.Status = types.EnqueueStatusFailed
			out.Err = fmt.Errorf("auction id %d exceeds storable range", j.AuctionID)
			outcomes = append(outcomes, out)
			continue
		}

		rec := job.NewRecord(j, now)
		tag, err := q.db.Pool().Exec(ctx, insertJobSQL,
			rec.ID, int64(rec.AuctionID), rec.Attempt, rec.EnqueuedAt, rec.NextRunAt) // #nosec G115 - range checked above
		switch {
		case err != nil:
			out.Status = types.EnqueueStatusFailed
			out.Err = fmt.Errorf("failed to insert job %s: %w", j.ID, err)
		case tag.RowsAffected() == 0:
			out.Status = types.EnqueueStatusDuplicate
		default:
			out.Status = types.EnqueueStatusEnqueued
		}
		outcomes = append(outcomes, out)
	}

	return outcomes, nil
}

// Dequeue reclaims expired leases, then leases the oldest eligible job
func (q *PostgresJobQueue) Dequeue(ctx context.Context, workerID string) (*models.FinalizationJob, error) {
	if _, err := q.ReclaimExpired(ctx); err != nil {
		return nil, err
	}

	now := q.now()
	var (
		j         models.FinalizationJob
		auctionID int64
		owner     *string
	)
	err := q.db.Pool().QueryRow(ctx, reserveNextSQL, now, workerID, now.Add(q.opts.LeaseDuration)).
		Scan(&j.ID, &auctionID, &j.EnqueuedAt, &j.Attempt, &owner, &j.LeaseExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}
	j.AuctionID = uint64(auctionID) // #nosec G115 - CHECK constraint keeps it non-negative
	if owner != nil {
		j.LeaseOwner = *owner
	}
	return &j, nil
}

// Acknowledge deletes a job still leased to workerID
func (q *PostgresJobQueue) Acknowledge(ctx context.Context, jobID, workerID string) error {
	tag, err := q.db.Pool().Exec(ctx, `
		DELETE FROM finalization_jobs
		WHERE job_id = $1 AND status = 'leased' AND lease_owner = $2 AND lease_expires_at > $3`,
		jobID, workerID, q.now())
	if err != nil {
		return fmt.Errorf("failed to acknowledge job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return q.missingOrLost(ctx, jobID)
}

func (q *PostgresJobQueue) missingOrLost(ctx context.Context, jobID string) error {
	var exists bool
	if err := q.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM finalization_jobs WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", job.ErrJobNotFound, jobID)
	}
	return fmt.Errorf("%w: %s", job.ErrLeaseLost, jobID)
}

// Fail records a failed attempt by the lease owner
func (q *PostgresJobQueue) Fail(ctx context.Context, jobID, workerID, reason string) (*models.FailResult, error) {
	var result *models.FailResult
	err := pgx.BeginFunc(ctx, q.db.Pool(), func(tx pgx.Tx) error {
		rec, err := q.lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		now := q.now()
		if !job.HoldsLease(rec, workerID, now) {
			return fmt.Errorf("%w: %s", job.ErrLeaseLost, jobID)
		}
		result = job.ApplyFailure(rec, q.opts.Policy, now, reason)
		return q.updateJob(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReclaimExpired fails every expired lease. Only one replica sweeps at a
// time; the others return 0.
func (q *PostgresJobQueue) ReclaimExpired(ctx context.Context) (int, error) {
	reclaimed := 0
	err := pgx.BeginFunc(ctx, q.db.Pool(), func(tx pgx.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, reaperLockKey).Scan(&locked); err != nil {
			return fmt.Errorf("failed to take reaper lock: %w", err)
		}
		if !locked {
			return nil
		}

		now := q.now()
		rows, err := tx.Query(ctx, `SELECT `+jobColumns+`
			FROM finalization_jobs
			WHERE status = 'leased' AND lease_expires_at <= $1
			FOR UPDATE SKIP LOCKED`, now)
		if err != nil {
			return fmt.Errorf("failed to query expired leases: %w", err)
		}
		expired, err := pgx.CollectRows(rows, scanJobRecord)
		if err != nil {
			return fmt.Errorf("failed to scan expired leases: %w", err)
		}

		for _, rec := range expired {
			job.ApplyFailure(rec, q.opts.Policy, now, job.ReasonLeaseExpired)
			if err := q.updateJob(ctx, tx, rec); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// ListFailed returns terminal jobs, most recently failed first
func (q *PostgresJobQueue) ListFailed(ctx context.Context, limit int) ([]*models.JobRecord, error) {
	rows, err := q.db.Pool().Query(ctx, `SELECT `+jobColumns+`
		FROM finalization_jobs
		WHERE status = 'failed'
		ORDER BY failed_at DESC, job_id
		LIMIT $1`, job.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanJobRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to scan failed jobs: %w", err)
	}
	return records, nil
}

// Requeue moves a terminal job back to pending
func (q *PostgresJobQueue) Requeue(ctx context.Context, jobID string) error {
	err := pgx.BeginFunc(ctx, q.db.Pool(), func(tx pgx.Tx) error {
		rec, err := q.lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := job.ApplyRequeue(rec, q.now()); err != nil {
			return err
		}
		return q.updateJob(ctx, tx, rec)
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", job.ErrAuctionHasLiveJob, jobID)
	}
	return err
}

// Stats counts jobs per status
func (q *PostgresJobQueue) Stats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := q.db.Pool().Query(ctx, `SELECT status, count(*) FROM finalization_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job counts: %w", err)
		}
		switch types.JobStatus(status) {
		case types.JobStatusPending:
			stats.Pending = count
		case types.JobStatusLeased:
			stats.Leased = count
		case types.JobStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func (q *PostgresJobQueue) lockJob(ctx context.Context, tx pgx.Tx, jobID string) (*models.JobRecord, error) {
	rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM finalization_jobs WHERE job_id = $1 FOR UPDATE`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanJobRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", job.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	return rec, nil
}

func (q *PostgresJobQueue) updateJob(ctx context.Context, tx pgx.Tx, rec *models.JobRecord) error {
	var owner *string
	if rec.LeaseOwner != "" {
		owner = &rec.LeaseOwner
	}
	_, err := tx.Exec(ctx, updateJobSQL,
		rec.ID, string(rec.Status), rec.Attempt, rec.NextRunAt, owner, rec.LeaseExpiresAt,
		rec.LastError, rec.FailedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", rec.ID, err)
	}
	return nil
}

func scanJobRecord(row pgx.CollectableRow) (*models.JobRecord, error) {
	var (
		rec       models.JobRecord
		auctionID int64
		status    string
		owner     *string
	)
	err := row.Scan(&rec.ID, &auctionID, &status, &rec.Attempt, &rec.EnqueuedAt, &rec.NextRunAt,
		&owner, &rec.LeaseExpiresAt, &rec.LastError, &rec.FailedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.AuctionID = uint64(auctionID) // #nosec G115 - CHECK constraint keeps it non-negative
	rec.Status = types.JobStatus(status)
	if owner != nil {
		rec.LeaseOwner = *owner
	}
	return &rec, nil
}
