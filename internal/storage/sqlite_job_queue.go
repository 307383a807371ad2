package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/types"
)

//go:embed sqlite_schema.sql
var sqliteSchemaSQL string

const sqliteJobColumns = `job_id, auction_id, status, attempt, enqueued_at, next_run_at,
	lease_owner, lease_expires_at, last_error, failed_at, updated_at`

// SQLiteJobQueue is the embedded single-node job.Queue backend. All access
// goes through one connection, so every operation is a serialized
// transaction. Times are stored as unix milliseconds.
type SQLiteJobQueue struct {
	db   *sql.DB
	opts job.Options
}

// OpenSQLiteJobQueue creates or opens the queue database at path
func OpenSQLiteJobQueue(path string, opts job.Options) (*SQLiteJobQueue, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to queue database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply queue schema: %w", err)
	}

	return &SQLiteJobQueue{db: db, opts: opts}, nil
}

// Close closes the database
func (q *SQLiteJobQueue) Close() error {
	return q.db.Close()
}

// Ping checks the database is usable
func (q *SQLiteJobQueue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

func (q *SQLiteJobQueue) now() time.Time {
	return q.opts.Clock.Now().UTC()
}

func (q *SQLiteJobQueue) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// EnqueueBulk inserts each job independently
func (q *SQLiteJobQueue) EnqueueBulk(ctx context.Context, jobs []*models.FinalizationJob) ([]models.EnqueueOutcome, error) {
	outcomes := make([]models.EnqueueOutcome, 0, len(jobs))
	now := q.now()

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out := models.EnqueueOutcome{JobID: j.ID, AuctionID: j.AuctionID}
		if j.AuctionID > math.MaxInt64 {
			out.Status = types.EnqueueStatusFailed
			out.Err = fmt.Errorf("auction id %d exceeds storable range", j.AuctionID)
			outcomes = append(outcomes, out)
			continue
		}

		rec := job.NewRecord(j, now)
		res, err := q.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO finalization_jobs
				(job_id, auction_id, status, attempt, enqueued_at, next_run_at, updated_at)
			VALUES (?, ?, 'pending', ?, ?, ?, ?)`,
			rec.ID, int64(rec.AuctionID), rec.Attempt, // #nosec G115 - range checked above
			toMillis(rec.EnqueuedAt), toMillis(rec.NextRunAt), toMillis(rec.UpdatedAt))
		if err != nil {
			out.Status = types.EnqueueStatusFailed
			out.Err = fmt.Errorf("failed to insert job %s: %w", j.ID, err)
			outcomes = append(outcomes, out)
			continue
		}

		if n, _ := res.RowsAffected(); n == 0 {
			out.Status = types.EnqueueStatusDuplicate
		} else {
			out.Status = types.EnqueueStatusEnqueued
		}
		outcomes = append(outcomes, out)
	}

	return outcomes, nil
}

// Dequeue reclaims expired leases, then leases the oldest eligible job
func (q *SQLiteJobQueue) Dequeue(ctx context.Context, workerID string) (*models.FinalizationJob, error) {
	var leased *models.FinalizationJob
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		now := q.now()
		if _, err := q.reclaim(ctx, tx, now); err != nil {
			return err
		}

		rec, err := scanSQLiteRecord(tx.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+`
			FROM finalization_jobs
			WHERE status = 'pending' AND next_run_at <= ?
			ORDER BY next_run_at, enqueued_at
			LIMIT 1`, toMillis(now)))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select next job: %w", err)
		}

		job.ApplyLease(rec, workerID, now, q.opts.LeaseDuration)
		if err := writeSQLiteRecord(ctx, tx, rec); err != nil {
			return err
		}
		j := rec.FinalizationJob
		leased = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// Acknowledge deletes a job still leased to workerID
func (q *SQLiteJobQueue) Acknowledge(ctx context.Context, jobID, workerID string) error {
	return q.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := readSQLiteRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !job.HoldsLease(rec, workerID, q.now()) {
			return fmt.Errorf("%w: %s", job.ErrLeaseLost, jobID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM finalization_jobs WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return nil
	})
}

// Fail records a failed attempt by the lease owner
func (q *SQLiteJobQueue) Fail(ctx context.Context, jobID, workerID, reason string) (*models.FailResult, error) {
	var result *models.FailResult
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := readSQLiteRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		now := q.now()
		if !job.HoldsLease(rec, workerID, now) {
			return fmt.Errorf("%w: %s", job.ErrLeaseLost, jobID)
		}
		result = job.ApplyFailure(rec, q.opts.Policy, now, reason)
		return writeSQLiteRecord(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReclaimExpired fails every expired lease
func (q *SQLiteJobQueue) ReclaimExpired(ctx context.Context) (int, error) {
	var n int
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = q.reclaim(ctx, tx, q.now())
		return err
	})
	return n, err
}

func (q *SQLiteJobQueue) reclaim(ctx context.Context, tx *sql.Tx, now time.Time) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+sqliteJobColumns+`
		FROM finalization_jobs
		WHERE status = 'leased' AND lease_expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to query expired leases: %w", err)
	}
	expired, err := collectSQLiteRecords(rows)
	if err != nil {
		return 0, err
	}

	for _, rec := range expired {
		job.ApplyFailure(rec, q.opts.Policy, now, job.ReasonLeaseExpired)
		if err := writeSQLiteRecord(ctx, tx, rec); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// ListFailed returns terminal jobs, most recently failed first
func (q *SQLiteJobQueue) ListFailed(ctx context.Context, limit int) ([]*models.JobRecord, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+sqliteJobColumns+`
		FROM finalization_jobs
		WHERE status = 'failed'
		ORDER BY failed_at DESC, job_id
		LIMIT ?`, job.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	return collectSQLiteRecords(rows)
}

// Requeue moves a terminal job back to pending
func (q *SQLiteJobQueue) Requeue(ctx context.Context, jobID string) error {
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := readSQLiteRecord(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := job.ApplyRequeue(rec, q.now()); err != nil {
			return err
		}
		return writeSQLiteRecord(ctx, tx, rec)
	})

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s", job.ErrAuctionHasLiveJob, jobID)
	}
	return err
}

// Stats counts jobs per status
func (q *SQLiteJobQueue) Stats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM finalization_jobs GROUP BY status`)
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

func readSQLiteRecord(ctx context.Context, tx *sql.Tx, jobID string) (*models.JobRecord, error) {
	rec, err := scanSQLiteRecord(tx.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM finalization_jobs WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", job.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	return rec, nil
}

func writeSQLiteRecord(ctx context.Context, tx *sql.Tx, rec *models.JobRecord) error {
	var owner sql.NullString
	if rec.LeaseOwner != "" {
		owner = sql.NullString{String: rec.LeaseOwner, Valid: true}
	}
	var lastError sql.NullString
	if rec.LastError != nil {
		lastError = sql.NullString{String: *rec.LastError, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE finalization_jobs
		SET status = ?, attempt = ?, next_run_at = ?, lease_owner = ?, lease_expires_at = ?,
			last_error = ?, failed_at = ?, updated_at = ?
		WHERE job_id = ?`,
		string(rec.Status), rec.Attempt, toMillis(rec.NextRunAt), owner, nullMillis(rec.LeaseExpiresAt),
		lastError, nullMillis(rec.FailedAt), toMillis(rec.UpdatedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", rec.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*models.JobRecord, error) {
	var (
		rec                              models.JobRecord
		auctionID                        int64
		status                           string
		enqueuedAt, nextRunAt, updatedAt int64
		owner, lastError                 sql.NullString
		leaseExpiresAt, failedAt         sql.NullInt64
	)
	err := row.Scan(&rec.ID, &auctionID, &status, &rec.Attempt, &enqueuedAt, &nextRunAt,
		&owner, &leaseExpiresAt, &lastError, &failedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.AuctionID = uint64(auctionID) // #nosec G115 - only non-negative ids are written
	rec.Status = types.JobStatus(status)
	rec.EnqueuedAt = fromMillis(enqueuedAt)
	rec.NextRunAt = fromMillis(nextRunAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.LeaseOwner = owner.String
	if leaseExpiresAt.Valid {
		t := fromMillis(leaseExpiresAt.Int64)
		rec.LeaseExpiresAt = &t
	}
	if lastError.Valid {
		s := lastError.String
		rec.LastError = &s
	}
	if failedAt.Valid {
		t := fromMillis(failedAt.Int64)
		rec.FailedAt = &t
	}
	return &rec, nil
}

func collectSQLiteRecords(rows *sql.Rows) ([]*models.JobRecord, error) {
	defer rows.Close()
	var out []*models.JobRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return out, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// sqliteDSN enables immediate transactions so concurrent processes sharing
// the file serialize on BEGIN rather than failing on upgrade
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&_txlock=immediate"
	}
	return path + "?_txlock=immediate"
}
