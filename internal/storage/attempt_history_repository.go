package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/types"
)

// AttemptHistoryRepository appends worker executions to ClickHouse
type AttemptHistoryRepository struct {
	db *ClickHouseDB
}

// NewAttemptHistoryRepository creates a new attempt history repository
func NewAttemptHistoryRepository(db *ClickHouseDB) *AttemptHistoryRepository {
	return &AttemptHistoryRepository{db: db}
}

// Record inserts a single attempt
func (r *AttemptHistoryRepository) Record(ctx context.Context, rec *models.AttemptRecord) error {
	return r.BatchInsert(ctx, []*models.AttemptRecord{rec})
}

// BatchInsert inserts multiple attempts in one batch
func (r *AttemptHistoryRepository) BatchInsert(ctx context.Context, records []*models.AttemptRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO finalization_attempts (
			attempt_id, job_id, auction_id, attempt, worker_id, outcome,
			tx_hash, error, terminal, started_at, duration_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		err := batch.Append(
			rec.AttemptID,
			rec.JobID,
			rec.AuctionID,
			uint32(rec.Attempt), // #nosec G115 - attempt is bounded by maxAttempts
			rec.WorkerID,
			string(rec.Outcome),
			rec.TxHash,
			rec.Error,
			rec.Terminal,
			rec.StartedAt.UTC(),
			rec.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("failed to append attempt %s to batch: %w", rec.AttemptID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	return nil
}

// ListByAuction returns the recorded attempts for an auction, oldest first
func (r *AttemptHistoryRepository) ListByAuction(ctx context.Context, auctionID uint64, limit int) ([]*models.AttemptRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Conn().Query(ctx, `
		SELECT attempt_id, job_id, auction_id, attempt, worker_id, outcome,
			   tx_hash, error, terminal, started_at, duration_ms
		FROM finalization_attempts
		WHERE auction_id = ?
		ORDER BY started_at ASC
		LIMIT ?
	`, auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*models.AttemptRecord
	for rows.Next() {
		var (
			rec     models.AttemptRecord
			attempt uint32
			outcome string
			started time.Time
		)
		if err := rows.Scan(
			&rec.AttemptID, &rec.JobID, &rec.AuctionID, &attempt, &rec.WorkerID, &outcome,
			&rec.TxHash, &rec.Error, &rec.Terminal, &started, &rec.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		rec.Attempt = int(attempt)
		rec.Outcome = types.Outcome(outcome)
		rec.StartedAt = started.UTC()
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return records, nil
}
