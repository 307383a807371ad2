// Package service holds the finalization scanner, which turns indexer and
// contract reads into queued finalization jobs.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/auction-finalizer/internal/adapter"
	"github.com/auction-finalizer/internal/clock"
	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/logging"
	"github.com/auction-finalizer/internal/metrics"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/types"
)

// ErrScanInProgress is returned when a scan is requested while another runs
var ErrScanInProgress = errors.New("scan already in progress")

// Skip reasons reported per scan
const (
	SkipNotDue        = "not_due"
	SkipFinalized     = "finalized"
	SkipUnknown       = "unknown"
	SkipReadFailed    = "read_failed"
	SkipDuplicate     = "duplicate"
	SkipEnqueueFailed = "enqueue_failed"
)

// ScanResult summarizes one scan cycle. Skipped is every distinct candidate
// that did not produce a new job, broken down in SkippedBy.
type ScanResult struct {
	StartedAt  time.Time      `json:"startedAt"`
	Duration   time.Duration  `json:"duration"`
	Candidates int            `json:"candidates"`
	Due        int            `json:"due"`
	Enqueued   int            `json:"enqueued"`
	Skipped    int            `json:"skipped"`
	SkippedBy  map[string]int `json:"skippedBy"`
	JobIDs     []string       `json:"jobIds,omitempty"`
}

func (r *ScanResult) skip(reason string, n int) {
	if n <= 0 {
		return
	}
	r.SkippedBy[reason] += n
	r.Skipped += n
}

// ScannerConfig holds the scanner's collaborators
type ScannerConfig struct {
	Reader adapter.ChainReader
	Queue  job.Queue
	// TimeBucket is folded into job keys; see job.Key
	TimeBucket      time.Duration
	ReadConcurrency int
	Clock           clock.Clock
	Metrics         *metrics.Metrics
	Logger          *logging.Logger
}

// Scanner finds auctions whose end time has passed and enqueues a
// finalization job for each. At most one scan runs at a time.
type Scanner struct {
	reader          adapter.ChainReader
	queue           job.Queue
	bucket          time.Duration
	readConcurrency int
	clock           clock.Clock
	metrics         *metrics.Metrics
	logger          *logging.Logger
	running         atomic.Bool
}

// NewScanner creates a new scanner
func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("chain reader cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue cannot be nil")
	}
	if cfg.TimeBucket <= 0 {
		cfg.TimeBucket = job.DefaultTimeBucket
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 16
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}

	return &Scanner{
		reader:          cfg.Reader,
		queue:           cfg.Queue,
		bucket:          cfg.TimeBucket,
		readConcurrency: cfg.ReadConcurrency,
		clock:           cfg.Clock,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger.WithComponent("scanner"),
	}, nil
}

// Running reports whether a scan is in progress
func (s *Scanner) Running() bool {
	return s.running.Load()
}

// ScanAndEnqueue runs one scan cycle. It returns ErrScanInProgress without
// doing anything when a scan is already running, and an IndexUnavailable
// error when the candidate list cannot be fetched. Per-auction read failures
// and per-job enqueue failures are counted in the result, not returned.
func (s *Scanner) ScanAndEnqueue(ctx context.Context) (*ScanResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.ScanFinished("busy", 0)
		return nil, ErrScanInProgress
	}
	defer s.running.Store(false)

	result := &ScanResult{StartedAt: s.clock.Now(), SkippedBy: map[string]int{}}
	start := time.Now()

	err := s.scan(ctx, result)
	result.Duration = time.Since(start)

	if err != nil {
		s.metrics.ScanFinished(apperrors.CodeOf(err), result.Duration)
		s.logger.WithError(err).Error("Scan cycle aborted")
		return nil, err
	}

	s.metrics.ScanFinished("ok", result.Duration)
	s.logger.WithFields(map[string]interface{}{
		"candidates": result.Candidates,
		"due":        result.Due,
		"enqueued":   result.Enqueued,
		"skipped":    result.Skipped,
		"duration":   result.Duration.String(),
	}).Info("Scan cycle complete")
	return result, nil
}

func (s *Scanner) scan(ctx context.Context, result *ScanResult) error {
	listed, err := s.reader.ListOpenAuctions(ctx)
	if err != nil {
		if !apperrors.HasCode(err, apperrors.CodeIndexUnavailable) {
			err = apperrors.NewIndexUnavailableError(err)
		}
		return err
	}

	ids := dedupeAuctionIDs(listed)
	result.Candidates = len(ids)
	s.metrics.CandidatesSeen(len(ids))
	if len(ids) == 0 {
		return nil
	}

	states := s.readStates(ctx, ids)
	if err := ctx.Err(); err != nil {
		return err
	}

	// observation time: every state above was read before this instant
	now := s.clock.Now()

	var jobs []*models.FinalizationJob
	for i, id := range ids {
		state := states[i]
		switch {
		case state == nil:
			result.skip(SkipReadFailed, 1)
		case !state.Exists():
			result.skip(SkipUnknown, 1)
		case state.Finalized:
			result.skip(SkipFinalized, 1)
		case !state.IsDue(now):
			result.skip(SkipNotDue, 1)
		default:
			jobs = append(jobs, job.NewFinalizationJob(id, now, s.bucket))
		}
	}
	result.Due = len(jobs)

	if len(jobs) > 0 {
		s.enqueue(ctx, jobs, result)
	}

	for reason, n := range result.SkippedBy {
		s.metrics.AuctionsSkipped(reason, n)
	}
	return nil
}

// dedupeAuctionIDs keeps the first occurrence of each id, in indexer order
func dedupeAuctionIDs(auctions []*models.AuctionRecord) []uint64 {
	seen := make(map[uint64]struct{}, len(auctions))
	ids := make([]uint64, 0, len(auctions))
	for _, a := range auctions {
		if a == nil {
			continue
		}
		if _, dup := seen[a.AuctionID]; dup {
			continue
		}
		seen[a.AuctionID] = struct{}{}
		ids = append(ids, a.AuctionID)
	}
	return ids
}

// readStates reads every auction's contract state with bounded concurrency.
// A failed read leaves a nil entry.
func (s *Scanner) readStates(ctx context.Context, ids []uint64) []*models.AuctionChainState {
	states := make([]*models.AuctionChainState, len(ids))

	var g errgroup.Group
	g.SetLimit(s.readConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			state, err := s.reader.GetAuctionState(ctx, id)
			if err != nil {
				s.logger.WithError(err).WithField("auctionId", id).Warn("Auction state read failed, skipping this cycle")
				return nil
			}
			if state.AuctionID != id {
				s.logger.WithFields(map[string]interface{}{
					"auctionId": id,
					"got":       state.AuctionID,
				}).Warn("Auction state read returned a different auction, skipping")
				return nil
			}
			states[i] = state
			return nil
		})
	}
	_ = g.Wait()

	return states
}

// enqueue submits jobs in one bulk call and folds the outcomes into result.
// Jobs without an outcome, because the call failed as a whole, count as
// failed; they are rediscovered next cycle.
func (s *Scanner) enqueue(ctx context.Context, jobs []*models.FinalizationJob, result *ScanResult) {
	outcomes, callErr := s.queue.EnqueueBulk(ctx, jobs)

	for i, j := range jobs {
		var out models.EnqueueOutcome
		if i < len(outcomes) {
			out = outcomes[i]
		} else {
			out = models.EnqueueOutcome{JobID: j.ID, AuctionID: j.AuctionID, Status: types.EnqueueStatusFailed, Err: callErr}
		}
		s.metrics.EnqueueOutcome(string(out.Status))

		logger := s.logger.WithFields(map[string]interface{}{
			"jobId":     j.ID,
			"auctionId": j.AuctionID,
		})
		switch out.Status {
		case types.EnqueueStatusEnqueued:
			result.Enqueued++
			result.JobIDs = append(result.JobIDs, j.ID)
			logger.Info("Finalization job enqueued")
		case types.EnqueueStatusDuplicate:
			result.skip(SkipDuplicate, 1)
			logger.Debug("Auction already queued")
		default:
			result.skip(SkipEnqueueFailed, 1)
			logger.WithError(apperrors.NewEnqueueFailedError(j.ID, out.Err)).Error("Failed to enqueue job")
		}
	}
}
