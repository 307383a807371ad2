// Package worker runs the finalization worker pool and the lease reaper.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auction-finalizer/internal/adapter"
	"github.com/auction-finalizer/internal/clock"
	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/logging"
	"github.com/auction-finalizer/internal/metrics"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/types"
)

// Submitter sends the finalize transaction and returns its hash
type Submitter interface {
	FinalizeAuction(ctx context.Context, auctionID uint64) (string, error)
}

// Confirmer waits for a submitted transaction to be mined
type Confirmer interface {
	Wait(ctx context.Context, txHash string) (*models.TxReceipt, error)
}

// SubmissionGate paces submissions; see ratelimit.SubmissionLimiter
type SubmissionGate interface {
	Wait(ctx context.Context) (time.Duration, error)
}

// AttemptRecorder appends attempt history; see storage.AttemptHistoryRepository
type AttemptRecorder interface {
	Record(ctx context.Context, rec *models.AttemptRecord) error
}

// reportTimeout bounds queue and history writes made after the outcome is known
const reportTimeout = 10 * time.Second

// ErrLeaseDeadline is returned when the recheck or submission gate would run past
// the point where submission and confirmation still fit inside the lease
var ErrLeaseDeadline = errors.New("lease deadline reached before submission")

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Queue     job.Queue
	Submitter Submitter
	Confirmer Confirmer
	// StateReader is used to skip resubmission of auctions finalized since the last attempt
	StateReader         adapter.AuctionStateReader
	Gate                SubmissionGate
	History             AttemptRecorder
	Concurrency         int
	DequeueTimeout      time.Duration
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration
	// SubmitTimeout is the relayer call budget reserved out of the lease
	SubmitTimeout      time.Duration
	RecheckBeforeRetry bool
	// Clock must match the queue's clock; defaults to the system clock
	Clock clock.Clock
	// InstanceID prefixes worker ids; defaults to hostname plus a random suffix
	InstanceID string
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

// Pool runs Concurrency workers, each looping dequeue, execute, report.
// Workers share nothing but the queue.
type Pool struct {
	queue               job.Queue
	submitter           Submitter
	confirmer           Confirmer
	reader              adapter.AuctionStateReader
	gate                SubmissionGate
	history             AttemptRecorder
	concurrency         int
	dequeueTimeout      time.Duration
	pollInterval        time.Duration
	confirmationTimeout time.Duration
	submitTimeout       time.Duration
	recheck             bool
	clock               clock.Clock
	instanceID          string
	metrics             *metrics.Metrics
	logger              *logging.Logger

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight int
	outcomes map[types.Outcome]int64
	started  time.Time
}

// PoolStatus is a point-in-time view of the pool
type PoolStatus struct {
	Running     bool                    `json:"running"`
	InstanceID  string                  `json:"instanceId"`
	Concurrency int                     `json:"concurrency"`
	InFlight    int                     `json:"inFlight"`
	Outcomes    map[types.Outcome]int64 `json:"outcomes"`
	StartedAt   time.Time               `json:"startedAt,omitempty"`
}

// AttemptResult describes one execution of a job
type AttemptResult struct {
	JobID     string
	AuctionID uint64
	Attempt   int
	WorkerID  string
	Outcome   types.Outcome
	TxHash    string
	Err       error
	// Fail is set when the attempt was reported as a failure
	Fail     *models.FailResult
	Duration time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue cannot be nil")
	}
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	if cfg.Confirmer == nil {
		return nil, fmt.Errorf("confirmer cannot be nil")
	}
	if cfg.RecheckBeforeRetry && cfg.StateReader == nil {
		return nil, fmt.Errorf("state reader is required when recheck is enabled")
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = 5 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	confirmationTimeout := cfg.ConfirmationTimeout
	if confirmationTimeout <= 0 {
		confirmationTimeout = 30 * time.Second
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 15 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = defaultInstanceID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Pool{
		queue:               cfg.Queue,
		submitter:           cfg.Submitter,
		confirmer:           cfg.Confirmer,
		reader:              cfg.StateReader,
		gate:                cfg.Gate,
		history:             cfg.History,
		concurrency:         concurrency,
		dequeueTimeout:      dequeueTimeout,
		pollInterval:        pollInterval,
		confirmationTimeout: confirmationTimeout,
		submitTimeout:       submitTimeout,
		recheck:             cfg.RecheckBeforeRetry,
		clock:               clk,
		instanceID:          instanceID,
		metrics:             cfg.Metrics,
		logger:              logger.WithComponent("worker-pool"),
		outcomes:            make(map[types.Outcome]int64),
	}, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "finalizer"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// WorkerID returns the lease owner name used by worker n
func (p *Pool) WorkerID(n int) string {
	return fmt.Sprintf("%s-w%d", p.instanceID, n)
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.started = time.Now()

	for n := 0; n < p.concurrency; n++ {
		p.wg.Add(1)
		go p.runWorker(runCtx, p.WorkerID(n))
	}

	p.logger.WithFields(map[string]interface{}{
		"concurrency": p.concurrency,
		"instanceId":  p.instanceID,
	}).Info("Worker pool started")
	return nil
}

// Stop cancels in-flight work and waits for workers to exit. Jobs cut short
// are neither acknowledged nor failed; their leases expire and they are retried.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool is not running")
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
	case <-ctx.Done():
		p.logger.Warn("Worker pool stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	logger := p.logger.WithField("workerId", workerID)

	for ctx.Err() == nil {
		j, err := job.DequeueWait(ctx, p.queue, workerID, p.dequeueTimeout, p.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}
		if j == nil {
			continue
		}

		p.Process(ctx, workerID, j)
	}
}

// Process executes one leased job and reports the outcome to the queue.
// Cancellation of ctx abandons the job without reporting.
func (p *Pool) Process(ctx context.Context, workerID string, j *models.FinalizationJob) *AttemptResult {
	p.trackInFlight(1)
	defer p.trackInFlight(-1)

	start := time.Now()
	res := &AttemptResult{
		JobID:     j.ID,
		AuctionID: j.AuctionID,
		Attempt:   j.Attempt,
		WorkerID:  workerID,
	}

	p.execute(ctx, j, res)
	res.Duration = time.Since(start)

	p.mu.Lock()
	p.outcomes[res.Outcome]++
	p.mu.Unlock()
	p.metrics.AttemptFinished(string(res.Outcome), res.Duration)
	p.logResult(res)
	p.recordHistory(ctx, start, res)
	return res
}

func (p *Pool) execute(ctx context.Context, j *models.FinalizationJob, res *AttemptResult) {
	preCtx, cancelPre := p.preSubmitContext(ctx, j)
	defer cancelPre()

	if j.Attempt > 0 && p.recheck && p.alreadyFinalized(preCtx, j) {
		p.acknowledge(ctx, j, res, types.OutcomeAlreadyFinalized)
		return
	}

	if p.gate != nil {
		waited, err := p.gate.Wait(preCtx)
		p.metrics.SubmissionWaited(waited)
		if err != nil {
			res.Outcome, res.Err = types.OutcomeAbandoned, p.abandonCause(ctx, err)
			return
		}
	}
	if err := preCtx.Err(); err != nil {
		res.Outcome, res.Err = types.OutcomeAbandoned, p.abandonCause(ctx, err)
		return
	}

	txHash, err := p.submitter.FinalizeAuction(ctx, j.AuctionID)
	if err != nil {
		if ctx.Err() != nil {
			res.Outcome, res.Err = types.OutcomeAbandoned, ctx.Err()
			return
		}
		p.fail(ctx, j, res, types.OutcomeSubmissionFailed, err)
		return
	}
	res.TxHash = txHash

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmationTimeout)
	receipt, err := p.confirmer.Wait(waitCtx, txHash)
	cancel()

	switch {
	case ctx.Err() != nil:
		res.Outcome, res.Err = types.OutcomeAbandoned, ctx.Err()
	case err != nil && apperrors.HasCode(err, apperrors.CodeConfirmationTimeout):
		p.fail(ctx, j, res, types.OutcomeConfirmationTimeout, err)
	case err != nil:
		p.fail(ctx, j, res, types.OutcomeSubmissionFailed, err)
	case !receipt.Success:
		p.fail(ctx, j, res, types.OutcomeReverted, apperrors.NewTransactionRevertedError(txHash, receipt.BlockNumber))
	default:
		p.acknowledge(ctx, j, res, types.OutcomeConfirmed)
	}
}

// preSubmitContext bounds the recheck and gate wait so that the relayer call and
// the confirmation wait still fit inside the job's lease.
func (p *Pool) preSubmitContext(ctx context.Context, j *models.FinalizationJob) (context.Context, context.CancelFunc) {
	if j.LeaseExpiresAt == nil {
		return context.WithCancel(ctx)
	}
	remaining := j.LeaseExpiresAt.Sub(p.clock.Now()) - p.submitTimeout - p.confirmationTimeout
	return context.WithTimeout(ctx, remaining)
}

// abandonCause keeps shutdown distinguishable from running out of lease
func (p *Pool) abandonCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrLeaseDeadline, err)
}

// alreadyFinalized reports whether the contract shows the auction finalized.
// A failed read returns false so the attempt goes ahead.
func (p *Pool) alreadyFinalized(ctx context.Context, j *models.FinalizationJob) bool {
	state, err := p.reader.GetAuctionState(ctx, j.AuctionID)
	if err != nil {
		p.logger.WithError(err).WithField("auctionId", j.AuctionID).Warn("Recheck failed, submitting anyway")
		return false
	}
	return state.Finalized
}

func (p *Pool) acknowledge(ctx context.Context, j *models.FinalizationJob, res *AttemptResult, outcome types.Outcome) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	res.Outcome = outcome
	if err := p.queue.Acknowledge(reportCtx, j.ID, res.WorkerID); err != nil {
		p.reportError(res, err)
	}
}

func (p *Pool) fail(ctx context.Context, j *models.FinalizationJob, res *AttemptResult, outcome types.Outcome, cause error) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	res.Outcome, res.Err = outcome, cause
	result, err := p.queue.Fail(reportCtx, j.ID, res.WorkerID, cause.Error())
	if err != nil {
		p.reportError(res, err)
		return
	}
	res.Fail = result
}

func (p *Pool) reportError(res *AttemptResult, err error) {
	if errors.Is(err, job.ErrLeaseLost) {
		res.Outcome = types.OutcomeLeaseLost
	}
	if res.Err == nil {
		res.Err = err
	}
	p.logger.WithError(err).WithFields(map[string]interface{}{
		"jobId":   res.JobID,
		"outcome": string(res.Outcome),
	}).Error("Failed to report attempt to queue")
}

func (p *Pool) logResult(res *AttemptResult) {
	logger := p.logger.WithFields(map[string]interface{}{
		"jobId":     res.JobID,
		"auctionId": res.AuctionID,
		"attempt":   res.Attempt,
		"workerId":  res.WorkerID,
		"outcome":   string(res.Outcome),
		"duration":  res.Duration.String(),
	})
	if res.TxHash != "" {
		logger = logger.WithField("txHash", res.TxHash)
	}

	switch {
	case res.Fail != nil && res.Fail.Terminal:
		logger.WithError(apperrors.NewTerminalFailureError(res.JobID, res.Fail.Attempt, res.Err)).
			Error("Job exhausted its retries")
	case res.Fail != nil:
		logger.WithError(res.Err).WithField("nextRunAt", res.Fail.NextRunAt).Warn("Attempt failed, retry scheduled")
	case res.Outcome == types.OutcomeAbandoned:
		logger.Warn("Attempt abandoned, lease will expire")
	case res.Err != nil:
		logger.WithError(res.Err).Error("Attempt finished with error")
	default:
		logger.Info("Auction finalized")
	}
}

func (p *Pool) recordHistory(ctx context.Context, start time.Time, res *AttemptResult) {
	if p.history == nil {
		return
	}
	rec := &models.AttemptRecord{
		AttemptID:  uuid.NewString(),
		JobID:      res.JobID,
		AuctionID:  res.AuctionID,
		Attempt:    res.Attempt,
		WorkerID:   res.WorkerID,
		Outcome:    res.Outcome,
		TxHash:     res.TxHash,
		Terminal:   res.Fail != nil && res.Fail.Terminal,
		StartedAt:  start.UTC(),
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := p.history.Record(recordCtx, rec); err != nil {
		p.logger.WithError(err).WithField("jobId", res.JobID).Warn("Failed to record attempt history")
	}
}

func (p *Pool) trackInFlight(delta int) {
	p.mu.Lock()
	p.inFlight += delta
	p.mu.Unlock()
}

// GetStatus returns current pool status
func (p *Pool) GetStatus() *PoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	outcomes := make(map[types.Outcome]int64, len(p.outcomes))
	for k, v := range p.outcomes {
		outcomes[k] = v
	}
	return &PoolStatus{
		Running:     p.running,
		InstanceID:  p.instanceID,
		Concurrency: p.concurrency,
		InFlight:    p.inFlight,
		Outcomes:    outcomes,
		StartedAt:   p.started,
	}
}
