package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/logging"
	"github.com/auction-finalizer/internal/metrics"
	"github.com/auction-finalizer/internal/models"
)

// Reaper periodically turns expired leases into failed attempts so crashed
// workers' jobs come back even when no worker is dequeuing. Each sweep also
// refreshes the queue gauges.
type Reaper struct {
	queue    job.Queue
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *logging.Logger

	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	doneCh    chan struct{}
	lastSweep time.Time
	reclaimed int64
	lastStats *models.QueueStats
}

// NewReaper creates a lease reaper
func NewReaper(queue job.Queue, interval time.Duration, m *metrics.Metrics, logger *logging.Logger) (*Reaper, error) {
	if queue == nil {
		return nil, fmt.Errorf("job queue cannot be nil")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Reaper{
		queue:    queue,
		interval: interval,
		metrics:  m,
		logger:   logger.WithComponent("lease-reaper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins sweeping
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("lease reaper is already running")
	}
	r.running = true
	r.mu.Unlock()

	go r.loop(ctx)
	return nil
}

// Stop waits for the current sweep to finish
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("lease reaper is not running")
	}
	r.mu.Unlock()

	// a timed-out Stop leaves running set, so Stop may be called again
	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Warn("Lease sweep failed")
			}
		}
	}
}

// Sweep reclaims expired leases once and refreshes queue stats
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	n, err := r.queue.ReclaimExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	r.metrics.LeasesReclaimed(n)
	if n > 0 {
		r.logger.WithField("reclaimed", n).Warn("Reclaimed expired leases")
	}

	stats, err := r.queue.Stats(ctx)
	if err != nil {
		return n, fmt.Errorf("failed to read queue stats: %w", err)
	}
	r.metrics.SetQueueStats(stats)

	r.mu.Lock()
	r.lastSweep = time.Now()
	r.reclaimed += int64(n)
	r.lastStats = stats
	r.mu.Unlock()

	return n, nil
}

// ReaperStatus is a point-in-time view of the reaper
type ReaperStatus struct {
	Running   bool               `json:"running"`
	LastSweep time.Time          `json:"lastSweep,omitempty"`
	Reclaimed int64              `json:"reclaimed"`
	Queue     *models.QueueStats `json:"queue,omitempty"`
}

// GetStatus returns the reaper status
func (r *Reaper) GetStatus() *ReaperStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &ReaperStatus{
		Running:   r.running,
		LastSweep: r.lastSweep,
		Reclaimed: r.reclaimed,
		Queue:     r.lastStats,
	}
}
