package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/auction-finalizer/internal/logging"
)

// ScanRunner triggers the scanner on a fixed interval. A tick that lands while
// a scan is still running (for example one started through the API) is
// dropped rather than queued.
type ScanRunner struct {
	scanner  *Scanner
	interval time.Duration
	logger   *logging.Logger

	mu         sync.RWMutex
	running    bool
	stopCh     chan struct{}
	stopOnce   sync.Once
	doneCh     chan struct{}
	lastRun    time.Time
	lastResult *ScanResult
	lastErr    error
	cycles     int64
}

// ScanRunnerStatus is a point-in-time view of the runner
type ScanRunnerStatus struct {
	Running         bool        `json:"running"`
	Scanning        bool        `json:"scanning"`
	IntervalSeconds int         `json:"intervalSeconds"`
	Cycles          int64       `json:"cycles"`
	LastRun         time.Time   `json:"lastRun,omitempty"`
	LastResult      *ScanResult `json:"lastResult,omitempty"`
	LastError       string      `json:"lastError,omitempty"`
}

// NewScanRunner creates a runner for scanner
func NewScanRunner(scanner *Scanner, interval time.Duration, logger *logging.Logger) (*ScanRunner, error) {
	if scanner == nil {
		return nil, fmt.Errorf("scanner cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("scan interval must be positive, got %v", interval)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ScanRunner{
		scanner:  scanner,
		interval: interval,
		logger:   logger.WithComponent("scan-runner"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs one scan immediately and then one per interval until Stop is
// called or ctx is cancelled
func (r *ScanRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("scan runner is already running")
	}
	r.running = true
	r.mu.Unlock()

	r.logger.WithField("interval", r.interval.String()).Info("Starting scan runner")

	go r.loop(ctx)
	return nil
}

// Stop signals the loop and waits for an in-flight scan to finish
func (r *ScanRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("scan runner is not running")
	}
	r.mu.Unlock()

	// a timed-out Stop leaves running set, so Stop may be called again
	r.stopOnce.Do(func() { close(r.stopCh) })

	select {
	case <-r.doneCh:
		r.logger.Info("Scan runner stopped")
	case <-ctx.Done():
		r.logger.Warn("Scan runner stop timed out")
		return ctx.Err()
	}

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}

func (r *ScanRunner) loop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *ScanRunner) tick(ctx context.Context) {
	result, err := r.scanner.ScanAndEnqueue(ctx)
	if errors.Is(err, ErrScanInProgress) {
		r.logger.Debug("Previous scan still running, skipping tick")
		return
	}

	r.mu.Lock()
	r.cycles++
	r.lastRun = time.Now()
	r.lastErr = err
	if err == nil {
		r.lastResult = result
	}
	r.mu.Unlock()
}

// GetStatus returns the runner status
func (r *ScanRunner) GetStatus() *ScanRunnerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := &ScanRunnerStatus{
		Running:         r.running,
		Scanning:        r.scanner.Running(),
		IntervalSeconds: int(r.interval.Seconds()),
		Cycles:          r.cycles,
		LastRun:         r.lastRun,
		LastResult:      r.lastResult,
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	return status
}
