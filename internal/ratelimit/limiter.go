package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/auction-finalizer/internal/logging"
)

// ErrContextCancelled is returned when the context ends while waiting for budget.
var ErrContextCancelled = errors.New("context cancelled while waiting for budget")

// sleeper waits for d or until ctx is done
type sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SubmissionLimiter gates every relayer submission. The local token bucket
// always applies; the shared budget applies when configured.
type SubmissionLimiter struct {
	local  *rate.Limiter
	shared *SubmissionBudget
	sleep  sleeper
	logger *logging.Logger
}

// NewSubmissionLimiter creates a limiter allowing perSecond submissions with
// the given burst. shared may be nil.
func NewSubmissionLimiter(perSecond float64, burst int, shared *SubmissionBudget, logger *logging.Logger) *SubmissionLimiter {
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &SubmissionLimiter{
		local:  rate.NewLimiter(limit, burst),
		shared: shared,
		sleep:  sleepCtx,
		logger: logger.WithComponent("submission-limiter"),
	}
}

// Wait blocks until a submission is allowed. It returns how long it waited.
// A failing shared budget is logged and skipped so a Redis outage does not
// stop finalization; the local bucket still applies.
func (l *SubmissionLimiter) Wait(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	// rate.Limiter.Wait rejects a deadline shorter than the delay without waiting
	r := l.local.Reserve()
	if !r.OK() {
		return time.Since(start), errors.New("submission burst is zero")
	}
	if d := r.Delay(); d > 0 {
		if err := l.sleep(ctx, d); err != nil {
			r.Cancel()
			return time.Since(start), ErrContextCancelled
		}
	}

	if l.shared == nil {
		return time.Since(start), nil
	}

	for {
		allowed, wait, err := l.shared.TryConsume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return time.Since(start), ErrContextCancelled
			}
			l.logger.WithError(err).Warn("Shared submission budget unavailable, continuing with local limit")
			return time.Since(start), nil
		}
		if allowed {
			return time.Since(start), nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return time.Since(start), ErrContextCancelled
		}
	}
}
