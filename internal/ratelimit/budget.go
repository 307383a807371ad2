// Package ratelimit paces finalize submissions: a local token bucket per
// process and an optional budget shared by every replica through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auction-finalizer/internal/clock"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Second
	DefaultKeyPrefix  = "finalizer"
)

// consumeScript increments the window counter unless it would exceed the budget
var consumeScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
if used + n > tonumber(ARGV[2]) then
	return {0, used}
end
redis.call('INCRBY', KEYS[1], n)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {1, used + n}
`)

// SubmissionBudget caps relayer submissions per window across every process
// sharing the Redis instance. Windows are aligned to the window size.
type SubmissionBudget struct {
	redis      redis.Cmdable
	budget     int
	windowSize time.Duration
	keyPrefix  string
	clock      clock.Clock
}

// SubmissionBudgetConfig holds configuration for the shared budget.
type SubmissionBudgetConfig struct {
	// Redis is required; the budget cannot function without it.
	Redis redis.Cmdable

	// Budget is the number of submissions allowed per window. Required.
	Budget int

	// WindowSize is the window duration. Default: 1s.
	WindowSize time.Duration

	// KeyPrefix namespaces the counters. Default: "finalizer".
	KeyPrefix string

	Clock clock.Clock
}

// Validate checks if the configuration is valid.
func (c *SubmissionBudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Budget <= 0 {
		return fmt.Errorf("budget must be positive, got %d", c.Budget)
	}
	if c.WindowSize < 0 {
		return errors.New("window size cannot be negative")
	}
	return nil
}

// NewSubmissionBudget creates a new shared budget
func NewSubmissionBudget(cfg *SubmissionBudgetConfig) (*SubmissionBudget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	b := &SubmissionBudget{
		redis:      cfg.Redis,
		budget:     cfg.Budget,
		windowSize: cfg.WindowSize,
		keyPrefix:  cfg.KeyPrefix,
		clock:      cfg.Clock,
	}
	if b.windowSize == 0 {
		b.windowSize = DefaultWindowSize
	}
	if b.keyPrefix == "" {
		b.keyPrefix = DefaultKeyPrefix
	}
	if b.clock == nil {
		b.clock = clock.Real{}
	}
	return b, nil
}

func (b *SubmissionBudget) windowStart() time.Time {
	return b.clock.Now().Truncate(b.windowSize)
}

func (b *SubmissionBudget) key(windowStart time.Time) string {
	return b.keyPrefix + ":submit-budget:" + strconv.FormatInt(windowStart.UnixMilli(), 10)
}

// TryConsume takes one submission from the current window.
//
// Returns:
//   - allowed: true if the submission may proceed
//   - waitTime: time until the next window when not allowed
func (b *SubmissionBudget) TryConsume(ctx context.Context) (bool, time.Duration, error) {
	start := b.windowStart()

	// keys outlive their window slightly so late readers still see them
	ttl := 2 * b.windowSize
	result, err := consumeScript.Run(ctx, b.redis, []string{b.key(start)},
		1, b.budget, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to consume submission budget: %w", err)
	}

	if result[0] == 1 {
		return true, 0, nil
	}
	return false, b.untilNextWindow(start), nil
}

// untilNextWindow returns the time until the window after start begins
func (b *SubmissionBudget) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(b.windowSize).Sub(b.clock.Now())
	if wait < 0 {
		wait = 0
	}
	// small buffer so the retry lands in the new window
	return wait + time.Millisecond
}

// Used returns the submissions counted in the current window
func (b *SubmissionBudget) Used(ctx context.Context) (int, error) {
	n, err := b.redis.Get(ctx, b.key(b.windowStart())).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read submission budget: %w", err)
	}
	return n, nil
}

// Budget returns the configured submissions per window
func (b *SubmissionBudget) Budget() int {
	return b.budget
}
