package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/auction-finalizer/internal/clock"
	"github.com/auction-finalizer/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when too many requests are made in half-open state
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// MaxConsecutiveFailures opens the circuit from closed
	MaxConsecutiveFailures int
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// HalfOpenMaxCalls successful trial calls close the circuit again
	HalfOpenMaxCalls int
	// IsFailure decides which errors count against the circuit. Defaults to
	// every non-nil error except caller cancellation.
	IsFailure func(error) bool
	Clock     clock.Clock
	Logger    *logging.Logger
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                   name,
		MaxConsecutiveFailures: 5,
		Timeout:                30 * time.Second,
		HalfOpenMaxCalls:       1,
	}
}

// CircuitBreaker guards calls to a remote dependency
type CircuitBreaker struct {
	name             string
	maxFailures      int
	timeout          time.Duration
	halfOpenMaxCalls int
	isFailure        func(error) bool
	clock            clock.Clock
	logger           *logging.Logger

	mu               sync.Mutex
	state            State
	consecutiveFails int
	halfOpenInFlight int
	halfOpenSuccess  int
	totalFailures    int64
	totalCalls       int64
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             config.Name,
		maxFailures:      config.MaxConsecutiveFailures,
		timeout:          config.Timeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		isFailure:        config.IsFailure,
		clock:            config.Clock,
		logger:           config.Logger,
		state:            StateClosed,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.halfOpenMaxCalls <= 0 {
		cb.halfOpenMaxCalls = 1
	}
	if cb.isFailure == nil {
		cb.isFailure = defaultIsFailure
	}
	if cb.clock == nil {
		cb.clock = clock.Real{}
	}
	if cb.logger == nil {
		cb.logger = logging.GetGlobalLogger()
	}
	cb.logger = cb.logger.WithField("circuitBreaker", cb.name)
	cb.lastStateChange = cb.clock.Now()
	return cb
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastStateChange) < cb.timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.logger.Info("Circuit breaker transitioning to half-open")
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.halfOpenMaxCalls {
			return ErrTooManyRequests
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	failed := cb.isFailure(err)

	if cb.state == StateHalfOpen {
		cb.halfOpenInFlight--
		if failed {
			cb.totalFailures++
			cb.setState(StateOpen)
			cb.logger.WithError(err).Warn("Circuit breaker reopened after failure in half-open state")
			return
		}
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.halfOpenMaxCalls {
			cb.setState(StateClosed)
			cb.logger.Info("Circuit breaker closed after successful recovery")
		}
		return
	}

	if !failed {
		cb.consecutiveFails = 0
		return
	}
	cb.totalFailures++
	cb.consecutiveFails++
	if cb.state == StateClosed && cb.consecutiveFails >= cb.maxFailures {
		cb.setState(StateOpen)
		cb.logger.WithError(err).WithField("consecutiveFails", cb.maxFailures).Warn("Circuit breaker opened due to failures")
	}
}

// setState changes state and clears the per-state counters
func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = cb.clock.Now()
	cb.consecutiveFails = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccess = 0
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	TotalFailures    int64     `json:"totalFailures"`
	TotalCalls       int64     `json:"totalCalls"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &Stats{
		Name:             cb.name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		TotalFailures:    cb.totalFailures,
		TotalCalls:       cb.totalCalls,
		LastStateChange:  cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.logger.Info("Circuit breaker manually reset")
}
