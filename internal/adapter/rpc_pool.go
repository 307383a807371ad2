package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/auction-finalizer/internal/clock"
	"github.com/auction-finalizer/internal/logging"
)

// RPCPool manages multiple RPC endpoints with failover on rate limiting (429).
// Strategy: stick to the current endpoint until it is rate limited, then
// switch to the next one out of cooldown.
type RPCPool struct {
	endpoints    []string
	clients      []*ethclient.Client
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time // when each endpoint was rate limited
	cooldownTime time.Duration
	clock        clock.Clock
	logger       *logging.Logger
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	// Endpoints is a list of RPC URLs, primary first
	Endpoints []string
	// CooldownTime is how long to wait before retrying a rate-limited endpoint.
	// Default: 60 seconds
	CooldownTime time.Duration
	Clock        clock.Clock
	Logger       *logging.Logger
}

// NewRPCPool creates a new RPC pool from multiple endpoints
func NewRPCPool(cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	cooldownTime := cfg.CooldownTime
	if cooldownTime == 0 {
		cooldownTime = 60 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	pool := &RPCPool{
		endpoints:    cfg.Endpoints,
		clients:      make([]*ethclient.Client, len(cfg.Endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldownTime,
		clock:        clk,
		logger:       logger.WithComponent("rpc-pool"),
	}

	// Connect to first endpoint only (lazy connect others)
	client, err := ethclient.Dial(cfg.Endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.clients[0] = client

	pool.logger.WithField("endpoints", len(cfg.Endpoints)).Info("RPC pool initialized")

	return pool, nil
}

// GetClient returns the current active client
func (p *RPCPool) GetClient() *ethclient.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.clients[p.currentIndex]
}

// GetCurrentIndex returns the current endpoint index
func (p *RPCPool) GetCurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.currentIndex
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// OnRateLimited marks the current endpoint as rate limited and switches to
// the next available one. It fails when every endpoint is cooling down.
func (p *RPCPool) OnRateLimited() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	p.cooldowns[p.currentIndex] = now
	startIndex := p.currentIndex

	for i := 0; i < len(p.endpoints); i++ {
		nextIndex := (startIndex + 1 + i) % len(p.endpoints)

		if since, exists := p.cooldowns[nextIndex]; exists {
			if now.Sub(since) < p.cooldownTime {
				continue
			}
			delete(p.cooldowns, nextIndex)
		}

		if err := p.switchToEndpoint(nextIndex); err != nil {
			p.logger.WithError(err).WithField("endpoint", nextIndex).Warn("Failed to switch endpoint")
			continue
		}

		p.logger.WithFields(map[string]interface{}{
			"from": startIndex,
			"to":   nextIndex,
		}).Warn("RPC endpoint rate limited, switched")
		return nil
	}

	return fmt.Errorf("all %d RPC endpoints are rate limited", len(p.endpoints))
}

// switchToEndpoint switches to a specific endpoint (must hold lock)
func (p *RPCPool) switchToEndpoint(index int) error {
	if p.clients[index] == nil {
		client, err := ethclient.Dial(p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}

	p.currentIndex = index
	return nil
}

// TryResetToPrimary switches back to the primary endpoint once its cooldown
// has expired
func (p *RPCPool) TryResetToPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 {
		return true
	}

	if since, exists := p.cooldowns[0]; exists {
		if p.clock.Now().Sub(since) < p.cooldownTime {
			return false
		}
		delete(p.cooldowns, 0)
	}

	if err := p.switchToEndpoint(0); err != nil {
		p.logger.WithError(err).Warn("Failed to reset to primary endpoint")
		return false
	}

	p.logger.Info("Reset to primary RPC endpoint")
	return true
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

// do runs fn against the current client, failing over once per remaining
// endpoint while the error is a rate limit
func (p *RPCPool) do(ctx context.Context, fn func(*ethclient.Client) error) error {
	var err error
	for i := 0; i < len(p.endpoints); i++ {
		if err = fn(p.GetClient()); err == nil || !IsRateLimitError(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if failErr := p.OnRateLimited(); failErr != nil {
			return fmt.Errorf("%w (%v)", err, failErr)
		}
	}
	return err
}

// CallContract executes a read-only contract call
func (p *RPCPool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := p.do(ctx, func(c *ethclient.Client) error {
		var err error
		out, err = c.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

// TransactionReceipt returns the receipt of a mined transaction
func (p *RPCPool) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	var receipt *ethtypes.Receipt
	err := p.do(ctx, func(c *ethclient.Client) error {
		var err error
		receipt, err = c.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

// BlockNumber returns the most recent block number
func (p *RPCPool) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.do(ctx, func(c *ethclient.Client) error {
		var err error
		n, err = c.BlockNumber(ctx)
		return err
	})
	return n, err
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}

// Status returns the current status of the pool
func (p *RPCPool) Status() *RPCPoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.clock.Now()
	status := &RPCPoolStatus{
		TotalEndpoints: len(p.endpoints),
		CurrentIndex:   p.currentIndex,
		EndpointStatus: make([]EndpointStatus, len(p.endpoints)),
	}

	for i := range p.endpoints {
		es := EndpointStatus{
			Index:     i,
			Connected: p.clients[i] != nil,
			IsCurrent: i == p.currentIndex,
		}

		if since, exists := p.cooldowns[i]; exists {
			if remaining := p.cooldownTime - now.Sub(since); remaining > 0 {
				es.InCooldown = true
				es.CooldownRemaining = remaining
			}
		}

		status.EndpointStatus[i] = es
	}

	return status
}

// RPCPoolStatus represents the current status of the RPC pool
type RPCPoolStatus struct {
	TotalEndpoints int              `json:"totalEndpoints"`
	CurrentIndex   int              `json:"currentIndex"`
	EndpointStatus []EndpointStatus `json:"endpoints"`
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index             int           `json:"index"`
	Connected         bool          `json:"connected"`
	IsCurrent         bool          `json:"isCurrent"`
	InCooldown        bool          `json:"inCooldown"`
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
}
