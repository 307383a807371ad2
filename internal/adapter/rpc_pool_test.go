package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auction-finalizer/internal/clock"
	"github.com/auction-finalizer/internal/logging"
)

// newRPCServer answers eth_blockNumber with block, or 429 when limited is set
func newRPCServer(t *testing.T, block string, limited *atomic.Bool, hits *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if limited.Load() {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  block,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRPCPool_FailsOverOnRateLimit(t *testing.T) {
	var primaryLimited, secondaryLimited atomic.Bool
	var primaryHits, secondaryHits atomic.Int32
	primaryLimited.Store(true)

	primary := newRPCServer(t, "0x10", &primaryLimited, &primaryHits)
	secondary := newRPCServer(t, "0x20", &secondaryLimited, &secondaryHits)

	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints:    []string{primary.URL, secondary.URL},
		CooldownTime: time.Minute,
		Clock:        fake,
		Logger:       logging.NewNopLogger(),
	})
	require.NoError(t, err)
	defer pool.Close()

	n, err := pool.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20), n)
	assert.Equal(t, 1, pool.GetCurrentIndex())
	assert.Equal(t, int32(1), primaryHits.Load())

	status := pool.Status()
	assert.True(t, status.EndpointStatus[0].InCooldown)
	assert.True(t, status.EndpointStatus[1].IsCurrent)

	// primary stays benched until its cooldown passes
	assert.False(t, pool.TryResetToPrimary())
	fake.Advance(2 * time.Minute)
	primaryLimited.Store(false)
	assert.True(t, pool.TryResetToPrimary())

	n, err = pool.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), n)
}

func TestRPCPool_AllEndpointsLimited(t *testing.T) {
	var limited atomic.Bool
	var hitsA, hitsB atomic.Int32
	limited.Store(true)

	a := newRPCServer(t, "0x1", &limited, &hitsA)
	b := newRPCServer(t, "0x1", &limited, &hitsB)

	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints: []string{a.URL, b.URL},
		Logger:    logging.NewNopLogger(),
	})
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.BlockNumber(context.Background())
	require.Error(t, err)
	assert.True(t, IsRateLimitError(err))
	assert.Contains(t, err.Error(), "all 2 RPC endpoints are rate limited")
}

func TestIsRateLimitError(t *testing.T) {
	assert.False(t, IsRateLimitError(nil))
	assert.True(t, IsRateLimitError(errors.New("429 Too Many Requests")))
	assert.True(t, IsRateLimitError(errors.New("request throttled")))
	assert.False(t, IsRateLimitError(errors.New("execution reverted")))
}

func TestNewRPCPool_RequiresEndpoint(t *testing.T) {
	_, err := NewRPCPool(&RPCPoolConfig{})
	assert.Error(t, err)
}
