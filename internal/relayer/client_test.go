package relayer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auction-finalizer/internal/circuitbreaker"
	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/logging"
)

const txHash = "0xabababababababababababababababababababababababababababababababab"

func newTestClient(url string) *Client {
	return NewClient(Config{
		URL:     url,
		APIKey:  "secret",
		Timeout: time.Second,
		Logger:  logging.NewNopLogger(),
	})
}

func TestClient_FinalizeAuction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transactions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req SubmitRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "finalizeAuction", req.FunctionName)
		assert.Equal(t, []string{"42"}, req.Args)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"txHash":"` + txHash + `"}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL+"/").FinalizeAuction(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, txHash, got)
}

func TestClient_FailuresAreSubmissionFailed(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "gateway error", status: http.StatusInternalServerError, body: `{"error":"nonce too low"}`, wantMsg: "nonce too low"},
		{name: "plain text error", status: http.StatusBadGateway, body: "upstream down", wantMsg: "upstream down"},
		{name: "missing hash", status: http.StatusOK, body: `{}`, wantMsg: "invalid txHash"},
		{name: "short hash", status: http.StatusOK, body: `{"txHash":"0x1234"}`, wantMsg: "invalid txHash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).FinalizeAuction(context.Background(), 7)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeSubmissionFailed))
			assert.True(t, apperrors.IsRetryable(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).FinalizeAuction(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSubmissionFailed))
}

func TestClient_OpenBreakerIsSubmissionFailed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(Config{
		URL: srv.URL,
		Breaker: circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Name:                   "relayer-test",
			MaxConsecutiveFailures: 1,
			Timeout:                time.Minute,
			Logger:                 logging.NewNopLogger(),
		}),
		Logger: logging.NewNopLogger(),
	})

	_, err := client.FinalizeAuction(context.Background(), 1)
	require.Error(t, err)

	_, err = client.FinalizeAuction(context.Background(), 1)
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSubmissionFailed))
	assert.Equal(t, int32(1), hits.Load())
}
