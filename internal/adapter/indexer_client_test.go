package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auction-finalizer/internal/circuitbreaker"
	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/logging"
)

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

// pageAfter serves ids [0, total) in pages of first, starting after the lastId cursor
func pageAfter(req graphQLRequest, total int) string {
	from := 0
	if cursor, _ := req.Variables["lastId"].(string); cursor != "" {
		var last int
		_, _ = fmt.Sscanf(cursor, "%d", &last)
		from = last + 1
	}
	first, _ := req.Variables["first"].(float64)
	to := from + int(first)
	if to > total {
		to = total
	}
	if from > to {
		from = to
	}
	return auctionsJSON(from, to)
}

// auctionsJSON renders ids [from, to) as a subgraph response
func auctionsJSON(from, to int) string {
	items := make([]string, 0, to-from)
	for id := from; id < to; id++ {
		items = append(items, fmt.Sprintf(`{"id":"%d","seller":"0x%040d","token":"0x%040d","tokenId":"%d","amount":"1","startingPrice":"1000000000000000000","duration":"3600","createdAt":"1700000000"}`,
			id, id, 1, id))
	}
	return `{"data":{"auctions":[` + strings.Join(items, ",") + `]}}`
}

func newTestIndexer(url string, pageSize int) *IndexerClient {
	return NewIndexerClient(IndexerClientConfig{
		URL:      url,
		Timeout:  2 * time.Second,
		PageSize: pageSize,
		MaxPages: 5,
		Logger:   logging.NewNopLogger(),
	})
}

func TestIndexerClient_ListOpenAuctionsPaginates(t *testing.T) {
	const total = 7
	var mu sync.Mutex
	var cursors []interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "finalized: false")
		assert.Contains(t, req.Query, "id_gt: $lastId")
		assert.NotContains(t, req.Variables, "skip")

		mu.Lock()
		cursors = append(cursors, req.Variables["lastId"])
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(pageAfter(req, total)))
	}))
	defer srv.Close()

	auctions, err := newTestIndexer(srv.URL, 3).ListOpenAuctions(context.Background())
	require.NoError(t, err)
	require.Len(t, auctions, total)
	assert.Equal(t, []interface{}{"", "2", "5"}, cursors, "each page starts after the last id seen")

	for i, a := range auctions {
		assert.Equal(t, uint64(i), a.AuctionID)
	}
	assert.Equal(t, "1000000000000000000", auctions[0].StartingPrice.String())
	assert.Equal(t, uint64(3600), auctions[0].Duration)
	assert.Equal(t, int64(1700000000), auctions[0].CreatedAt.Unix())
}

func TestIndexerClient_EmptyIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"auctions":[]}}`))
	}))
	defer srv.Close()

	auctions, err := newTestIndexer(srv.URL, 10).ListOpenAuctions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, auctions)
}

func TestIndexerClient_FailuresAreIndexUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantMsg: "status=500"},
		{name: "graphql errors", status: http.StatusOK, body: `{"errors":[{"message":"indexing_error"}]}`, wantMsg: "indexing_error"},
		{name: "malformed json", status: http.StatusOK, body: `{"data":`, wantMsg: "malformed JSON"},
		{name: "missing list", status: http.StatusOK, body: `{"data":{}}`, wantMsg: "data.auctions"},
		{name: "bad id", status: http.StatusOK, body: `{"data":{"auctions":[{"id":"-1"}]}}`, wantMsg: "invalid id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			auctions, err := newTestIndexer(srv.URL, 10).ListOpenAuctions(context.Background())
			require.Error(t, err)
			assert.Nil(t, auctions)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeIndexUnavailable))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestIndexerClient_FailureMidPaginationDiscardsPartialList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Variables["lastId"] != "" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(auctionsJSON(0, 2)))
	}))
	defer srv.Close()

	auctions, err := newTestIndexer(srv.URL, 2).ListOpenAuctions(context.Background())
	require.Error(t, err)
	assert.Nil(t, auctions)
}

func TestIndexerClient_OpenBreakerSkipsRequests(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewIndexerClient(IndexerClientConfig{
		URL: srv.URL,
		Breaker: circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Name:                   "indexer-test",
			MaxConsecutiveFailures: 2,
			Timeout:                time.Minute,
			HalfOpenMaxCalls:       1,
			Logger:                 logging.NewNopLogger(),
		}),
		Logger: logging.NewNopLogger(),
	})

	for i := 0; i < 3; i++ {
		_, err := client.ListOpenAuctions(context.Background())
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeIndexUnavailable))
	}
	assert.Equal(t, int32(2), requests.Load())

	_, err := client.ListOpenAuctions(context.Background())
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}

func TestIndexerClient_PageLimitTruncates(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var req graphQLRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_, _ = w.Write([]byte(pageAfter(req, 100)))
	}))
	defer srv.Close()

	auctions, err := newTestIndexer(srv.URL, 2).ListOpenAuctions(context.Background())
	require.NoError(t, err)
	assert.Len(t, auctions, 10)
	assert.Equal(t, int32(5), requests.Load())
	assert.Equal(t, uint64(9), auctions[9].AuctionID)
}
