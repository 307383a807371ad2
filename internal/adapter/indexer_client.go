package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/auction-finalizer/internal/circuitbreaker"
	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/logging"
	"github.com/auction-finalizer/internal/models"
)

// openAuctionsQuery pages with an id_gt cursor; hosted subgraphs cap skip
const openAuctionsQuery = `query OpenAuctions($first: Int!, $lastId: ID!) {
  auctions(first: $first, orderBy: id, orderDirection: asc, where: { finalized: false, id_gt: $lastId }) {
    id
    seller
    token
    tokenId
    amount
    startingPrice
    duration
    createdAt
  }
}`

// IndexerClientConfig configures the subgraph client
type IndexerClientConfig struct {
	URL      string
	Timeout  time.Duration
	PageSize int
	MaxPages int
	Breaker  *circuitbreaker.CircuitBreaker
	Logger   *logging.Logger
}

// IndexerClient lists open auctions from a GraphQL subgraph
type IndexerClient struct {
	url        string
	httpClient *http.Client
	pageSize   int
	maxPages   int
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logging.Logger
}

// NewIndexerClient creates a new subgraph client
func NewIndexerClient(cfg IndexerClientConfig) *IndexerClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("indexer"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}
	return &IndexerClient{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pageSize:   cfg.PageSize,
		maxPages:   cfg.MaxPages,
		breaker:    cfg.Breaker,
		logger:     cfg.Logger.WithComponent("indexer"),
	}
}

// ListOpenAuctions pages through every auction the indexer reports as not
// finalized. Any failure fails the whole listing with IndexUnavailable.
func (c *IndexerClient) ListOpenAuctions(ctx context.Context) ([]*models.AuctionRecord, error) {
	var auctions []*models.AuctionRecord
	cursor := ""

	for page := 0; page < c.maxPages; page++ {
		var batch []*models.AuctionRecord
		var lastID string
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			batch, lastID, err = c.fetchPage(ctx, cursor)
			return err
		})
		if err != nil {
			return nil, apperrors.NewIndexUnavailableError(err)
		}

		auctions = append(auctions, batch...)
		if len(batch) < c.pageSize {
			return auctions, nil
		}
		cursor = lastID
	}

	c.logger.WithFields(map[string]interface{}{
		"pages":    c.maxPages,
		"auctions": len(auctions),
	}).Warn("Page limit reached, candidate list truncated")
	return auctions, nil
}

// fetchPage returns up to pageSize auctions with ids after cursor, plus the
// raw id of the last one for the next cursor
func (c *IndexerClient) fetchPage(ctx context.Context, cursor string) ([]*models.AuctionRecord, string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"query": openAuctionsQuery,
		"variables": map[string]interface{}{
			"first":  c.pageSize,
			"lastId": cursor,
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query indexer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read indexer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("indexer error: status=%d, body=%s", resp.StatusCode, truncateBody(body))
	}

	return parseAuctions(body)
}

func parseAuctions(body []byte) ([]*models.AuctionRecord, string, error) {
	if !gjson.ValidBytes(body) {
		return nil, "", fmt.Errorf("indexer returned malformed JSON")
	}
	if errs := gjson.GetBytes(body, "errors"); errs.Exists() && len(errs.Array()) > 0 {
		return nil, "", fmt.Errorf("indexer query failed: %s", errs.Get("0.message").String())
	}

	list := gjson.GetBytes(body, "data.auctions")
	if !list.IsArray() {
		return nil, "", fmt.Errorf("indexer response has no data.auctions array")
	}

	var auctions []*models.AuctionRecord
	var lastID string
	for i, item := range list.Array() {
		rec, err := parseAuction(item)
		if err != nil {
			return nil, "", fmt.Errorf("auction %d: %w", i, err)
		}
		auctions = append(auctions, rec)
		lastID = item.Get("id").String()
	}
	return auctions, lastID, nil
}

func parseAuction(item gjson.Result) (*models.AuctionRecord, error) {
	id, err := strconv.ParseUint(item.Get("id").String(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", item.Get("id").String(), err)
	}

	rec := &models.AuctionRecord{
		AuctionID:     id,
		Seller:        item.Get("seller").String(),
		Token:         item.Get("token").String(),
		TokenID:       bigField(item, "tokenId"),
		Amount:        bigField(item, "amount"),
		StartingPrice: bigField(item, "startingPrice"),
		Duration:      item.Get("duration").Uint(),
	}
	if created := item.Get("createdAt").Int(); created > 0 {
		rec.CreatedAt = time.Unix(created, 0).UTC()
	}
	return rec, nil
}

// bigField reads a decimal string field, which subgraphs use for uint256
func bigField(item gjson.Result, name string) *big.Int {
	v, ok := new(big.Int).SetString(item.Get(name).String(), 10)
	if !ok {
		return nil
	}
	return v
}

func truncateBody(body []byte) string {
	const maxLen = 256
	if len(body) <= maxLen {
		return string(body)
	}
	return string(body[:maxLen]) + "..."
}
