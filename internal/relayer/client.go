// Package relayer is the client for the relayer gateway, the service that
// owns the funded signing key and submits transactions on our behalf.
package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"

	"github.com/auction-finalizer/internal/circuitbreaker"
	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/logging"
	"github.com/auction-finalizer/internal/models"
)

// FunctionFinalizeAuction is the contract function the gateway encodes
const FunctionFinalizeAuction = "finalizeAuction"

// SubmitRequest asks the gateway to call FunctionName with Args
type SubmitRequest struct {
	FunctionName string   `json:"functionName"`
	Args         []string `json:"args"`
}

// Config configures the gateway client
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Breaker *circuitbreaker.CircuitBreaker
	Logger  *logging.Logger
}

// Client submits transactions through the relayer gateway
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logging.Logger
}

// NewClient creates a new gateway client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("relayer"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    cfg.Breaker,
		logger:     cfg.Logger.WithComponent("relayer"),
	}
}

// FinalizeAuction submits finalizeAuction(auctionID) and returns the
// transaction hash. Every failure is a retryable SubmissionFailed error.
func (c *Client) FinalizeAuction(ctx context.Context, auctionID uint64) (string, error) {
	id := models.FormatAuctionID(auctionID)

	var txHash string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		txHash, err = c.submit(ctx, SubmitRequest{
			FunctionName: FunctionFinalizeAuction,
			Args:         []string{id},
		})
		return err
	})
	if err != nil {
		return "", apperrors.NewSubmissionFailedError(id, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"auctionId": id,
		"txHash":    txHash,
	}).Debug("Finalize transaction submitted")
	return txHash, nil
}

func (c *Client) submit(ctx context.Context, submission SubmitRequest) (string, error) {
	payload, err := json.Marshal(submission)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach relayer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read relayer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return "", fmt.Errorf("relayer error: status=%d, message=%s", resp.StatusCode, msg)
	}

	txHash := gjson.GetBytes(body, "txHash").String()
	if b, err := hexutil.Decode(txHash); err != nil || len(b) != 32 {
		return "", fmt.Errorf("relayer returned invalid txHash %q", txHash)
	}
	return txHash, nil
}
