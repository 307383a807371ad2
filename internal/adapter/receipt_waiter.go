package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/logging"
	"github.com/auction-finalizer/internal/models"
)

// ReceiptSource is the part of an Ethereum client needed to observe mining
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// errNotConfirmed keeps the poll loop going
var errNotConfirmed = errors.New("transaction not yet confirmed")

// ReceiptWaiter polls for a transaction receipt until it has the required
// number of confirmations. The wait is bounded by the caller's context.
type ReceiptWaiter struct {
	source        ReceiptSource
	pollInterval  time.Duration
	confirmations uint64
	logger        *logging.Logger
}

// NewReceiptWaiter creates a waiter. Zero or one confirmations both mean
// "included in a block".
func NewReceiptWaiter(source ReceiptSource, pollInterval time.Duration, confirmations uint64, logger *logging.Logger) *ReceiptWaiter {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if confirmations == 0 {
		confirmations = 1
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ReceiptWaiter{
		source:        source,
		pollInterval:  pollInterval,
		confirmations: confirmations,
		logger:        logger.WithComponent("receipt-waiter"),
	}
}

// Wait blocks until txHash is confirmed or ctx ends. A deadline yields
// ConfirmationTimeout; cancellation is returned as is.
func (w *ReceiptWaiter) Wait(ctx context.Context, txHash string) (*models.TxReceipt, error) {
	if !isHexHash(txHash) {
		return nil, fmt.Errorf("invalid transaction hash %q", txHash)
	}
	hash := common.HexToHash(txHash)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.pollInterval
	b.MaxInterval = 4 * w.pollInterval
	b.Multiplier = 1.5
	b.MaxElapsedTime = 0

	poll := func() (*models.TxReceipt, error) {
		receipt, err := w.source.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, errNotConfirmed
		}
		if err != nil {
			w.logger.WithError(err).WithField("txHash", txHash).Debug("Receipt lookup failed, retrying")
			return nil, err
		}

		if w.confirmations > 1 {
			head, err := w.source.BlockNumber(ctx)
			if err != nil {
				return nil, err
			}
			mined := receipt.BlockNumber.Uint64()
			if head < mined || head-mined+1 < w.confirmations {
				return nil, errNotConfirmed
			}
		}

		return &models.TxReceipt{
			TxHash:      txHash,
			Success:     receipt.Status == ethtypes.ReceiptStatusSuccessful,
			BlockNumber: receipt.BlockNumber.Uint64(),
			GasUsed:     receipt.GasUsed,
		}, nil
	}

	receipt, err := backoff.RetryWithData[*models.TxReceipt](poll, backoff.WithContext(b, ctx))
	if err == nil {
		return receipt, nil
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, apperrors.NewConfirmationTimeoutError(txHash, err)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("failed waiting for receipt %s: %w", txHash, err)
}

func isHexHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
