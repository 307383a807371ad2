package adapter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/logging"
)

const testTxHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

// fakeReceipts serves a receipt after notFoundFor lookups
type fakeReceipts struct {
	mu          sync.Mutex
	notFoundFor int
	lookups     int
	receipt     *ethtypes.Receipt
	lookupErr   error
	head        uint64
}

func (f *fakeReceipts) TransactionReceipt(_ context.Context, _ common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.lookups <= f.notFoundFor || f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeReceipts) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	head := f.head
	f.head++
	return head, nil
}

func minedReceipt(status uint64, block int64) *ethtypes.Receipt {
	return &ethtypes.Receipt{Status: status, BlockNumber: big.NewInt(block), GasUsed: 51000}
}

func TestReceiptWaiter_WaitsUntilMined(t *testing.T) {
	source := &fakeReceipts{notFoundFor: 2, receipt: minedReceipt(ethtypes.ReceiptStatusSuccessful, 100)}
	waiter := NewReceiptWaiter(source, time.Millisecond, 1, logging.NewNopLogger())

	receipt, err := waiter.Wait(context.Background(), testTxHash)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, uint64(100), receipt.BlockNumber)
	assert.Equal(t, uint64(51000), receipt.GasUsed)
	assert.Equal(t, 3, source.lookups)
}

func TestReceiptWaiter_RevertedStatus(t *testing.T) {
	source := &fakeReceipts{receipt: minedReceipt(ethtypes.ReceiptStatusFailed, 100)}
	waiter := NewReceiptWaiter(source, time.Millisecond, 1, logging.NewNopLogger())

	receipt, err := waiter.Wait(context.Background(), testTxHash)
	require.NoError(t, err)
	assert.False(t, receipt.Success)
}

func TestReceiptWaiter_WaitsForConfirmations(t *testing.T) {
	// head advances one block per check: 100, 101, 102
	source := &fakeReceipts{receipt: minedReceipt(ethtypes.ReceiptStatusSuccessful, 100), head: 100}
	waiter := NewReceiptWaiter(source, time.Millisecond, 3, logging.NewNopLogger())

	receipt, err := waiter.Wait(context.Background(), testTxHash)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, uint64(103), source.head)
}

func TestReceiptWaiter_DeadlineIsConfirmationTimeout(t *testing.T) {
	source := &fakeReceipts{}
	waiter := NewReceiptWaiter(source, time.Millisecond, 1, logging.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := waiter.Wait(ctx, testTxHash)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConfirmationTimeout))
}

func TestReceiptWaiter_CancelIsNotTimeout(t *testing.T) {
	source := &fakeReceipts{lookupErr: errors.New("connection refused")}
	waiter := NewReceiptWaiter(source, time.Millisecond, 1, logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := waiter.Wait(ctx, testTxHash)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, apperrors.HasCode(err, apperrors.CodeConfirmationTimeout))
}

func TestReceiptWaiter_RejectsMalformedHash(t *testing.T) {
	waiter := NewReceiptWaiter(&fakeReceipts{}, time.Millisecond, 1, logging.NewNopLogger())

	_, err := waiter.Wait(context.Background(), "0x1234")
	assert.Error(t, err)
}
