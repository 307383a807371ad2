package adapter

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/auction-finalizer/internal/errors"
)

const testContract = "0x00000000000000000000000000000000000000aa"

type fakeCaller struct {
	output []byte
	err    error
	calls  []ethereum.CallMsg
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls = append(f.calls, msg)
	return f.output, f.err
}

func packAuction(t *testing.T, endTime int64, finalized bool, bidder common.Address, bid int64) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(auctionABIJSON))
	require.NoError(t, err)

	out, err := parsed.Methods["auctions"].Outputs.Pack(
		common.HexToAddress("0x01"), common.HexToAddress("0x02"),
		big.NewInt(5), big.NewInt(1), big.NewInt(100), big.NewInt(3600),
		big.NewInt(endTime-3600), big.NewInt(endTime),
		bidder, big.NewInt(bid), finalized,
	)
	require.NoError(t, err)
	return out
}

func TestAuctionContract_GetAuctionState(t *testing.T) {
	bidder := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	caller := &fakeCaller{output: packAuction(t, 1_700_000_000, false, bidder, 42)}

	contract, err := NewAuctionContract(caller, testContract)
	require.NoError(t, err)

	state, err := contract.GetAuctionState(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, uint64(42), state.AuctionID)
	assert.Equal(t, int64(1_700_000_000), state.EndTime)
	assert.False(t, state.Finalized)
	assert.True(t, state.Exists())
	assert.Equal(t, bidder.Hex(), state.HighestBidder)
	assert.Equal(t, int64(42), state.HighestBid.Int64())

	require.Len(t, caller.calls, 1)
	assert.Equal(t, common.HexToAddress(testContract), *caller.calls[0].To)
	// selector plus one uint256 argument
	assert.Len(t, caller.calls[0].Data, 4+32)
	assert.Equal(t, byte(42), caller.calls[0].Data[35])
}

func TestAuctionContract_UnknownAuctionReadsAsZeroTuple(t *testing.T) {
	caller := &fakeCaller{output: packAuction(t, 0, false, common.Address{}, 0)}
	contract, err := NewAuctionContract(caller, testContract)
	require.NoError(t, err)

	state, err := contract.GetAuctionState(context.Background(), 9)
	require.NoError(t, err)
	assert.False(t, state.Exists())
	assert.Empty(t, state.HighestBidder)
}

func TestAuctionContract_Errors(t *testing.T) {
	tests := []struct {
		name   string
		caller *fakeCaller
	}{
		{name: "rpc error", caller: &fakeCaller{err: errors.New("connection reset")}},
		{name: "short output", caller: &fakeCaller{output: []byte{0x01, 0x02}}},
		{name: "empty output", caller: &fakeCaller{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contract, err := NewAuctionContract(tt.caller, testContract)
			require.NoError(t, err)

			_, err = contract.GetAuctionState(context.Background(), 7)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeChainReadFailed))
			assert.True(t, apperrors.IsRetryable(err))
		})
	}
}

func TestNewAuctionContract_RejectsBadAddress(t *testing.T) {
	_, err := NewAuctionContract(&fakeCaller{}, "not-an-address")
	assert.Error(t, err)
}
