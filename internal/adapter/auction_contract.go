package adapter

import (
	"context"
	_ "embed"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/models"
)

//go:embed abi/auction.json
var auctionABIJSON string

// Field layout of the auctions(uint256) return tuple. It must move together
// with abi/auction.json whenever the contract is upgraded.
const (
	auctionFieldHighestBidder = 8
	auctionFieldHighestBid    = 9
	auctionFieldEndTime       = 7
	auctionFieldFinalized     = 10
	auctionFieldCount         = 11
)

// ContractCaller is the read side of an Ethereum client
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// AuctionContract reads auction state from the marketplace contract
type AuctionContract struct {
	caller  ContractCaller
	address common.Address
	abi     abi.ABI
}

// NewAuctionContract binds the auction ABI to address
func NewAuctionContract(caller ContractCaller, address string) (*AuctionContract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid contract address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(auctionABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse auction ABI: %w", err)
	}
	return &AuctionContract{
		caller:  caller,
		address: common.HexToAddress(address),
		abi:     parsed,
	}, nil
}

// Address returns the bound contract address
func (c *AuctionContract) Address() common.Address {
	return c.address
}

// GetAuctionState calls auctions(auctionID) at the latest block. An unknown
// id comes back as the zero tuple; see AuctionChainState.Exists.
func (c *AuctionContract) GetAuctionState(ctx context.Context, auctionID uint64) (*models.AuctionChainState, error) {
	id := models.FormatAuctionID(auctionID)

	input, err := c.abi.Pack("auctions", new(big.Int).SetUint64(auctionID))
	if err != nil {
		return nil, apperrors.NewChainReadFailedError(id, fmt.Errorf("failed to pack call: %w", err))
	}

	output, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: input}, nil)
	if err != nil {
		return nil, apperrors.NewChainReadFailedError(id, err)
	}

	values, err := c.abi.Unpack("auctions", output)
	if err != nil {
		return nil, apperrors.NewChainReadFailedError(id, fmt.Errorf("malformed auctions() response: %w", err))
	}
	if len(values) != auctionFieldCount {
		return nil, apperrors.NewChainReadFailedError(id,
			fmt.Errorf("auctions() returned %d fields, want %d", len(values), auctionFieldCount))
	}

	endTime, ok := values[auctionFieldEndTime].(*big.Int)
	if !ok || !endTime.IsInt64() {
		return nil, apperrors.NewChainReadFailedError(id, fmt.Errorf("unexpected endTime %v", values[auctionFieldEndTime]))
	}
	finalized, ok := values[auctionFieldFinalized].(bool)
	if !ok {
		return nil, apperrors.NewChainReadFailedError(id, fmt.Errorf("unexpected finalized %v", values[auctionFieldFinalized]))
	}

	state := &models.AuctionChainState{
		AuctionID: auctionID,
		EndTime:   endTime.Int64(),
		Finalized: finalized,
	}
	if bidder, ok := values[auctionFieldHighestBidder].(common.Address); ok && bidder != (common.Address{}) {
		state.HighestBidder = bidder.Hex()
	}
	if bid, ok := values[auctionFieldHighestBid].(*big.Int); ok {
		state.HighestBid = bid
	}
	return state, nil
}
