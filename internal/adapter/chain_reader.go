// Package adapter provides the read side of the finalization pipeline: the
// auction indexer, the auction contract and transaction receipts.
package adapter

import (
	"context"

	"github.com/auction-finalizer/internal/models"
)

// AuctionLister lists candidate auctions. The result may lag the chain and
// is a candidate universe, not ground truth.
type AuctionLister interface {
	ListOpenAuctions(ctx context.Context) ([]*models.AuctionRecord, error)
}

// AuctionStateReader reads live contract state for one auction
type AuctionStateReader interface {
	GetAuctionState(ctx context.Context, auctionID uint64) (*models.AuctionChainState, error)
}

// ChainReader is the read-only query layer consumed by the scanner and the
// worker recheck. Failures are IndexUnavailable or ChainReadFailed errors.
type ChainReader interface {
	AuctionLister
	AuctionStateReader
}

// Reader joins an indexer and a contract into a ChainReader
type Reader struct {
	AuctionLister
	AuctionStateReader
}

// NewChainReader creates a ChainReader
func NewChainReader(lister AuctionLister, states AuctionStateReader) *Reader {
	return &Reader{AuctionLister: lister, AuctionStateReader: states}
}
