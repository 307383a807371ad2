package models

import (
	"math/big"
	"strconv"
	"time"
)

// AuctionRecord is an auction as reported by the indexer. Never mutated here.
type AuctionRecord struct {
	AuctionID     uint64    `json:"auctionId"`
	Seller        string    `json:"seller"`
	Token         string    `json:"token"`
	TokenID       *big.Int  `json:"tokenId"`
	Amount        *big.Int  `json:"amount"`
	StartingPrice *big.Int  `json:"startingPrice"`
	Duration      uint64    `json:"duration"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AuctionChainState is a snapshot of the contract's auctions(id) entry
type AuctionChainState struct {
	AuctionID     uint64   `json:"auctionId"`
	EndTime       int64    `json:"endTime"` // epoch seconds
	Finalized     bool     `json:"finalized"`
	HighestBidder string   `json:"highestBidder,omitempty"`
	HighestBid    *big.Int `json:"highestBid,omitempty"`
	BlockNumber   uint64   `json:"blockNumber,omitempty"`
}

// Exists reports whether the contract has a record for the auction.
// Unknown ids read back as the zero tuple.
func (s *AuctionChainState) Exists() bool {
	return s.EndTime != 0
}

// IsDue reports whether the auction should be finalized at now:
// it exists, its end time has elapsed and it is not yet finalized.
func (s *AuctionChainState) IsDue(now time.Time) bool {
	return s.Exists() && !s.Finalized && now.Unix() >= s.EndTime
}

// FormatAuctionID renders an auction id the way it appears in keys, logs and relayer args
func FormatAuctionID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
