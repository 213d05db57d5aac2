package bidding

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// StatsAggregator projects live bidding statistics from stored bids.
type StatsAggregator struct {
	store store.Store
}

// NewStatsAggregator creates a StatsAggregator.
func NewStatsAggregator(st store.Store) *StatsAggregator {
	return &StatsAggregator{store: st}
}

// Compute returns the stats of an auction's active bids.
func (a *StatsAggregator) Compute(ctx context.Context, auctionID string) (model.BiddingStats, error) {
	bids, err := a.store.ListActiveBids(ctx, auctionID)
	if err != nil {
		return model.BiddingStats{}, err
	}
	return ComputeStats(bids), nil
}

// ComputeStats expects bids ordered by amount desc, then recency desc.
func ComputeStats(bids []model.Bid) model.BiddingStats {
	if len(bids) == 0 {
		return model.BiddingStats{HighestBid: decimal.Zero}
	}

	first, last := bids[0].CreatedAt, bids[0].CreatedAt
	bidders := make(map[string]struct{}, len(bids))
	for _, b := range bids {
		bidders[b.BidderID] = struct{}{}
		if b.CreatedAt.Before(first) {
			first = b.CreatedAt
		}
		if b.CreatedAt.After(last) {
			last = b.CreatedAt
		}
	}

	// Floor the span at one second so a burst doesn't divide by zero.
	minutes := last.Sub(first).Minutes()
	if floor := (time.Second).Minutes(); minutes < floor {
		minutes = floor
	}

	lastBid := last
	return model.BiddingStats{
		HighestBid:    bids[0].Amount,
		HighestBidder: bids[0].BidderID,
		TotalBids:     len(bids),
		BidsPerMinute: float64(len(bids)) / minutes,
		ActiveBidders: len(bidders),
		LastBidTime:   &lastBid,
	}
}
