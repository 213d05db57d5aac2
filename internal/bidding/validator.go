package bidding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/apperr"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// Validator checks that an auction can take a bid right now.
type Validator struct {
	store store.Store
	now   func() time.Time
}

// NewValidator creates a Validator. now defaults to time.Now.
func NewValidator(st store.Store, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{store: st, now: now}
}

// ValidateAuctionState loads the auction and checks status and timing.
func (v *Validator) ValidateAuctionState(ctx context.Context, auctionID string) (*model.Auction, error) {
	a, err := v.store.GetAuction(ctx, auctionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("auction_not_found", "auction not found")
		}
		return nil, apperr.Internal(fmt.Errorf("load auction %s: %w", auctionID, err))
	}
	if !a.Status.Biddable() {
		return nil, apperr.InvalidState("auction_not_active",
			fmt.Sprintf("auction is %s", a.Status)).WithMeta("status", string(a.Status))
	}
	if err := CheckAuctionTiming(a, v.now()); err != nil {
		return nil, err
	}
	return a, nil
}

// CheckAuctionTiming rejects bids before start_date or after end_date.
func CheckAuctionTiming(a *model.Auction, now time.Time) error {
	if now.Before(a.StartDate) {
		return apperr.InvalidState("auction_not_started", "auction has not started").
			WithMeta("start_date", a.StartDate.UTC().Format(time.RFC3339))
	}
	if !now.Before(a.EndDate) {
		return apperr.InvalidState("auction_ended", "auction has ended").
			WithMeta("end_date", a.EndDate.UTC().Format(time.RFC3339))
	}
	return nil
}

// ValidateIncrementRules requires amount to exceed current by a whole
// multiple of increment. A non-positive increment only enforces the
// strictly-greater rule.
func ValidateIncrementRules(current, amount, increment decimal.Decimal) error {
	if amount.LessThanOrEqual(current) {
		return apperr.BadRequest("bid_too_low", "bid must be higher than the current price").
			WithMeta("current_price", current.String())
	}
	if increment.IsPositive() && !amount.Sub(current).Mod(increment).IsZero() {
		return apperr.BadRequest("invalid_increment", "bid must be the current price plus a multiple of the increment").
			WithMeta("current_price", current.String()).
			WithMeta("increment", increment.String()).
			WithMeta("next_valid_bid", current.Add(increment).String())
	}
	return nil
}
