// Package events defines the real-time notifications emitted by the
// auction engine and the publishers that deliver them.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

// Type names an event kind.
type Type string

const (
	BidAccepted      Type = "bid_accepted"
	Outbid           Type = "outbid"
	AuctionExtended  Type = "auction_extended"
	AuctionFinalized Type = "auction_finalized"
)

// Event is one notification on an auction channel. When BidderID is set
// the event is scoped to that bidder only.
type Event struct {
	Type       Type      `json:"type"`
	AuctionID  string    `json:"auction_id"`
	BidderID   string    `json:"bidder_id,omitempty"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BidAcceptedPayload accompanies BidAccepted.
type BidAcceptedPayload struct {
	BidID    string             `json:"bid_id"`
	BidderID string             `json:"bidder_id"`
	Amount   decimal.Decimal    `json:"amount"`
	Stats    model.BiddingStats `json:"stats"`
}

// OutbidPayload accompanies Outbid.
type OutbidPayload struct {
	NewAmount  decimal.Decimal `json:"new_amount"`
	NewBidID   string          `json:"new_bid_id"`
	AuctionEnd time.Time       `json:"auction_end"`
}

// ExtendedPayload accompanies AuctionExtended.
type ExtendedPayload struct {
	PreviousEnd time.Time          `json:"previous_end"`
	NewEnd      time.Time          `json:"new_end"`
	Stats       model.BiddingStats `json:"stats"`
}

// FinalizedPayload accompanies AuctionFinalized. WinnerID and FinalPrice
// are nil when the auction closed without bids.
type FinalizedPayload struct {
	WinnerID   *string            `json:"winner_id"`
	FinalPrice *decimal.Decimal   `json:"final_price"`
	EndedAt    time.Time          `json:"ended_at"`
	Stats      model.BiddingStats `json:"stats"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every wrapped publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes e and logs delivery failures. Events are best effort and
// never fail the operation that produced them.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, e Event) {
	if p == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := p.Publish(ctx, e); err != nil {
		logger.Warn("event publish failed", "type", e.Type, "auction", e.AuctionID, "err", err)
	}
}
