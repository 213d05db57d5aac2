// Package bidding accepts bids on live auctions. It validates amounts
// against the auction's increment rules, serializes commits per auction,
// appends each accepted bid to the auction's hash chain and replays stored
// responses for repeated idempotency keys.
package bidding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/apperr"
	"github.com/atmx/auction-engine/internal/events"
	"github.com/atmx/auction-engine/internal/lock"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// RiskChecker reports whether a user may bid. A non-nil error is returned
// to the caller unchanged.
type RiskChecker interface {
	Check(ctx context.Context, userID string) error
}

// Deps are the collaborators of a Service. Locker and Publisher default
// to an in-process mutex and a no-op publisher.
type Deps struct {
	Store     store.Store
	Risk      RiskChecker
	Locker    lock.Locker
	Publisher events.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service places bids.
type Service struct {
	store     store.Store
	validator *Validator
	locked    *Validator
	stats     *StatsAggregator
	risk      RiskChecker
	locker    lock.Locker
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a bid placement service.
func NewService(d Deps) *Service {
	if d.Locker == nil {
		d.Locker = lock.NewKeyedMutex()
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		store:     d.Store,
		validator: NewValidator(d.Store, d.Now),
		locked:    NewValidator(store.Primary(d.Store), d.Now),
		stats:     NewStatsAggregator(d.Store),
		risk:      d.Risk,
		locker:    d.Locker,
		publisher: d.Publisher,
		logger:    d.Logger,
		now:       d.Now,
	}
}

// PlaceBidInput is one bid request. Amount is the decimal string sent by
// the client, in minor units.
type PlaceBidInput struct {
	AuctionID      string
	BidderID       string
	Amount         string
	IdempotencyKey string
}

// BidResponse is the canonical body of an accepted bid.
type BidResponse struct {
	AuctionID string          `json:"auctionId"`
	BidID     string          `json:"bidId"`
	Amount    decimal.Decimal `json:"amount"`
}

// BidOutcome is the result of PlaceBid. Body is the exact bytes to return
// to the client; for a replay it is the stored response, byte for byte.
type BidOutcome struct {
	Response   BidResponse
	Body       []byte
	StatusCode int
	Replayed   bool
}

// PlaceBid validates and commits one bid.
func (s *Service) PlaceBid(ctx context.Context, in PlaceBidInput) (*BidOutcome, error) {
	start := time.Now()
	out, err := s.placeBid(ctx, in)
	metrics.BidLatency.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		reason := "internal_error"
		if e, ok := apperr.As(err); ok {
			reason = e.Reason
		}
		metrics.BidsRejected.WithLabelValues(reason).Inc()
	case out.Replayed:
		metrics.IdempotentReplays.Inc()
	default:
		metrics.BidsAccepted.Inc()
	}
	return out, err
}

func (s *Service) placeBid(ctx context.Context, in PlaceBidInput) (*BidOutcome, error) {
	bidderID := strings.TrimSpace(in.BidderID)
	if bidderID == "" {
		return nil, apperr.Unauthorized("unauthenticated", "authentication required")
	}
	amount, err := parseAmount(in.Amount)
	if err != nil {
		return nil, err
	}

	if s.risk != nil {
		if err := s.risk.Check(ctx, bidderID); err != nil {
			return nil, err
		}
	}

	if in.IdempotencyKey != "" {
		if out, err := s.replay(ctx, in.IdempotencyKey, in.AuctionID, bidderID); out != nil || err != nil {
			return out, err
		}
	}

	// First read: fail fast without taking the lock. Keyed requests are
	// validated only under the lock, after the replay re-check.
	if in.IdempotencyKey == "" {
		first, err := s.validator.ValidateAuctionState(ctx, in.AuctionID)
		if err != nil {
			return nil, err
		}
		if err := ValidateIncrementRules(first.CurrentPrice, amount, first.IncrementAmount); err != nil {
			return nil, err
		}
	}

	c, err := s.commitLocked(ctx, in.AuctionID, bidderID, amount, in.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if c.replay != nil {
		return c.replay, nil
	}

	s.logger.Info("bid accepted",
		"auction", in.AuctionID,
		"bid_id", c.bid.ID,
		"bidder", bidderID,
		"amount", amount.String(),
		"seq", c.entry.Seq,
	)
	s.announce(ctx, c)

	return &BidOutcome{
		Response:   c.response,
		Body:       c.body,
		StatusCode: http.StatusCreated,
	}, nil
}

// committed carries the result of the locked section.
type committed struct {
	auction    *model.Auction
	bid        model.Bid
	entry      *model.BidLedgerEntry
	prevBidder string
	response   BidResponse
	body       []byte
	replay     *BidOutcome
}

func (s *Service) commitLocked(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal, idemKey string) (*committed, error) {
	unlock, err := s.locker.Lock(ctx, "auction:"+auctionID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("lock auction %s: %w", auctionID, err))
	}
	defer unlock()

	// Double-checked: a concurrent request with the same key may have
	// committed while we waited.
	if idemKey != "" {
		out, err := s.replay(ctx, idemKey, auctionID, bidderID)
		if err != nil {
			return nil, err
		}
		if out != nil {
			return &committed{replay: out}, nil
		}
	}

	fresh, err := s.locked.ValidateAuctionState(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if err := ValidateIncrementRules(fresh.CurrentPrice, amount, fresh.IncrementAmount); err != nil {
		return nil, err
	}

	var prevBidder string
	if fresh.HighestBidID != "" {
		prev, err := s.store.GetBid(ctx, fresh.HighestBidID)
		if err != nil {
			s.logger.Warn("previous highest bid unreadable", "auction", auctionID, "bid_id", fresh.HighestBidID, "err", err)
		} else {
			prevBidder = prev.BidderID
		}
	}

	bid := model.Bid{
		ID:        uuid.NewString(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		Status:    model.BidStatusActive,
		// PostgreSQL keeps microseconds; hash what will be read back.
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}

	entry, err := s.store.CommitBid(ctx, store.CommitBidParams{
		Bid:           bid,
		ExpectedPrice: fresh.CurrentPrice,
		Hasher:        ChainHash,
	})
	if err != nil {
		return nil, s.commitError(auctionID, err)
	}

	resp := BidResponse{AuctionID: auctionID, BidID: bid.ID, Amount: amount}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if idemKey != "" {
		rec := &model.IdempotencyRecord{
			Key:        idemKey,
			AuctionID:  auctionID,
			BidderID:   bidderID,
			Response:   body,
			StatusCode: http.StatusCreated,
			CreatedAt:  s.now().UTC(),
		}
		if err := s.store.SaveIdempotencyRecord(ctx, rec); err != nil {
			// The bid is committed; report success and let the log carry it.
			s.logger.Error("idempotency record not saved", "auction", auctionID, "key", idemKey, "bid_id", bid.ID, "err", err)
		}
	}

	return &committed{
		auction:    fresh,
		bid:        bid,
		entry:      entry,
		prevBidder: prevBidder,
		response:   resp,
		body:       body,
	}, nil
}

func (s *Service) commitError(auctionID string, err error) error {
	switch {
	case errors.Is(err, store.ErrPriceConflict):
		return apperr.Conflict("price_changed", "auction price changed, retry with the latest price")
	case errors.Is(err, store.ErrStatusConflict):
		return apperr.InvalidState("auction_not_active", "auction no longer accepts bids")
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("auction_not_found", "auction not found")
	default:
		s.logger.Error("bid commit failed", "auction", auctionID, "err", err)
		return apperr.Internal(fmt.Errorf("commit bid on %s: %w", auctionID, err))
	}
}

// replay returns the stored outcome for key, or nil when none exists.
func (s *Service) replay(ctx context.Context, key, auctionID, bidderID string) (*BidOutcome, error) {
	rec, err := s.store.GetIdempotencyRecord(ctx, key, auctionID, bidderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("idempotency lookup failed", "auction", auctionID, "key", key, "err", err)
		return nil, apperr.Internal(err)
	}

	out := &BidOutcome{Body: rec.Response, StatusCode: rec.StatusCode, Replayed: true}
	if err := json.Unmarshal(rec.Response, &out.Response); err != nil {
		s.logger.Warn("stored idempotent response is not a bid response", "key", key, "err", err)
	}
	s.logger.Info("bid replayed", "auction", auctionID, "bidder", bidderID, "key", key)
	return out, nil
}

// announce publishes the accepted bid and notifies the outbid bidder.
func (s *Service) announce(ctx context.Context, c *committed) {
	stats, err := s.stats.Compute(ctx, c.bid.AuctionID)
	if err != nil {
		s.logger.Warn("stats unavailable after bid", "auction", c.bid.AuctionID, "err", err)
	}

	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type:      events.BidAccepted,
		AuctionID: c.bid.AuctionID,
		Payload: events.BidAcceptedPayload{
			BidID:    c.bid.ID,
			BidderID: c.bid.BidderID,
			Amount:   c.bid.Amount,
			Stats:    stats,
		},
		OccurredAt: c.bid.CreatedAt,
	})

	if c.prevBidder == "" || c.prevBidder == c.bid.BidderID {
		return
	}
	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type:      events.Outbid,
		AuctionID: c.bid.AuctionID,
		BidderID:  c.prevBidder,
		Payload: events.OutbidPayload{
			NewAmount:  c.bid.Amount,
			NewBidID:   c.bid.ID,
			AuctionEnd: c.auction.EndDate,
		},
		OccurredAt: c.bid.CreatedAt,
	})
	n := &model.Notification{
		ID:        uuid.NewString(),
		UserID:    c.prevBidder,
		Kind:      string(events.Outbid),
		AuctionID: c.bid.AuctionID,
		Message:   fmt.Sprintf("You have been outbid. The new highest bid is %s.", c.bid.Amount.String()),
		CreatedAt: c.bid.CreatedAt,
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		s.logger.Warn("outbid notification not stored", "auction", c.bid.AuctionID, "user", c.prevBidder, "err", err)
	}
}

// Stats returns live stats for an existing auction.
func (s *Service) Stats(ctx context.Context, auctionID string) (model.BiddingStats, error) {
	if _, err := s.store.GetAuction(ctx, auctionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.BiddingStats{}, apperr.NotFound("auction_not_found", "auction not found")
		}
		return model.BiddingStats{}, apperr.Internal(err)
	}
	stats, err := s.stats.Compute(ctx, auctionID)
	if err != nil {
		return model.BiddingStats{}, apperr.Internal(err)
	}
	return stats, nil
}

// VerifyLedger recomputes an auction's bid chain.
func (s *Service) VerifyLedger(ctx context.Context, auctionID string) (VerifyResult, error) {
	if _, err := s.store.GetAuction(ctx, auctionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return VerifyResult{}, apperr.NotFound("auction_not_found", "auction not found")
		}
		return VerifyResult{}, apperr.Internal(err)
	}
	entries, err := s.store.ListBidLedger(ctx, auctionID)
	if err != nil {
		return VerifyResult{}, apperr.Internal(err)
	}
	res := VerifyChain(auctionID, entries)
	if !res.Valid {
		s.logger.Error("bid ledger verification failed", "auction", auctionID, "seq", *res.BrokenAt, "reason", res.Reason)
	}
	return res, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, apperr.BadRequest("invalid_amount", "amount must be a number")
	}
	if !amount.IsPositive() {
		return decimal.Zero, apperr.BadRequest("invalid_amount", "amount must be positive")
	}
	if !amount.Equal(amount.Truncate(0)) {
		return decimal.Zero, apperr.BadRequest("invalid_amount", "amount must be whole minor units")
	}
	return amount, nil
}
