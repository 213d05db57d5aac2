// Package tick runs the periodic pass that extends auctions receiving
// late bids (soft close) and finalizes auctions whose end date has passed.
package tick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/auction-engine/internal/bidding"
	"github.com/atmx/auction-engine/internal/commission"
	"github.com/atmx/auction-engine/internal/events"
	"github.com/atmx/auction-engine/internal/lock"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

const (
	DefaultThreshold   = 60 * time.Second
	DefaultWindow      = 60 * time.Second
	DefaultConcurrency = 4
	DefaultCurrency    = model.DefaultCurrency
)

// Config tunes the soft-close behaviour.
type Config struct {
	// Threshold is how close to its end an auction must be to be examined.
	Threshold time.Duration
	// Window is how far each extension pushes the end date.
	Window time.Duration
	// Concurrency bounds the auctions processed in parallel.
	Concurrency int
	// Currency is recorded on payouts of auctions that carry none.
	Currency string
}

// Report summarizes one tick.
type Report struct {
	Scanned   int `json:"scanned"`
	Extended  int `json:"extended"`
	Finalized int `json:"finalized"`
	Failed    int `json:"failed"`
	// PayoutsRetried counts ended auctions whose missing payout was
	// created on this tick.
	PayoutsRetried int `json:"payouts_retried"`
}

type outcome int

const (
	untouched outcome = iota
	extended
	finalized
)

// Worker examines due auctions.
type Worker struct {
	store     store.Store
	locker    lock.Locker
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	cfg       Config
}

// NewWorker creates a tick worker. Zero config fields take the defaults.
func NewWorker(st store.Store, locker lock.Locker, pub events.Publisher, logger *slog.Logger, now func() time.Time, cfg Config) *Worker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Worker{store: st, locker: locker, publisher: pub, logger: logger, now: now, cfg: cfg}
}

// Tick processes every auction ending within the threshold or in soft
// close, and retries payouts missing from ended auctions. A failing
// auction is logged and counted; the others still run. The error is
// non-nil only when the due list cannot be read.
func (w *Worker) Tick(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	due, err := w.store.ListDueAuctions(ctx, w.now().Add(w.cfg.Threshold))
	if err != nil {
		return Report{}, fmt.Errorf("list due auctions: %w", err)
	}

	var (
		mu     sync.Mutex
		report = Report{Scanned: len(due)}
	)
	// Payouts that failed on an earlier tick are retried before this
	// tick finalizes anything new.
	w.retryPayouts(ctx, &report)

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)

	for _, a := range due {
		id := a.ID
		g.Go(func() error {
			out, err := w.process(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				metrics.TickFailures.Inc()
				w.logger.Error("tick: auction processing failed", "auction", id, "err", err)
			case out == extended:
				report.Extended++
			case out == finalized:
				report.Finalized++
			}
			return nil
		})
	}
	g.Wait()

	if report.Scanned > 0 || report.PayoutsRetried > 0 {
		w.logger.Info("tick complete",
			"scanned", report.Scanned,
			"extended", report.Extended,
			"finalized", report.Finalized,
			"failed", report.Failed,
			"payouts_retried", report.PayoutsRetried,
		)
	}
	return report, nil
}

// retryPayouts creates the payout of every ended auction whose payout was
// not created when it was finalized.
func (w *Worker) retryPayouts(ctx context.Context, report *Report) {
	unpaid, err := w.store.ListUnpaidAuctions(ctx)
	if err != nil {
		w.logger.Error("tick: list unpaid auctions failed", "err", err)
		return
	}
	for _, a := range unpaid {
		created, err := w.retryPayout(ctx, a.ID)
		switch {
		case err != nil:
			report.Failed++
			metrics.TickFailures.Inc()
			w.logger.Error("tick: payout retry failed", "auction", a.ID, "seller", a.SellerID, "err", err)
		case created:
			report.PayoutsRetried++
		}
	}
}

func (w *Worker) retryPayout(ctx context.Context, auctionID string) (bool, error) {
	unlock, err := w.locker.Lock(ctx, "auction:"+auctionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	a, err := store.Primary(w.store).GetAuction(ctx, auctionID)
	if err != nil {
		return false, err
	}
	if a.Status != model.AuctionEnded || a.WinnerID == nil || a.FinalPrice == nil {
		return false, nil
	}
	if err := w.ensurePayout(ctx, a, *a.FinalPrice, w.now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, auctionID string) (outcome, error) {
	unlock, err := w.locker.Lock(ctx, "auction:"+auctionID)
	if err != nil {
		return untouched, err
	}
	defer unlock()

	a, err := store.Primary(w.store).GetAuction(ctx, auctionID)
	if err != nil {
		return untouched, err
	}
	// Another instance may have finalized it since the scan.
	if !a.Status.Biddable() {
		return untouched, nil
	}

	bids, err := w.store.ListActiveBids(ctx, auctionID)
	if err != nil {
		return untouched, err
	}
	now := w.now().UTC()

	if a.EndDate.After(now) {
		if !needsExtension(a, bids) {
			return untouched, nil
		}
		return extended, w.extend(ctx, a, bids, now)
	}
	return finalized, w.finalize(ctx, a, bids, now)
}

// needsExtension reports whether the auction has a bid not yet credited
// with an extension.
func needsExtension(a *model.Auction, bids []model.Bid) bool {
	if len(bids) == 0 {
		return false
	}
	if a.LastExtendedAt == nil {
		return true
	}
	for _, b := range bids {
		if b.CreatedAt.After(*a.LastExtendedAt) {
			return true
		}
	}
	return false
}

func (w *Worker) extend(ctx context.Context, a *model.Auction, bids []model.Bid, now time.Time) error {
	newEnd := a.EndDate.Add(w.cfg.Window)
	if err := w.store.ExtendAuction(ctx, a.ID, a.EndDate, newEnd, now); err != nil {
		return fmt.Errorf("extend: %w", err)
	}
	metrics.AuctionsExtended.Inc()
	w.logger.Info("auction extended",
		"auction", a.ID,
		"previous_end", a.EndDate,
		"new_end", newEnd,
		"extensions", a.ExtensionCount+1,
	)

	events.Emit(ctx, w.publisher, w.logger, events.Event{
		Type:      events.AuctionExtended,
		AuctionID: a.ID,
		Payload: events.ExtendedPayload{
			PreviousEnd: a.EndDate,
			NewEnd:      newEnd,
			Stats:       bidding.ComputeStats(bids),
		},
		OccurredAt: now,
	})
	return nil
}

func (w *Worker) finalize(ctx context.Context, a *model.Auction, bids []model.Bid, now time.Time) error {
	params := store.FinalizeParams{EndedAt: now}
	var winner *model.Bid
	if len(bids) > 0 {
		// Bids are ordered amount desc, then most recent first.
		winner = &bids[0]
		winnerID := winner.BidderID
		price := winner.Amount
		params.WinnerID = &winnerID
		params.FinalPrice = &price
	}

	if err := w.store.FinalizeAuction(ctx, a.ID, params); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	result := "unsold"
	if winner != nil {
		result = "sold"
	}
	metrics.AuctionsFinalized.WithLabelValues(result).Inc()
	w.logger.Info("auction finalized", "auction", a.ID, "outcome", result, "bids", len(bids))

	var payoutErr error
	if winner != nil {
		// On failure the auction stays in the unpaid scan of later ticks.
		payoutErr = w.ensurePayout(ctx, a, winner.Amount, now)
	}

	events.Emit(ctx, w.publisher, w.logger, events.Event{
		Type:      events.AuctionFinalized,
		AuctionID: a.ID,
		Payload: events.FinalizedPayload{
			WinnerID:   params.WinnerID,
			FinalPrice: params.FinalPrice,
			EndedAt:    now,
			Stats:      bidding.ComputeStats(bids),
		},
		OccurredAt: now,
	})

	if winner != nil {
		n := &model.Notification{
			ID:        uuid.NewString(),
			UserID:    winner.BidderID,
			Kind:      "auction_won",
			AuctionID: a.ID,
			Message:   fmt.Sprintf("You won the auction with a bid of %s.", winner.Amount.String()),
			CreatedAt: now,
		}
		if err := w.store.InsertNotification(ctx, n); err != nil {
			w.logger.Warn("winner notification not stored", "auction", a.ID, "err", err)
		}
	}
	return payoutErr
}

// ensurePayout creates the seller's pending payout unless one exists.
func (w *Worker) ensurePayout(ctx context.Context, a *model.Auction, sale decimal.Decimal, now time.Time) error {
	if _, err := w.store.GetPayoutByAuction(ctx, a.ID, a.SellerID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("look up payout: %w", err)
	}

	category := ""
	if p, err := w.store.GetProduct(ctx, a.ProductID); err == nil {
		category = p.Category
		if err := w.store.UpdateProductStatus(ctx, p.ID, model.ProductSold); err != nil {
			w.logger.Warn("product status not updated", "product", p.ID, "err", err)
		}
	} else {
		w.logger.Warn("product unreadable, no category commission", "auction", a.ID, "product", a.ProductID, "err", err)
	}

	commissionAmount := decimal.Zero
	rule, err := w.store.GetActiveCommissionRule(ctx, category)
	switch {
	case err == nil:
		commissionAmount = commission.Percent(sale, rule.Percent)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("look up commission rule %q: %w", category, err)
	}

	// Fee schedules are not modelled yet; the columns carry zeros.
	listing, boost, verification, other := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	fees := listing.Add(boost).Add(verification).Add(other)

	currency := a.Currency
	if currency == "" {
		currency = w.cfg.Currency
	}

	p := &model.Payout{
		ID:               uuid.NewString(),
		AuctionID:        a.ID,
		SellerID:         a.SellerID,
		ProductID:        a.ProductID,
		Currency:         currency,
		SalePrice:        sale,
		CommissionAmount: commissionAmount,
		ListingFee:       listing,
		BoostFee:         boost,
		VerificationFee:  verification,
		OtherFees:        other,
		NetPayout:        sale.Sub(commissionAmount.Add(fees)),
		Status:           model.PayoutPending,
		PayoutReference:  model.PayoutReference(a.ID),
		CreatedAt:        now,
	}
	if err := w.store.CreatePayout(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("create payout: %w", err)
	}
	w.logger.Info("payout created",
		"auction", a.ID,
		"payout", p.ID,
		"sale_price", sale.String(),
		"commission", commissionAmount.String(),
		"net", p.NetPayout.String(),
	)
	return nil
}
