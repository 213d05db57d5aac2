package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/apperr"
	"github.com/atmx/auction-engine/internal/commission"
	"github.com/atmx/auction-engine/internal/escrow"
	"github.com/atmx/auction-engine/internal/lock"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// Settlement outcomes.
const (
	StatusCompleted     = "completed"
	StatusAwaitingFunds = "awaiting_funds"
)

// SettleResult is the outcome of SettleAuction.
type SettleResult struct {
	AuctionID string               `json:"auction_id"`
	Status    string               `json:"status"`
	Breakdown commission.Breakdown `json:"breakdown"`
	Payout    *model.Payout        `json:"payout"`
	ReleaseID string               `json:"release_id,omitempty"`
	Ledger    *LedgerResult        `json:"ledger,omitempty"`
}

// CompleteResult is the outcome of CompletePayout.
type CompleteResult struct {
	Payout           *model.Payout `json:"payout"`
	AlreadyCompleted bool          `json:"already_completed"`
	Ledger           *LedgerResult `json:"ledger"`
}

// Admin runs operator-triggered settlement actions.
type Admin struct {
	store      store.Store
	commission *commission.Service
	escrow     escrow.Releaser
	ledger     *Ledger
	locker     lock.Locker
	logger     *slog.Logger
	now        func() time.Time
	currency   string
}

// NewAdmin creates the administrative settlement service.
func NewAdmin(st store.Store, cs *commission.Service, releaser escrow.Releaser, ledger *Ledger, locker lock.Locker, logger *slog.Logger, now func() time.Time) *Admin {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Admin{
		store:      st,
		commission: cs,
		escrow:     releaser,
		ledger:     ledger,
		locker:     locker,
		logger:     logger,
		now:        now,
		currency:   model.DefaultCurrency,
	}
}

// SetDefaultCurrency sets the payout currency used for auctions that carry
// none. An empty value keeps the current default.
func (a *Admin) SetDefaultCurrency(currency string) {
	if currency != "" {
		a.currency = currency
	}
}

// SettleAuction pays the seller of a finalized auction. When the buyer's
// escrow is not funded yet the auction moves to awaiting_funds and nothing
// else changes. An escrow release failure leaves every record untouched.
func (a *Admin) SettleAuction(ctx context.Context, auctionID string) (*SettleResult, error) {
	unlock, err := a.locker.Lock(ctx, "auction:"+auctionID)
	if err != nil {
		return nil, a.internal("lock auction", auctionID, err)
	}
	defer unlock()

	auction, err := store.Primary(a.store).GetAuction(ctx, auctionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("auction_not_found", "auction not found")
		}
		return nil, a.internal("load auction", auctionID, err)
	}
	switch {
	case auction.Status == model.AuctionCompleted:
		return nil, apperr.InvalidState("already_settled", "auction is already settled")
	case auction.Status != model.AuctionEnded && auction.Status != model.AuctionAwaitingFunds:
		return nil, apperr.InvalidState("auction_not_ended", fmt.Sprintf("auction is %s", auction.Status)).
			WithMeta("status", string(auction.Status))
	case auction.WinnerID == nil || auction.FinalPrice == nil:
		return nil, apperr.InvalidState("no_winner", "auction has no winning bid")
	}

	category := ""
	product, err := a.store.GetProduct(ctx, auction.ProductID)
	switch {
	case err == nil:
		category = product.Category
	case !errors.Is(err, store.ErrNotFound):
		return nil, a.internal("load product", auctionID, err)
	}

	breakdown := a.commission.ApplyCommissionRules(ctx, *auction.FinalPrice, commission.Context{Category: category})
	payout, err := a.payoutFor(ctx, auction, breakdown)
	if err != nil {
		return nil, err
	}
	result := &SettleResult{AuctionID: auctionID, Breakdown: breakdown, Payout: payout}

	esc, err := a.store.GetEscrowByAuction(ctx, auctionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, a.internal("load escrow", auctionID, err)
	}
	if esc == nil || esc.Status == model.EscrowPending {
		if auction.Status != model.AuctionAwaitingFunds {
			err := a.store.UpdateAuctionStatus(ctx, auctionID, []model.AuctionStatus{model.AuctionEnded}, model.AuctionAwaitingFunds)
			if err != nil {
				return nil, a.internal("mark awaiting funds", auctionID, err)
			}
		}
		a.logger.Info("settlement deferred: escrow not funded", "auction", auctionID)
		result.Status = StatusAwaitingFunds
		return result, nil
	}

	// A released escrow means an earlier attempt got past the provider;
	// finish the bookkeeping without releasing twice.
	if esc.Status == model.EscrowFunded {
		rel, err := a.escrow.Release(ctx, escrow.ReleaseRequest{
			EscrowID:           esc.ID,
			NetToSellerCents:   breakdown.NetToSeller.IntPart(),
			FeeToPlatformCents: breakdown.TotalCommission.IntPart(),
			Reference:          payout.PayoutReference,
		})
		if err != nil {
			a.logger.Error("escrow release failed", "auction", auctionID, "escrow", esc.ID, "err", err)
			return nil, apperr.Upstream("escrow_release_failed", "escrow release failed", err)
		}
		result.ReleaseID = rel.ReleaseID
		if err := a.store.UpdateEscrowStatus(ctx, esc.ID, model.EscrowReleased); err != nil {
			return nil, a.internal("mark escrow released", auctionID, err)
		}
	}

	now := a.now().UTC()
	if err := a.store.CompletePayout(ctx, payout.ID, now); err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return nil, a.internal("complete payout", auctionID, err)
	}
	err = a.store.UpdateAuctionStatus(ctx, auctionID,
		[]model.AuctionStatus{model.AuctionEnded, model.AuctionAwaitingFunds}, model.AuctionCompleted)
	if err != nil {
		return nil, a.internal("complete auction", auctionID, err)
	}
	if product != nil {
		if err := a.store.UpdateProductStatus(ctx, product.ID, model.ProductSettled); err != nil {
			a.logger.Warn("product not marked settled", "product", product.ID, "err", err)
		}
	}

	lr, err := a.ledger.RecordSettlementForPayout(ctx, payout.ID)
	if err != nil {
		return nil, err
	}
	result.Ledger = lr
	result.Status = StatusCompleted

	if refreshed, err := a.store.GetPayout(ctx, payout.ID); err == nil {
		result.Payout = refreshed
	}
	a.logger.Info("auction settled",
		"auction", auctionID,
		"payout", payout.ID,
		"net_to_seller", breakdown.NetToSeller.String(),
		"fee_to_platform", breakdown.TotalCommission.String(),
	)
	return result, nil
}

// payoutFor returns the auction's payout, creating it if missing. A
// pending payout is refreshed to the current breakdown.
func (a *Admin) payoutFor(ctx context.Context, auction *model.Auction, b commission.Breakdown) (*model.Payout, error) {
	deducted := b.SellerCommission.Add(b.PlatformFlatFee)

	p, err := a.store.GetPayoutByAuction(ctx, auction.ID, auction.SellerID)
	switch {
	case err == nil:
		if p.Status != model.PayoutPending {
			return p, nil
		}
		if !p.CommissionAmount.Equal(deducted) || !p.NetPayout.Equal(b.NetToSeller) {
			if err := a.store.UpdatePayoutAmounts(ctx, p.ID, deducted, b.NetToSeller); err != nil {
				return nil, a.internal("refresh payout", auction.ID, err)
			}
			p.CommissionAmount = deducted
			p.NetPayout = b.NetToSeller
		}
		return p, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, a.internal("load payout", auction.ID, err)
	}

	currency := auction.Currency
	if currency == "" {
		currency = a.currency
	}
	p = &model.Payout{
		ID:               uuid.NewString(),
		AuctionID:        auction.ID,
		SellerID:         auction.SellerID,
		ProductID:        auction.ProductID,
		Currency:         currency,
		SalePrice:        b.Amount,
		CommissionAmount: deducted,
		ListingFee:       decimal.Zero,
		BoostFee:         decimal.Zero,
		VerificationFee:  decimal.Zero,
		OtherFees:        decimal.Zero,
		NetPayout:        b.NetToSeller,
		Status:           model.PayoutPending,
		PayoutReference:  model.PayoutReference(auction.ID),
		CreatedAt:        a.now().UTC(),
	}
	if err := a.store.CreatePayout(ctx, p); err != nil {
		return nil, a.internal("create payout", auction.ID, err)
	}
	return p, nil
}

// CompletePayout marks a pending payout completed and posts its ledger
// settlement. Calling it on a completed payout re-runs only the ledger
// step, which posts nothing if the settlement already exists.
func (a *Admin) CompletePayout(ctx context.Context, payoutID string) (*CompleteResult, error) {
	err := a.store.CompletePayout(ctx, payoutID, a.now().UTC())
	already := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("payout_not_found", "payout not found")
	case errors.Is(err, store.ErrStatusConflict):
		already = true
	case err != nil:
		return nil, a.internal("complete payout", payoutID, err)
	}

	lr, err := a.ledger.RecordSettlementForPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	p, err := a.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, a.internal("reload payout", payoutID, err)
	}
	return &CompleteResult{Payout: p, AlreadyCompleted: already, Ledger: lr}, nil
}

func (a *Admin) internal(op, id string, err error) error {
	a.logger.Error("settlement: "+op+" failed", "id", id, "err", err)
	return apperr.Internal(fmt.Errorf("%s %s: %w", op, id, err))
}
