// Package settlement moves money for concluded auctions: it releases
// escrow to the seller and posts the matching double-entry ledger
// transaction.
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
	"github.com/atmx/auction-engine/internal/lock"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// LedgerResult describes a settlement posting.
type LedgerResult struct {
	PayoutID      string `json:"payout_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	// Posted is false when the payout was already settled or had nothing
	// to settle.
	Posted  bool `json:"posted"`
	Skipped bool `json:"skipped,omitempty"`
}

// Ledger posts payout settlements to the double-entry ledger.
type Ledger struct {
	store  store.Store
	locker lock.Locker
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a settlement ledger.
func NewLedger(st store.Store, locker lock.Locker, logger *slog.Logger, now func() time.Time) *Ledger {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: st, locker: locker, logger: logger, now: now}
}

// SettlementReference is the ledger reference of a payout's settlement.
func SettlementReference(payoutID string) string {
	return "payout:" + payoutID
}

// RecordSettlementForPayout debits the platform clearing account and
// credits the seller wallet with the payout's net amount. It posts at most
// once per payout; repeated calls return the original transaction.
func (l *Ledger) RecordSettlementForPayout(ctx context.Context, payoutID string) (*LedgerResult, error) {
	p, err := l.store.GetPayout(ctx, payoutID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("payout_not_found", "payout not found")
		}
		return nil, l.internal("load payout", payoutID, err)
	}

	if !p.NetPayout.IsPositive() {
		l.logger.Warn("settlement skipped: non-positive net payout", "payout", p.ID, "net", p.NetPayout.String())
		metrics.Settlements.WithLabelValues("skipped").Inc()
		return &LedgerResult{PayoutID: p.ID, Skipped: true}, nil
	}

	ref := SettlementReference(p.ID)

	// Balances of the shared clearing account must not interleave.
	unlock, err := l.locker.Lock(ctx, "ledger:clearing:"+p.Currency)
	if err != nil {
		return nil, l.internal("lock ledger", p.ID, err)
	}
	defer unlock()

	if txID, err := l.store.FindLedgerTransaction(ctx, ref); err == nil {
		metrics.Settlements.WithLabelValues("duplicate").Inc()
		return &LedgerResult{PayoutID: p.ID, TransactionID: txID}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, l.internal("find settlement", p.ID, err)
	}

	seller, err := l.store.GetOrCreateLedgerAccount(ctx, model.LedgerAccountKey{
		OwnerType:   model.OwnerSeller,
		OwnerID:     p.SellerID,
		AccountType: model.AccountWallet,
		Currency:    p.Currency,
	})
	if err != nil {
		return nil, l.internal("resolve seller account", p.ID, err)
	}
	clearing, err := l.store.GetOrCreateLedgerAccount(ctx, model.LedgerAccountKey{
		OwnerType:   model.OwnerPlatform,
		AccountType: model.AccountClearing,
		Currency:    p.Currency,
	})
	if err != nil {
		return nil, l.internal("resolve clearing account", p.ID, err)
	}

	sellerBal, err := l.balance(ctx, seller.ID)
	if err != nil {
		return nil, l.internal("read seller balance", p.ID, err)
	}
	clearingBal, err := l.balance(ctx, clearing.ID)
	if err != nil {
		return nil, l.internal("read clearing balance", p.ID, err)
	}

	now := l.now().UTC()
	txID := uuid.NewString()
	net := p.NetPayout

	clearingEntry := model.LedgerEntry{
		ID:            uuid.NewString(),
		TransactionID: txID,
		AccountID:     clearing.ID,
		Debit:         net,
		Credit:        decimal.Zero,
		BalanceAfter:  clearingBal.Sub(net),
		Reference:     ref,
		Timestamp:     now,
	}
	sellerEntry := model.LedgerEntry{
		ID:            uuid.NewString(),
		TransactionID: txID,
		AccountID:     seller.ID,
		Debit:         decimal.Zero,
		Credit:        net,
		BalanceAfter:  sellerBal.Add(net),
		Reference:     ref,
		Timestamp:     now,
	}

	err = l.store.PostLedgerTransaction(ctx, store.LedgerPosting{
		TransactionID: txID,
		Reference:     ref,
		Entries:       []model.LedgerEntry{clearingEntry, sellerEntry},
		Balances: []model.WalletBalance{
			{AccountID: clearing.ID, Currency: p.Currency, AvailableBalance: clearingEntry.BalanceAfter, UpdatedAt: now},
			{AccountID: seller.ID, Currency: p.Currency, AvailableBalance: sellerEntry.BalanceAfter, UpdatedAt: now},
		},
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Another instance posted first.
		existing, findErr := l.store.FindLedgerTransaction(ctx, ref)
		if findErr != nil {
			return nil, l.internal("find settlement", p.ID, findErr)
		}
		metrics.Settlements.WithLabelValues("duplicate").Inc()
		return &LedgerResult{PayoutID: p.ID, TransactionID: existing}, nil
	}
	if err != nil {
		return nil, l.internal("post settlement", p.ID, err)
	}

	metrics.Settlements.WithLabelValues("posted").Inc()
	l.logger.Info("settlement posted",
		"payout", p.ID,
		"transaction", txID,
		"seller", p.SellerID,
		"amount", net.String(),
		"currency", p.Currency,
	)
	return &LedgerResult{PayoutID: p.ID, TransactionID: txID, Posted: true}, nil
}

func (l *Ledger) balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	b, err := l.store.GetWalletBalance(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return b.AvailableBalance, nil
}

func (l *Ledger) internal(op, payoutID string, err error) error {
	l.logger.Error("settlement ledger: "+op+" failed", "payout", payoutID, "err", err)
	return apperr.Internal(fmt.Errorf("%s for payout %s: %w", op, payoutID, err))
}
