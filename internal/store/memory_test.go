package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func constHash(_ *string, e model.BidLedgerEntry) string { return "h-" + e.BidID }

func seed(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	err := ms.CreateAuction(context.Background(), &model.Auction{
		ID: "a1", SellerID: "s1", ProductID: "p1", Status: model.AuctionActive,
		Currency: "USD", CurrentPrice: d(1000), IncrementAmount: d(100),
		StartDate: t0.Add(-time.Hour), EndDate: t0.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func commit(ms *store.MemoryStore, id string, expected, amount int64) (*model.BidLedgerEntry, error) {
	return ms.CommitBid(context.Background(), store.CommitBidParams{
		Bid: model.Bid{
			ID: id, AuctionID: "a1", BidderID: "u-" + id, Amount: d(amount),
			Status: model.BidStatusActive, CreatedAt: t0,
		},
		ExpectedPrice: d(expected),
		Hasher:        constHash,
	})
}

func TestCommitBid_ComparesPrice(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)

	first, err := commit(ms, "b1", 1000, 1100)
	if err != nil {
		t.Fatal(err)
	}
	if first.Seq != 1 || first.PrevHash != nil {
		t.Errorf("unexpected first entry %+v", first)
	}

	// Validated against a stale price.
	if _, err := commit(ms, "b2", 1000, 1200); !errors.Is(err, store.ErrPriceConflict) {
		t.Fatalf("expected price conflict, got %v", err)
	}
	if n := ms.BidCount("a1"); n != 1 {
		t.Errorf("rejected bid was written: %d bids", n)
	}

	second, err := commit(ms, "b3", 1100, 1200)
	if err != nil {
		t.Fatal(err)
	}
	if second.Seq != 2 || second.PrevHash == nil || *second.PrevHash != first.Hash {
		t.Errorf("second entry not linked: %+v", second)
	}

	a, _ := ms.GetAuction(context.Background(), "a1")
	if !a.CurrentPrice.Equal(d(1200)) || a.HighestBidID != "b3" {
		t.Errorf("auction = %s/%s", a.CurrentPrice, a.HighestBidID)
	}
}

func TestCommitBid_RejectsEndedAuction(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)
	if err := ms.FinalizeAuction(context.Background(), "a1", store.FinalizeParams{EndedAt: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if _, err := commit(ms, "b1", 1000, 1100); !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}
}

func TestFinalizeAuction_RejectsBeforeEnd(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)
	ctx := context.Background()

	err := ms.FinalizeAuction(ctx, "a1", store.FinalizeParams{EndedAt: t0})
	if !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("expected status conflict before the end date, got %v", err)
	}
	a, _ := ms.GetAuction(ctx, "a1")
	if a.Status != model.AuctionActive || a.ActualEndTime != nil {
		t.Errorf("auction should be untouched, got %s", a.Status)
	}
}

func TestListDueAuctions_KeepsExtendedAuctions(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)
	ctx := context.Background()

	due, _ := ms.ListDueAuctions(ctx, t0.Add(time.Minute))
	if len(due) != 0 {
		t.Fatalf("auction ending in an hour should not be due, got %d", len(due))
	}
	if err := ms.ExtendAuction(ctx, "a1", t0.Add(time.Hour), t0.Add(2*time.Hour), t0); err != nil {
		t.Fatal(err)
	}
	due, _ = ms.ListDueAuctions(ctx, t0.Add(time.Minute))
	if len(due) != 1 || due[0].ID != "a1" {
		t.Fatalf("extended auction should be listed, got %+v", due)
	}
}

func TestListUnpaidAuctions(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)
	ctx := context.Background()

	winner, price := "u-1", d(1500)
	if err := ms.FinalizeAuction(ctx, "a1", store.FinalizeParams{EndedAt: t0.Add(time.Hour), WinnerID: &winner, FinalPrice: &price}); err != nil {
		t.Fatal(err)
	}
	unpaid, _ := ms.ListUnpaidAuctions(ctx)
	if len(unpaid) != 1 || unpaid[0].ID != "a1" {
		t.Fatalf("expected a1 unpaid, got %+v", unpaid)
	}

	p := &model.Payout{ID: "po-1", AuctionID: "a1", SellerID: "s1", Status: model.PayoutPending, PayoutReference: model.PayoutReference("a1")}
	if err := ms.CreatePayout(ctx, p); err != nil {
		t.Fatal(err)
	}
	if unpaid, _ = ms.ListUnpaidAuctions(ctx); len(unpaid) != 0 {
		t.Errorf("paid auction still listed: %+v", unpaid)
	}
}

func TestPrimary_UnwrapsCache(t *testing.T) {
	ms := store.NewMemoryStore()
	if got := store.Primary(ms); got != store.Store(ms) {
		t.Error("primary of an unwrapped store should be itself")
	}
	cached := store.NewCachedStore(ms, nil, time.Minute)
	if got := store.Primary(cached); got != store.Store(ms) {
		t.Errorf("expected the memory store behind the cache, got %T", got)
	}
}

func TestGetAuction_ReturnsCopy(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)

	a, _ := ms.GetAuction(context.Background(), "a1")
	a.CurrentPrice = d(1)
	again, _ := ms.GetAuction(context.Background(), "a1")
	if !again.CurrentPrice.Equal(d(1000)) {
		t.Error("mutating a returned auction changed the store")
	}
}

func TestPayout_ReferenceUniqueAndCompleteOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	p := &model.Payout{ID: "po-1", AuctionID: "a1", SellerID: "s1", Status: model.PayoutPending, PayoutReference: model.PayoutReference("a1")}
	if err := ms.CreatePayout(ctx, p); err != nil {
		t.Fatal(err)
	}
	dup := *p
	dup.ID = "po-2"
	if err := ms.CreatePayout(ctx, &dup); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	if err := ms.CompletePayout(ctx, "po-1", t0); err != nil {
		t.Fatal(err)
	}
	if err := ms.CompletePayout(ctx, "po-1", t0); !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("expected status conflict on second completion, got %v", err)
	}
	if err := ms.UpdatePayoutAmounts(ctx, "po-1", d(1), d(2)); !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("completed payout amounts changed: %v", err)
	}
}

func TestPostLedgerTransaction_ReferenceOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	posting := store.LedgerPosting{
		TransactionID: "tx-1",
		Reference:     "payout:po-1",
		Entries: []model.LedgerEntry{
			{ID: "e1", TransactionID: "tx-1", AccountID: "acc-1", Debit: d(10), Credit: decimal.Zero, BalanceAfter: d(-10)},
			{ID: "e2", TransactionID: "tx-1", AccountID: "acc-2", Debit: decimal.Zero, Credit: d(10), BalanceAfter: d(10)},
		},
	}
	if err := ms.PostLedgerTransaction(ctx, posting); err != nil {
		t.Fatal(err)
	}
	posting.TransactionID = "tx-2"
	if err := ms.PostLedgerTransaction(ctx, posting); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if txID, err := ms.FindLedgerTransaction(ctx, "payout:po-1"); err != nil || txID != "tx-1" {
		t.Fatalf("find = %q, %v", txID, err)
	}
	if n := ms.LedgerEntryCount(); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}

func TestGetOrCreateLedgerAccount_Stable(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	key := model.LedgerAccountKey{OwnerType: model.OwnerSeller, OwnerID: "s1", AccountType: model.AccountWallet, Currency: "USD"}

	a, err := ms.GetOrCreateLedgerAccount(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ms.GetOrCreateLedgerAccount(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("account recreated: %s then %s", a.ID, b.ID)
	}
	if a.OwnerID == nil || *a.OwnerID != "s1" {
		t.Errorf("owner = %v", a.OwnerID)
	}
}
