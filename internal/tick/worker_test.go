package tick_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/bidding"
	"github.com/atmx/auction-engine/internal/events"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/tick"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

func newWorker(st store.Store, clk *clock, rec *events.Recorder) *tick.Worker {
	return tick.NewWorker(st, nil, rec, nil, clk.Now, tick.Config{})
}

func seedAuction(t *testing.T, st store.Store, id, category string, end time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateProduct(ctx, &model.Product{ID: "p-" + id, SellerID: "seller-1", Category: category, Status: model.ProductListed}); err != nil {
		t.Fatal(err)
	}
	err := st.CreateAuction(ctx, &model.Auction{
		ID:              id,
		SellerID:        "seller-1",
		ProductID:       "p-" + id,
		Status:          model.AuctionActive,
		Currency:        "USD",
		CurrentPrice:    d(1000),
		IncrementAmount: d(100),
		StartDate:       t0.Add(-time.Hour),
		EndDate:         end,
		CreatedAt:       t0.Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func commitBid(t *testing.T, st store.Store, auctionID, bidder string, amount int64, at time.Time) {
	t.Helper()
	ctx := context.Background()
	a, err := st.GetAuction(ctx, auctionID)
	if err != nil {
		t.Fatal(err)
	}
	_, err = st.CommitBid(ctx, store.CommitBidParams{
		Bid: model.Bid{
			ID:        fmt.Sprintf("%s-%s-%d-%d", auctionID, bidder, amount, at.UnixNano()),
			AuctionID: auctionID,
			BidderID:  bidder,
			Amount:    d(amount),
			Status:    model.BidStatusActive,
			CreatedAt: at,
		},
		ExpectedPrice: a.CurrentPrice,
		Hasher:        bidding.ChainHash,
	})
	if err != nil {
		t.Fatalf("commit bid: %v", err)
	}
}

func TestTick_ExtendsLateBids(t *testing.T) {
	ms := store.NewMemoryStore()
	clk := &clock{now: t0}
	rec := &events.Recorder{}
	w := newWorker(ms, clk, rec)
	ctx := context.Background()

	end := t0.Add(30 * time.Second)
	seedAuction(t, ms, "a1", "", end)
	commitBid(t, ms, "a1", "alice", 1100, t0.Add(-5*time.Second))

	report, err := w.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Scanned != 1 || report.Extended != 1 {
		t.Fatalf("expected one extension, got %+v", report)
	}
	a, _ := ms.GetAuction(ctx, "a1")
	if !a.EndDate.Equal(end.Add(60*time.Second)) || a.ExtensionCount != 1 {
		t.Errorf("expected end %v after 1 extension, got %v (%d)", end.Add(60*time.Second), a.EndDate, a.ExtensionCount)
	}
	ext := rec.OfType(events.AuctionExtended)
	if len(ext) != 1 {
		t.Fatalf("expected auction_extended event, got %d", len(ext))
	}
	payload := ext[0].Payload.(events.ExtendedPayload)
	if !payload.PreviousEnd.Equal(end) || payload.Stats.TotalBids != 1 {
		t.Errorf("unexpected payload %+v", payload)
	}

	// The same bid is not credited twice.
	clk.Advance(40 * time.Second)
	report, _ = w.Tick(ctx)
	if report.Extended != 0 {
		t.Errorf("no new bid, expected no extension, got %+v", report)
	}

	// A new bid inside the window extends again.
	commitBid(t, ms, "a1", "bob", 1200, clk.Now())
	report, _ = w.Tick(ctx)
	if report.Extended != 1 {
		t.Fatalf("expected second extension, got %+v", report)
	}
	a, _ = ms.GetAuction(ctx, "a1")
	if !a.EndDate.Equal(end.Add(120*time.Second)) || a.ExtensionCount != 2 {
		t.Errorf("expected end %v after 2 extensions, got %v (%d)", end.Add(120*time.Second), a.EndDate, a.ExtensionCount)
	}
	if a.Status != model.AuctionActive {
		t.Errorf("extended auction should remain active, got %s", a.Status)
	}
}

func TestTick_IgnoresAuctionsOutsideThreshold(t *testing.T) {
	ms := store.NewMemoryStore()
	clk := &clock{now: t0}
	w := newWorker(ms, clk, &events.Recorder{})

	seedAuction(t, ms, "a1", "", t0.Add(10*time.Minute))
	commitBid(t, ms, "a1", "alice", 1100, t0)

	report, _ := w.Tick(context.Background())
	if report.Scanned != 0 {
		t.Errorf("auction ending in 10m is not due, got %+v", report)
	}
}

func TestTick_FinalizeNoBids(t *testing.T) {
	ms := store.NewMemoryStore()
	clk := &clock{now: t0}
	rec := &events.Recorder{}
	w := newWorker(ms, clk, rec)
	ctx := context.Background()

	seedAuction(t, ms, "a1", "", t0.Add(-time.Second))

	report, _ := w.Tick(ctx)
	if report.Finalized != 1 {
		t.Fatalf("expected finalization, got %+v", report)
	}
	a, _ := ms.GetAuction(ctx, "a1")
	if a.Status != model.AuctionEnded || a.WinnerID != nil || a.FinalPrice != nil {
		t.Errorf("expected ended without winner, got %s winner=%v price=%v", a.Status, a.WinnerID, a.FinalPrice)
	}
	if _, err := ms.GetPayoutByAuction(ctx, "a1", "seller-1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("no payout for an unsold auction")
	}
	fin := rec.OfType(events.AuctionFinalized)
	if len(fin) != 1 || fin[0].Payload.(events.FinalizedPayload).WinnerID != nil {
		t.Errorf("expected auction_finalized with nil winner, got %+v", fin)
	}
}

func TestTick_FinalizeWithBids(t *testing.T) {
	ms := store.NewMemoryStore()
	clk := &clock{now: t0}
	rec := &events.Recorder{}
	w := newWorker(ms, clk, rec)
	ctx := context.Background()

	seedAuction(t, ms, "a1", "watches", t0.Add(-time.Second))
	ms.SaveCommissionRule(ctx, &model.CommissionRule{Category: "watches", Percent: d(10), Active: true})
	commitBid(t, ms, "a1", "alice", 12000, t0.Add(-time.Minute))
	commitBid(t, ms, "a1", "bob", 15000, t0.Add(-30*time.Second))

	report, _ := w.Tick(ctx)
	if report.Finalized != 1 || report.Failed != 0 {
		t.Fatalf("expected clean finalization, got %+v", report)
	}

	a, _ := ms.GetAuction(ctx, "a1")
	if a.Status != model.AuctionEnded || a.WinnerID == nil || *a.WinnerID != "bob" {
		t.Fatalf("expected bob to win, got %+v", a)
	}
	if !a.FinalPrice.Equal(d(15000)) || !a.ActualEndTime.Equal(t0) {
		t.Errorf("unexpected final price %s or end time %v", a.FinalPrice, a.ActualEndTime)
	}

	p, err := ms.GetPayoutByAuction(ctx, "a1", "seller-1")
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if !p.SalePrice.Equal(d(15000)) {
		t.Errorf("expected sale price 15000, got %s", p.SalePrice)
	}
	if !p.CommissionAmount.Equal(d(1500)) || !p.NetPayout.Equal(d(13500)) {
		t.Errorf("expected commission 1500 net 13500, got %s / %s", p.CommissionAmount, p.NetPayout)
	}
	if p.Status != model.PayoutPending || p.PayoutReference != "auction:a1" {
		t.Errorf("unexpected payout %+v", p)
	}
	if n := len(ms.Notifications("bob")); n != 1 {
		t.Errorf("winner should be notified once, got %d", n)
	}
	prod, _ := ms.GetProduct(ctx, "p-a1")
	if prod.Status != model.ProductSold {
		t.Errorf("expected product sold, got %s", prod.Status)
	}
}

func TestTick_FinalizeNoRuleMeansZeroCommission(t *testing.T) {
	ms := store.NewMemoryStore()
	clk := &clock{now: t0}
	w := newWorker(ms, clk, &events.Recorder{})
	ctx := context.Background()

	seedAuction(t, ms, "a1", "art", t0.Add(-time.Second))
	commitBid(t, ms, "a1", "alice", 15000, t0.Add(-time.Minute))
	w.Tick(ctx)

	p, err := ms.GetPayoutByAuction(ctx, "a1", "seller-1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.CommissionAmount.IsZero() || !p.NetPayout.Equal(d(15000)) {
		t.Errorf("expected zero commission, got %s / %s", p.CommissionAmount, p.NetPayout)
	}
}

func TestTick_TieGoesToMostRecent(t *testing.T) {
	ms := store.NewMemoryStore()
	clk := &clock{now: t0}
	w := newWorker(ms, clk, &events.Recorder{})
	ctx := context.Background()

	seedAuction(t, ms, "a1", "", t0.Add(-time.Second))
	commitBid(t, ms, "a1", "alice", 1500, t0.Add(-2*time.Minute))
	commitBid(t, ms, "a1", "bob", 1500, t0.Add(-time.Minute))
	w.Tick(ctx)

	a, _ := ms.GetAuction(ctx, "a1")
	if a.WinnerID == nil || *a.WinnerID != "bob" {
		t.Errorf("equal amounts: most recent bid wins, got %v", a.WinnerID)
	}
}

func TestTick_KeepsExistingPayout(t *testing.T) {
	ms := store.NewMemoryStore()
	clk := &clock{now: t0}
	w := newWorker(ms, clk, &events.Recorder{})
	ctx := context.Background()

	seedAuction(t, ms, "a1", "", t0.Add(-time.Second))
	commitBid(t, ms, "a1", "alice", 15000, t0.Add(-time.Minute))
	existing := &model.Payout{
		ID: "pre-1", AuctionID: "a1", SellerID: "seller-1", ProductID: "p-a1",
		SalePrice: d(15000), NetPayout: d(15000), Status: model.PayoutPending,
		PayoutReference: model.PayoutReference("a1"),
	}
	ms.CreatePayout(ctx, existing)

	report, _ := w.Tick(ctx)
	if report.Failed != 0 {
		t.Fatalf("unexpected failure %+v", report)
	}
	p, _ := ms.GetPayoutByAuction(ctx, "a1", "seller-1")
	if p.ID != "pre-1" {
		t.Errorf("existing payout should be kept, got %s", p.ID)
	}
}

type flakyStore struct {
	*store.MemoryStore
	failID string
}

func (s flakyStore) FinalizeAuction(ctx context.Context, id string, p store.FinalizeParams) error {
	if id == s.failID {
		return errors.New("deadlock detected")
	}
	return s.MemoryStore.FinalizeAuction(ctx, id, p)
}

func TestTick_FailureDoesNotStopOthers(t *testing.T) {
	fs := flakyStore{MemoryStore: store.NewMemoryStore(), failID: "bad"}
	clk := &clock{now: t0}
	w := newWorker(fs, clk, &events.Recorder{})
	ctx := context.Background()

	seedAuction(t, fs, "bad", "", t0.Add(-2*time.Second))
	for i := 0; i < 5; i++ {
		seedAuction(t, fs, fmt.Sprintf("ok-%d", i), "", t0.Add(-time.Second))
	}

	report, err := w.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Scanned != 6 || report.Failed != 1 || report.Finalized != 5 {
		t.Errorf("expected 1 failure and 5 finalizations, got %+v", report)
	}
	bad, _ := fs.GetAuction(ctx, "bad")
	if bad.Status != model.AuctionActive {
		t.Errorf("failed auction should stay active for the next tick, got %s", bad.Status)
	}
}

func TestTick_ExtendsAgainOnImmediateRetick(t *testing.T) {
	ms := store.NewMemoryStore()
	clk := &clock{now: t0}
	w := newWorker(ms, clk, &events.Recorder{})
	ctx := context.Background()

	end := t0.Add(30 * time.Second)
	seedAuction(t, ms, "a1", "", end)
	commitBid(t, ms, "a1", "alice", 1100, t0.Add(-5*time.Second))
	if report, _ := w.Tick(ctx); report.Extended != 1 {
		t.Fatalf("expected first extension, got %+v", report)
	}

	// The extended end is now outside the threshold, but the auction is in
	// soft close and the new bid must still be credited.
	clk.Advance(time.Millisecond)
	commitBid(t, ms, "a1", "bob", 1200, clk.Now())
	report, err := w.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Scanned != 1 || report.Extended != 1 {
		t.Fatalf("expected second extension, got %+v", report)
	}
	a, _ := ms.GetAuction(ctx, "a1")
	if !a.EndDate.Equal(end.Add(120*time.Second)) || a.ExtensionCount != 2 {
		t.Errorf("expected end %v after 2 extensions, got %v (%d)", end.Add(120*time.Second), a.EndDate, a.ExtensionCount)
	}

	if report, _ := w.Tick(ctx); report.Extended != 0 || report.Finalized != 0 {
		t.Errorf("no new bid, expected nothing to do, got %+v", report)
	}
}

// staleStore serves an old auction snapshot the way an outdated cache would.
type staleStore struct {
	*store.MemoryStore
	snapshot model.Auction
}

func (s *staleStore) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	a := s.snapshot
	return &a, nil
}

func (s *staleStore) Unwrap() store.Store { return s.MemoryStore }

func TestTick_ReadsPrimaryUnderLock(t *testing.T) {
	ms := store.NewMemoryStore()
	clk := &clock{now: t0}
	ctx := context.Background()

	end := t0.Add(30 * time.Second)
	seedAuction(t, ms, "a1", "", end)
	snapshot, _ := ms.GetAuction(ctx, "a1")
	commitBid(t, ms, "a1", "alice", 1100, t0.Add(-5*time.Second))
	if report, _ := newWorker(ms, clk, &events.Recorder{}).Tick(ctx); report.Extended != 1 {
		t.Fatalf("expected extension, got %+v", report)
	}

	// The snapshot still carries the original end date, which has passed.
	clk.Advance(40 * time.Second)
	ss := &staleStore{MemoryStore: ms, snapshot: *snapshot}
	report, err := newWorker(ss, clk, &events.Recorder{}).Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Finalized != 0 || report.Failed != 0 {
		t.Fatalf("auction finalized from a stale read: %+v", report)
	}
	a, _ := ms.GetAuction(ctx, "a1")
	if a.Status != model.AuctionActive || !a.EndDate.Equal(end.Add(60*time.Second)) {
		t.Errorf("expected active auction ending %v, got %s %v", end.Add(60*time.Second), a.Status, a.EndDate)
	}
}

type payoutFailStore struct {
	*store.MemoryStore
	fail bool
}

func (s *payoutFailStore) CreatePayout(ctx context.Context, p *model.Payout) error {
	if s.fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.CreatePayout(ctx, p)
}

func TestTick_RetriesMissingPayout(t *testing.T) {
	ps := &payoutFailStore{MemoryStore: store.NewMemoryStore(), fail: true}
	clk := &clock{now: t0}
	w := newWorker(ps, clk, &events.Recorder{})
	ctx := context.Background()

	seedAuction(t, ps, "a1", "", t0.Add(-time.Second))
	commitBid(t, ps, "a1", "alice", 1100, t0.Add(-2*time.Second))

	report, err := w.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected the payout failure to be counted, got %+v", report)
	}
	a, _ := ps.GetAuction(ctx, "a1")
	if a.Status != model.AuctionEnded {
		t.Fatalf("auction should be ended, got %s", a.Status)
	}
	if _, err := ps.GetPayoutByAuction(ctx, "a1", "seller-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no payout yet, got %v", err)
	}

	ps.fail = false
	report, err = w.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.PayoutsRetried != 1 || report.Failed != 0 {
		t.Fatalf("expected the payout to be created on retry, got %+v", report)
	}
	p, err := ps.GetPayoutByAuction(ctx, "a1", "seller-1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.SalePrice.Equal(d(1100)) || p.Status != model.PayoutPending || p.Currency != "USD" {
		t.Errorf("unexpected payout %+v", p)
	}

	if report, _ := w.Tick(ctx); report.PayoutsRetried != 0 {
		t.Errorf("payout created twice: %+v", report)
	}
}
