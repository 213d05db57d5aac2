package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	auctions      map[string]*model.Auction
	products      map[string]*model.Product
	bids          map[string]model.Bid
	bidsByAuction map[string][]string
	chain         map[string][]model.BidLedgerEntry
	idempotency   map[idemKey]model.IdempotencyRecord
	payouts       map[string]*model.Payout
	commission    *model.CommissionSettings
	rules         map[string]model.CommissionRule
	escrows       map[string]*model.EscrowAccount
	risk          map[string]model.RiskProfile
	notifications []model.Notification
	accounts      map[model.LedgerAccountKey]*model.LedgerAccount
	balances      map[string]model.WalletBalance
	entries       []model.LedgerEntry
	postedRefs    map[string]string
	commissionErr error
}

type idemKey struct {
	key, auctionID, bidderID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions:      make(map[string]*model.Auction),
		products:      make(map[string]*model.Product),
		bids:          make(map[string]model.Bid),
		bidsByAuction: make(map[string][]string),
		chain:         make(map[string][]model.BidLedgerEntry),
		idempotency:   make(map[idemKey]model.IdempotencyRecord),
		payouts:       make(map[string]*model.Payout),
		rules:         make(map[string]model.CommissionRule),
		escrows:       make(map[string]*model.EscrowAccount),
		risk:          make(map[string]model.RiskProfile),
		accounts:      make(map[model.LedgerAccountKey]*model.LedgerAccount),
		balances:      make(map[string]model.WalletBalance),
		postedRefs:    make(map[string]string),
	}
}

// --- Auctions ---

func (s *MemoryStore) CreateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("auction %s: %w", a.ID, ErrDuplicate)
	}
	s.auctions[a.ID] = cloneAuction(a)
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	return cloneAuction(a), nil
}

func (s *MemoryStore) ListDueAuctions(_ context.Context, endsBefore time.Time) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []model.Auction
	for _, a := range s.auctions {
		if a.Status.Biddable() && (!a.EndDate.After(endsBefore) || a.LastExtendedAt != nil) {
			due = append(due, *cloneAuction(a))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].EndDate.Before(due[j].EndDate) })
	return due, nil
}

func (s *MemoryStore) ListUnpaidAuctions(_ context.Context) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var unpaid []model.Auction
	for _, a := range s.auctions {
		if a.Status != model.AuctionEnded || a.WinnerID == nil || a.FinalPrice == nil {
			continue
		}
		paid := false
		for _, p := range s.payouts {
			if p.AuctionID == a.ID && p.SellerID == a.SellerID {
				paid = true
				break
			}
		}
		if !paid {
			unpaid = append(unpaid, *cloneAuction(a))
		}
	}
	sort.Slice(unpaid, func(i, j int) bool { return unpaid[i].EndDate.Before(unpaid[j].EndDate) })
	return unpaid, nil
}

func (s *MemoryStore) ExtendAuction(_ context.Context, id string, expectedEnd, newEnd, extendedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if !a.Status.Biddable() || !a.EndDate.Equal(expectedEnd) {
		return fmt.Errorf("extend auction %s: %w", id, ErrStatusConflict)
	}
	a.EndDate = newEnd
	at := extendedAt
	a.LastExtendedAt = &at
	a.ExtensionCount++
	return nil
}

func (s *MemoryStore) FinalizeAuction(_ context.Context, id string, p FinalizeParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if !a.Status.Biddable() || a.EndDate.After(p.EndedAt) {
		return fmt.Errorf("finalize auction %s: %w", id, ErrStatusConflict)
	}
	a.Status = model.AuctionEnded
	a.WinnerID = cloneString(p.WinnerID)
	a.FinalPrice = cloneDecimal(p.FinalPrice)
	endedAt := p.EndedAt
	a.ActualEndTime = &endedAt
	return nil
}

func (s *MemoryStore) UpdateAuctionStatus(_ context.Context, id string, from []model.AuctionStatus, to model.AuctionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if !slices.Contains(from, a.Status) {
		return fmt.Errorf("auction %s is %s: %w", id, a.Status, ErrStatusConflict)
	}
	a.Status = to
	return nil
}

// --- Products ---

func (s *MemoryStore) CreateProduct(_ context.Context, p *model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[p.ID]; ok {
		return fmt.Errorf("product %s: %w", p.ID, ErrDuplicate)
	}
	cp := *p
	s.products[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpdateProductStatus(_ context.Context, id string, status model.ProductStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	p.Status = status
	return nil
}

// --- Bids ---

// CommitBid runs the price check, bid insert and chain append under the
// store's write lock, so no other writer can observe a half-applied bid.
func (s *MemoryStore) CommitBid(_ context.Context, p CommitBidParams) (*model.BidLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[p.Bid.AuctionID]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", p.Bid.AuctionID, ErrNotFound)
	}
	if !a.Status.Biddable() {
		return nil, fmt.Errorf("commit bid on auction %s: %w", a.ID, ErrStatusConflict)
	}
	if !a.CurrentPrice.Equal(p.ExpectedPrice) {
		return nil, fmt.Errorf("commit bid on auction %s: %w", a.ID, ErrPriceConflict)
	}
	if _, exists := s.bids[p.Bid.ID]; exists {
		return nil, fmt.Errorf("bid %s: %w", p.Bid.ID, ErrDuplicate)
	}

	chain := s.chain[a.ID]
	entry := model.BidLedgerEntry{
		AuctionID: a.ID,
		Seq:       int64(len(chain) + 1),
		BidID:     p.Bid.ID,
		BidderID:  p.Bid.BidderID,
		Amount:    p.Bid.Amount,
		Timestamp: p.Bid.CreatedAt,
	}
	if n := len(chain); n > 0 {
		prev := chain[n-1].Hash
		entry.PrevHash = &prev
	}
	entry.Hash = p.Hasher(entry.PrevHash, entry)

	s.bids[p.Bid.ID] = p.Bid
	s.bidsByAuction[a.ID] = append(s.bidsByAuction[a.ID], p.Bid.ID)
	s.chain[a.ID] = append(chain, entry)
	a.CurrentPrice = p.Bid.Amount
	a.HighestBidID = p.Bid.ID

	out := entry
	return &out, nil
}

func (s *MemoryStore) GetBid(_ context.Context, id string) (*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bids[id]
	if !ok {
		return nil, fmt.Errorf("bid %s: %w", id, ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryStore) ListActiveBids(_ context.Context, auctionID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var bids []model.Bid
	for _, id := range s.bidsByAuction[auctionID] {
		if b := s.bids[id]; b.Status == model.BidStatusActive {
			bids = append(bids, b)
		}
	}
	sort.SliceStable(bids, func(i, j int) bool {
		if c := bids[i].Amount.Cmp(bids[j].Amount); c != 0 {
			return c > 0
		}
		return bids[i].CreatedAt.After(bids[j].CreatedAt)
	})
	return bids, nil
}

func (s *MemoryStore) ListBidLedger(_ context.Context, auctionID string) ([]model.BidLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.chain[auctionID]), nil
}

// --- Idempotency ---

func (s *MemoryStore) GetIdempotencyRecord(_ context.Context, key, auctionID, bidderID string) (*model.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idempotency[idemKey{key, auctionID, bidderID}]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	rec.Response = slices.Clone(rec.Response)
	return &rec, nil
}

func (s *MemoryStore) SaveIdempotencyRecord(_ context.Context, r *model.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := idemKey{r.Key, r.AuctionID, r.BidderID}
	if _, ok := s.idempotency[k]; ok {
		return fmt.Errorf("idempotency key %s: %w", r.Key, ErrDuplicate)
	}
	cp := *r
	cp.Response = slices.Clone(r.Response)
	s.idempotency[k] = cp
	return nil
}

// --- Payouts ---

func (s *MemoryStore) CreatePayout(_ context.Context, p *model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payouts {
		if existing.PayoutReference == p.PayoutReference {
			return fmt.Errorf("payout %s: %w", p.PayoutReference, ErrDuplicate)
		}
	}
	cp := *p
	s.payouts[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPayout(_ context.Context, id string) (*model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPayoutByAuction(_ context.Context, auctionID, sellerID string) (*model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.payouts {
		if p.AuctionID == auctionID && p.SellerID == sellerID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("payout for auction %s: %w", auctionID, ErrNotFound)
}

func (s *MemoryStore) UpdatePayoutAmounts(_ context.Context, id string, commission, net decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	if p.Status != model.PayoutPending {
		return fmt.Errorf("payout %s is %s: %w", id, p.Status, ErrStatusConflict)
	}
	p.CommissionAmount = commission
	p.NetPayout = net
	return nil
}

func (s *MemoryStore) CompletePayout(_ context.Context, id string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	if p.Status != model.PayoutPending {
		return fmt.Errorf("payout %s is %s: %w", id, p.Status, ErrStatusConflict)
	}
	p.Status = model.PayoutCompleted
	at := completedAt
	p.CompletedAt = &at
	return nil
}

// --- Commission ---

func (s *MemoryStore) GetActiveCommissionSettings(_ context.Context) (*model.CommissionSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.commissionErr != nil {
		return nil, s.commissionErr
	}
	if s.commission == nil || !s.commission.Active {
		return nil, fmt.Errorf("active commission settings: %w", ErrNotFound)
	}
	cp := *s.commission
	return &cp, nil
}

func (s *MemoryStore) SaveCommissionSettings(_ context.Context, c *model.CommissionSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	cp.Active = true
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.commission = &cp
	return nil
}

// FailCommissionReads makes GetActiveCommissionSettings return err until
// called again with nil. Test hook.
func (s *MemoryStore) FailCommissionReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commissionErr = err
}

func (s *MemoryStore) GetActiveCommissionRule(_ context.Context, category string) (*model.CommissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[category]
	if !ok || !r.Active {
		return nil, fmt.Errorf("commission rule %s: %w", category, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) SaveCommissionRule(_ context.Context, r *model.CommissionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.rules[r.Category] = cp
	return nil
}

// --- Escrow, risk, notifications ---

func (s *MemoryStore) CreateEscrowAccount(_ context.Context, e *model.EscrowAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.escrows[e.ID]; ok {
		return fmt.Errorf("escrow %s: %w", e.ID, ErrDuplicate)
	}
	cp := *e
	s.escrows[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEscrowByAuction(_ context.Context, auctionID string) (*model.EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.escrows {
		if e.AuctionID == auctionID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("escrow for auction %s: %w", auctionID, ErrNotFound)
}

func (s *MemoryStore) UpdateEscrowStatus(_ context.Context, id string, status model.EscrowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[id]
	if !ok {
		return fmt.Errorf("escrow %s: %w", id, ErrNotFound)
	}
	e.Status = status
	return nil
}

func (s *MemoryStore) GetRiskProfile(_ context.Context, userID string) (*model.RiskProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.risk[userID]
	if !ok {
		return nil, fmt.Errorf("risk profile %s: %w", userID, ErrNotFound)
	}
	return &p, nil
}

// SetRiskProfile stores a risk profile. Risk profiles are owned by the
// risk-control service; the engine only reads them.
func (s *MemoryStore) SetRiskProfile(p model.RiskProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risk[p.UserID] = p
}

func (s *MemoryStore) InsertNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications = append(s.notifications, *n)
	return nil
}

// Notifications returns every notification recorded for userID.
func (s *MemoryStore) Notifications(userID string) []model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// --- Double-entry ledger ---

func (s *MemoryStore) GetOrCreateLedgerAccount(_ context.Context, key model.LedgerAccountKey) (*model.LedgerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, ok := s.accounts[key]; ok {
		cp := *acc
		return &cp, nil
	}
	acc := &model.LedgerAccount{
		ID:          uuid.NewString(),
		OwnerType:   key.OwnerType,
		AccountType: key.AccountType,
		Currency:    key.Currency,
		Status:      "active",
		CreatedAt:   time.Now().UTC(),
	}
	if key.OwnerID != "" {
		owner := key.OwnerID
		acc.OwnerID = &owner
	}
	s.accounts[key] = acc
	cp := *acc
	return &cp, nil
}

func (s *MemoryStore) GetWalletBalance(_ context.Context, accountID string) (*model.WalletBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[accountID]
	if !ok {
		return nil, fmt.Errorf("wallet balance %s: %w", accountID, ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryStore) FindLedgerTransaction(_ context.Context, reference string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txID, ok := s.postedRefs[reference]
	if !ok {
		return "", fmt.Errorf("ledger reference %s: %w", reference, ErrNotFound)
	}
	return txID, nil
}

func (s *MemoryStore) PostLedgerTransaction(_ context.Context, p LedgerPosting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.postedRefs[p.Reference]; ok {
		return fmt.Errorf("ledger reference %s: %w", p.Reference, ErrDuplicate)
	}
	s.entries = append(s.entries, p.Entries...)
	for _, b := range p.Balances {
		s.balances[b.AccountID] = b
	}
	s.postedRefs[p.Reference] = p.TransactionID
	return nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, transactionID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.entries {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// LedgerEntryCount returns the number of ledger entries written so far.
func (s *MemoryStore) LedgerEntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// BidCount returns the number of bids stored for an auction.
func (s *MemoryStore) BidCount(auctionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bidsByAuction[auctionID])
}

// --- copy helpers ---

func cloneAuction(a *model.Auction) *model.Auction {
	cp := *a
	cp.WinnerID = cloneString(a.WinnerID)
	cp.FinalPrice = cloneDecimal(a.FinalPrice)
	cp.ActualEndTime = cloneTime(a.ActualEndTime)
	cp.LastExtendedAt = cloneTime(a.LastExtendedAt)
	return &cp
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneDecimal(v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
