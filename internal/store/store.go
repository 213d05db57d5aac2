// Package store defines the persistence interface for the auction engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for auction reads), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrPriceConflict is returned by CommitBid when the auction price no
	// longer matches the price the bid was validated against.
	ErrPriceConflict = errors.New("store: auction price changed")

	// ErrStatusConflict is returned when a guarded status transition finds
	// the row in an unexpected state.
	ErrStatusConflict = errors.New("store: unexpected status")
)

// ChainHasher computes the hash of a bid ledger entry from its predecessor.
type ChainHasher func(prevHash *string, entry model.BidLedgerEntry) string

// CommitBidParams is everything CommitBid needs to accept one bid.
type CommitBidParams struct {
	Bid model.Bid

	// ExpectedPrice is the current_price the bid was validated against.
	ExpectedPrice decimal.Decimal

	Hasher ChainHasher
}

// FinalizeParams sets the outcome of an ended auction. WinnerID and
// FinalPrice are nil when the auction closed without bids.
type FinalizeParams struct {
	WinnerID   *string
	FinalPrice *decimal.Decimal
	EndedAt    time.Time
}

// LedgerPosting is one balanced transaction plus the balances it produces.
type LedgerPosting struct {
	TransactionID string
	Reference     string
	Entries       []model.LedgerEntry
	Balances      []model.WalletBalance
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Auctions ---

	CreateAuction(ctx context.Context, auction *model.Auction) error
	GetAuction(ctx context.Context, id string) (*model.Auction, error)

	// ListDueAuctions returns active/live auctions whose end date is at or
	// before endsBefore, plus active/live auctions that have been extended
	// at least once and so are in soft close until they end.
	ListDueAuctions(ctx context.Context, endsBefore time.Time) ([]model.Auction, error)

	// ListUnpaidAuctions returns ended auctions that have a winner but no
	// payout for their seller.
	ListUnpaidAuctions(ctx context.Context) ([]model.Auction, error)

	// ExtendAuction moves end_date from expectedEnd to newEnd. Returns
	// ErrStatusConflict if the auction is no longer biddable or its end
	// date moved.
	ExtendAuction(ctx context.Context, id string, expectedEnd, newEnd, extendedAt time.Time) error

	// FinalizeAuction marks a biddable auction as ended. Returns
	// ErrStatusConflict when the auction is not biddable or its end date
	// is after params.EndedAt.
	FinalizeAuction(ctx context.Context, id string, params FinalizeParams) error

	// UpdateAuctionStatus moves an auction to status `to` only when it is
	// currently in one of `from`.
	UpdateAuctionStatus(ctx context.Context, id string, from []model.AuctionStatus, to model.AuctionStatus) error

	// --- Products ---

	CreateProduct(ctx context.Context, product *model.Product) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	UpdateProductStatus(ctx context.Context, id string, status model.ProductStatus) error

	// --- Bids and the hash-chained bid ledger ---

	// CommitBid atomically compares current_price with ExpectedPrice,
	// inserts the bid, moves current_price and highest_bid_id, and appends
	// the next bid ledger entry. Nothing is written on error.
	CommitBid(ctx context.Context, params CommitBidParams) (*model.BidLedgerEntry, error)

	GetBid(ctx context.Context, id string) (*model.Bid, error)

	// ListActiveBids returns active bids ordered by amount desc, then
	// recency desc.
	ListActiveBids(ctx context.Context, auctionID string) ([]model.Bid, error)

	// ListBidLedger returns the chain of an auction in insertion order.
	ListBidLedger(ctx context.Context, auctionID string) ([]model.BidLedgerEntry, error)

	// --- Idempotency ---

	GetIdempotencyRecord(ctx context.Context, key, auctionID, bidderID string) (*model.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, record *model.IdempotencyRecord) error

	// --- Payouts ---

	// CreatePayout returns ErrDuplicate if the payout reference exists.
	CreatePayout(ctx context.Context, payout *model.Payout) error
	GetPayout(ctx context.Context, id string) (*model.Payout, error)
	GetPayoutByAuction(ctx context.Context, auctionID, sellerID string) (*model.Payout, error)

	// UpdatePayoutAmounts rewrites commission and net of a pending payout.
	UpdatePayoutAmounts(ctx context.Context, id string, commission, net decimal.Decimal) error

	// CompletePayout flips pending to completed exactly once; a second call
	// returns ErrStatusConflict.
	CompletePayout(ctx context.Context, id string, completedAt time.Time) error

	// --- Commission ---

	GetActiveCommissionSettings(ctx context.Context) (*model.CommissionSettings, error)

	// SaveCommissionSettings stores settings as the single active row.
	SaveCommissionSettings(ctx context.Context, settings *model.CommissionSettings) error

	GetActiveCommissionRule(ctx context.Context, category string) (*model.CommissionRule, error)
	SaveCommissionRule(ctx context.Context, rule *model.CommissionRule) error

	// --- Escrow, risk, notifications ---

	CreateEscrowAccount(ctx context.Context, account *model.EscrowAccount) error
	GetEscrowByAuction(ctx context.Context, auctionID string) (*model.EscrowAccount, error)
	UpdateEscrowStatus(ctx context.Context, id string, status model.EscrowStatus) error

	GetRiskProfile(ctx context.Context, userID string) (*model.RiskProfile, error)

	InsertNotification(ctx context.Context, notification *model.Notification) error

	// --- Double-entry ledger ---

	// GetOrCreateLedgerAccount resolves the account for key, creating it
	// on first use.
	GetOrCreateLedgerAccount(ctx context.Context, key model.LedgerAccountKey) (*model.LedgerAccount, error)
	GetWalletBalance(ctx context.Context, accountID string) (*model.WalletBalance, error)

	// FindLedgerTransaction returns the transaction id posted under
	// reference, or ErrNotFound.
	FindLedgerTransaction(ctx context.Context, reference string) (string, error)

	// PostLedgerTransaction writes entries and upserts balances together.
	// Returns ErrDuplicate when reference was already posted.
	PostLedgerTransaction(ctx context.Context, posting LedgerPosting) error

	ListLedgerEntries(ctx context.Context, transactionID string) ([]model.LedgerEntry, error)
}

// Layered is implemented by stores that wrap a primary store, such as a
// cache.
type Layered interface {
	Unwrap() Store
}

// Primary returns the innermost store of st. Reads made under an auction
// lock go through it so they never see a cached copy.
func Primary(st Store) Store {
	for {
		l, ok := st.(Layered)
		if !ok {
			return st
		}
		st = l.Unwrap()
	}
}
