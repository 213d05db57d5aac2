// Package model defines the core domain types shared across the auction engine.
// All monetary values use shopspring/decimal in minor units (cents). Never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus is the lifecycle phase of an auction.
type AuctionStatus string

const (
	AuctionDraft         AuctionStatus = "draft"
	AuctionActive        AuctionStatus = "active"
	AuctionLive          AuctionStatus = "live"
	AuctionEnded         AuctionStatus = "ended"
	AuctionAwaitingFunds AuctionStatus = "awaiting_funds"
	AuctionCompleted     AuctionStatus = "completed"
	AuctionCancelled     AuctionStatus = "cancelled"
)

// Biddable reports whether the status accepts new bids.
func (s AuctionStatus) Biddable() bool {
	return s == AuctionActive || s == AuctionLive
}

// Auction is a time-bounded sale of one product.
// CurrentPrice never decreases while the auction is biddable.
type Auction struct {
	ID              string           `json:"id" db:"id"`
	SellerID        string           `json:"seller_id" db:"seller_id"`
	ProductID       string           `json:"product_id" db:"product_id"`
	Status          AuctionStatus    `json:"status" db:"status"`
	Currency        string           `json:"currency" db:"currency"`
	CurrentPrice    decimal.Decimal  `json:"current_price" db:"current_price"`
	IncrementAmount decimal.Decimal  `json:"increment_amount" db:"increment_amount"`
	HighestBidID    string           `json:"highest_bid_id,omitempty" db:"highest_bid_id"`
	StartDate       time.Time        `json:"start_date" db:"start_date"`
	EndDate         time.Time        `json:"end_date" db:"end_date"`
	WinnerID        *string          `json:"winner_id" db:"winner_id"`
	FinalPrice      *decimal.Decimal `json:"final_price" db:"final_price"`
	ActualEndTime   *time.Time       `json:"actual_end_time,omitempty" db:"actual_end_time"`
	LastExtendedAt  *time.Time       `json:"last_extended_at,omitempty" db:"last_extended_at"`
	ExtensionCount  int              `json:"extension_count" db:"extension_count"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// ProductStatus tracks a listed product through sale and settlement.
type ProductStatus string

const (
	ProductListed  ProductStatus = "listed"
	ProductSold    ProductStatus = "sold"
	ProductSettled ProductStatus = "settled"
)

// Product is the item an auction sells. Category drives commission rules.
type Product struct {
	ID       string        `json:"id" db:"id"`
	SellerID string        `json:"seller_id" db:"seller_id"`
	Category string        `json:"category" db:"category"`
	Status   ProductStatus `json:"status" db:"status"`
}

// BidStatusActive is the only status a bid is ever written with.
const BidStatusActive = "active"

// Bid is an accepted offer. Bids are append-only and never mutated.
type Bid struct {
	ID        string          `json:"id" db:"id"`
	AuctionID string          `json:"auction_id" db:"auction_id"`
	BidderID  string          `json:"bidder_id" db:"bidder_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Status    string          `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// BidLedgerEntry is one link of the per-auction hash chain.
// PrevHash is nil for the first entry of an auction.
type BidLedgerEntry struct {
	AuctionID string          `json:"auction_id" db:"auction_id"`
	Seq       int64           `json:"seq" db:"seq"`
	BidID     string          `json:"bid_id" db:"bid_id"`
	BidderID  string          `json:"bidder_id" db:"bidder_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	PrevHash  *string         `json:"prev_hash" db:"prev_hash"`
	Hash      string          `json:"hash" db:"hash"`
}

// IdempotencyRecord stores the canonical response of a processed bid,
// unique per (Key, AuctionID, BidderID).
type IdempotencyRecord struct {
	Key        string    `json:"key" db:"key"`
	AuctionID  string    `json:"auction_id" db:"auction_id"`
	BidderID   string    `json:"bidder_id" db:"bidder_id"`
	Response   []byte    `json:"response" db:"response"`
	StatusCode int       `json:"status_code" db:"status_code"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// PayoutStatus is pending until escrow has released the funds.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
)

// Payout is the money owed to a seller after an auction concludes.
type Payout struct {
	ID               string          `json:"id" db:"id"`
	AuctionID        string          `json:"auction_id" db:"auction_id"`
	SellerID         string          `json:"seller_id" db:"seller_id"`
	ProductID        string          `json:"product_id" db:"product_id"`
	Currency         string          `json:"currency" db:"currency"`
	SalePrice        decimal.Decimal `json:"sale_price" db:"sale_price"`
	CommissionAmount decimal.Decimal `json:"commission_amount" db:"commission_amount"`
	ListingFee       decimal.Decimal `json:"listing_fee" db:"listing_fee"`
	BoostFee         decimal.Decimal `json:"boost_fee" db:"boost_fee"`
	VerificationFee  decimal.Decimal `json:"verification_fee" db:"verification_fee"`
	OtherFees        decimal.Decimal `json:"other_fees" db:"other_fees"`
	NetPayout        decimal.Decimal `json:"net_payout" db:"net_payout"`
	Status           PayoutStatus    `json:"status" db:"status"`
	PayoutReference  string          `json:"payout_reference" db:"payout_reference"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// DefaultCurrency applies to payouts of auctions that carry no currency.
const DefaultCurrency = "USD"

// PayoutReference is the unique per-auction payout reference.
func PayoutReference(auctionID string) string {
	return "auction:" + auctionID
}

// CommissionSettings is the platform-wide commission policy. One row is active.
type CommissionSettings struct {
	ID                      string                     `json:"id" db:"id"`
	BuyerCommissionPercent  decimal.Decimal            `json:"buyer_commission_percent" db:"buyer_commission_percent"`
	SellerCommissionPercent decimal.Decimal            `json:"seller_commission_percent" db:"seller_commission_percent"`
	PlatformFlatFee         decimal.Decimal            `json:"platform_flat_fee" db:"platform_flat_fee"`
	CategoryOverrides       map[string]decimal.Decimal `json:"category_overrides" db:"category_overrides"`
	Active                  bool                       `json:"active" db:"active"`
	UpdatedAt               time.Time                  `json:"updated_at" db:"updated_at"`
}

// CommissionRule is a per-category commission percentage applied at
// finalization time.
type CommissionRule struct {
	ID       string          `json:"id" db:"id"`
	Category string          `json:"category" db:"category"`
	Percent  decimal.Decimal `json:"percent" db:"percent"`
	Active   bool            `json:"active" db:"active"`
}

// EscrowStatus tracks buyer funds held for an auction.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
)

// EscrowAccount holds the winning buyer's funds until settlement.
type EscrowAccount struct {
	ID        string          `json:"id" db:"id"`
	AuctionID string          `json:"auction_id" db:"auction_id"`
	BuyerID   string          `json:"buyer_id" db:"buyer_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Status    EscrowStatus    `json:"status" db:"status"`
}

// RiskProfile is the risk-control summary for a user.
type RiskProfile struct {
	UserID        string     `json:"user_id" db:"user_id"`
	Blocked       bool       `json:"blocked" db:"blocked"`
	Reason        string     `json:"reason,omitempty" db:"reason"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`
}

// Notification is a best-effort record picked up by the delivery service.
type Notification struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Kind      string    `json:"kind" db:"kind"`
	AuctionID string    `json:"auction_id" db:"auction_id"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Ledger owner and account types.
const (
	OwnerSeller   = "seller"
	OwnerPlatform = "platform"

	AccountWallet   = "wallet"
	AccountClearing = "clearing"
)

// LedgerAccountKey identifies a ledger account. OwnerID is empty for the
// platform.
type LedgerAccountKey struct {
	OwnerType   string
	OwnerID     string
	AccountType string
	Currency    string
}

// LedgerAccount is a double-entry account.
type LedgerAccount struct {
	ID          string    `json:"id" db:"id"`
	OwnerType   string    `json:"owner_type" db:"owner_type"`
	OwnerID     *string   `json:"owner_id" db:"owner_id"`
	AccountType string    `json:"account_type" db:"account_type"`
	Currency    string    `json:"currency" db:"currency"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// LedgerEntry is one side of a balanced transaction.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Debit         decimal.Decimal `json:"debit" db:"debit"`
	Credit        decimal.Decimal `json:"credit" db:"credit"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Reference     string          `json:"reference" db:"reference"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// WalletBalance mirrors the latest BalanceAfter of an account.
type WalletBalance struct {
	AccountID        string          `json:"account_id" db:"account_id"`
	Currency         string          `json:"currency" db:"currency"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// BiddingStats is the live projection over an auction's active bids.
type BiddingStats struct {
	HighestBid    decimal.Decimal `json:"highest_bid"`
	HighestBidder string          `json:"highest_bidder"`
	TotalBids     int             `json:"total_bids"`
	BidsPerMinute float64         `json:"bids_per_minute"`
	ActiveBidders int             `json:"active_bidders"`
	LastBidTime   *time.Time      `json:"last_bid_time"`
}
