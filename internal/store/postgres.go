package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Auctions ---

const auctionColumns = `id, seller_id, product_id, status, currency,
	current_price::TEXT, increment_amount::TEXT, COALESCE(highest_bid_id, ''),
	start_date, end_date, winner_id, final_price::TEXT,
	actual_end_time, last_extended_at, extension_count, created_at`

func (s *PostgresStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (id, seller_id, product_id, status, currency,
		                       current_price, increment_amount, start_date, end_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		a.ID, a.SellerID, a.ProductID, string(a.Status), a.Currency,
		a.CurrentPrice.String(), a.IncrementAmount.String(),
		a.StartDate, a.EndDate, a.CreatedAt,
	)
	return mapPgError(err, "create auction "+a.ID)
}

func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if err != nil {
		return nil, mapPgError(err, "get auction "+id)
	}
	return a, nil
}

func (s *PostgresStore) ListDueAuctions(ctx context.Context, endsBefore time.Time) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE status IN ('active', 'live')
		   AND (end_date <= $1 OR last_extended_at IS NOT NULL)
		 ORDER BY end_date`, endsBefore)
	if err != nil {
		return nil, err
	}
	return collectAuctions(rows)
}

func (s *PostgresStore) ListUnpaidAuctions(ctx context.Context) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions a
		 WHERE a.status = 'ended' AND a.winner_id IS NOT NULL AND a.final_price IS NOT NULL
		   AND NOT EXISTS (
		       SELECT 1 FROM payouts p WHERE p.auction_id = a.id AND p.seller_id = a.seller_id)
		 ORDER BY a.end_date`)
	if err != nil {
		return nil, err
	}
	return collectAuctions(rows)
}

func collectAuctions(rows pgx.Rows) ([]model.Auction, error) {
	defer rows.Close()

	var auctions []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, *a)
	}
	return auctions, rows.Err()
}

func (s *PostgresStore) ExtendAuction(ctx context.Context, id string, expectedEnd, newEnd, extendedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auctions
		 SET end_date = $3, last_extended_at = $4, extension_count = extension_count + 1
		 WHERE id = $1 AND end_date = $2 AND status IN ('active', 'live')`,
		id, expectedEnd, newEnd, extendedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("extend auction %s: %w", id, ErrStatusConflict)
	}
	return nil
}

func (s *PostgresStore) FinalizeAuction(ctx context.Context, id string, p FinalizeParams) error {
	var finalPrice *string
	if p.FinalPrice != nil {
		v := p.FinalPrice.String()
		finalPrice = &v
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE auctions
		 SET status = 'ended', winner_id = $2, final_price = $3::NUMERIC, actual_end_time = $4
		 WHERE id = $1 AND status IN ('active', 'live') AND end_date <= $4`,
		id, p.WinnerID, finalPrice, p.EndedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize auction %s: %w", id, ErrStatusConflict)
	}
	return nil
}

func (s *PostgresStore) UpdateAuctionStatus(ctx context.Context, id string, from []model.AuctionStatus, to model.AuctionStatus) error {
	fromStrings := make([]string, len(from))
	for i, st := range from {
		fromStrings[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE auctions SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id, string(to), fromStrings)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAuction(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("auction %s status update to %s: %w", id, to, ErrStatusConflict)
	}
	return nil
}

// --- Products ---

func (s *PostgresStore) CreateProduct(ctx context.Context, p *model.Product) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO products (id, seller_id, category, status) VALUES ($1, $2, $3, $4)`,
		p.ID, p.SellerID, p.Category, string(p.Status))
	return mapPgError(err, "create product "+p.ID)
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, seller_id, category, status FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.SellerID, &p.Category, &status)
	if err != nil {
		return nil, mapPgError(err, "get product "+id)
	}
	p.Status = model.ProductStatus(status)
	return &p, nil
}

func (s *PostgresStore) UpdateProductStatus(ctx context.Context, id string, status model.ProductStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE products SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Bids ---

// CommitBid locks the auction row, so concurrent commits on one auction
// queue behind each other and the chain tail read here is the real tail.
func (s *PostgresStore) CommitBid(ctx context.Context, p CommitBidParams) (*model.BidLedgerEntry, error) {
	var entry model.BidLedgerEntry

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var priceS, status string
		err := tx.QueryRow(ctx,
			`SELECT current_price::TEXT, status FROM auctions WHERE id = $1 FOR UPDATE`,
			p.Bid.AuctionID).Scan(&priceS, &status)
		if err != nil {
			return mapPgError(err, "lock auction "+p.Bid.AuctionID)
		}
		if !model.AuctionStatus(status).Biddable() {
			return fmt.Errorf("commit bid on auction %s: %w", p.Bid.AuctionID, ErrStatusConflict)
		}
		if !parseDecimal(priceS).Equal(p.ExpectedPrice) {
			return fmt.Errorf("commit bid on auction %s: %w", p.Bid.AuctionID, ErrPriceConflict)
		}

		var lastSeq int64
		var lastHash *string
		err = tx.QueryRow(ctx,
			`SELECT seq, hash FROM bid_ledger WHERE auction_id = $1 ORDER BY seq DESC LIMIT 1`,
			p.Bid.AuctionID).Scan(&lastSeq, &lastHash)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		entry = model.BidLedgerEntry{
			AuctionID: p.Bid.AuctionID,
			Seq:       lastSeq + 1,
			BidID:     p.Bid.ID,
			BidderID:  p.Bid.BidderID,
			Amount:    p.Bid.Amount,
			Timestamp: p.Bid.CreatedAt,
			PrevHash:  lastHash,
		}
		entry.Hash = p.Hasher(entry.PrevHash, entry)

		if _, err := tx.Exec(ctx,
			`INSERT INTO bids (id, auction_id, bidder_id, amount, status, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
			p.Bid.ID, p.Bid.AuctionID, p.Bid.BidderID, p.Bid.Amount.String(), p.Bid.Status, p.Bid.CreatedAt,
		); err != nil {
			return mapPgError(err, "insert bid "+p.Bid.ID)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO bid_ledger (auction_id, seq, bid_id, bidder_id, amount, timestamp, prev_hash, hash)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
			entry.AuctionID, entry.Seq, entry.BidID, entry.BidderID, entry.Amount.String(),
			entry.Timestamp, entry.PrevHash, entry.Hash,
		); err != nil {
			return mapPgError(err, "append bid ledger "+p.Bid.ID)
		}

		_, err = tx.Exec(ctx,
			`UPDATE auctions SET current_price = $2::NUMERIC, highest_bid_id = $3 WHERE id = $1`,
			p.Bid.AuctionID, p.Bid.Amount.String(), p.Bid.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	var b model.Bid
	var amountS string
	err := s.pool.QueryRow(ctx,
		`SELECT id, auction_id, bidder_id, amount::TEXT, status, created_at FROM bids WHERE id = $1`, id).
		Scan(&b.ID, &b.AuctionID, &b.BidderID, &amountS, &b.Status, &b.CreatedAt)
	if err != nil {
		return nil, mapPgError(err, "get bid "+id)
	}
	b.Amount = parseDecimal(amountS)
	return &b, nil
}

func (s *PostgresStore) ListActiveBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, auction_id, bidder_id, amount::TEXT, status, created_at
		 FROM bids WHERE auction_id = $1 AND status = 'active'
		 ORDER BY amount DESC, created_at DESC`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []model.Bid
	for rows.Next() {
		var b model.Bid
		var amountS string
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amountS, &b.Status, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Amount = parseDecimal(amountS)
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (s *PostgresStore) ListBidLedger(ctx context.Context, auctionID string) ([]model.BidLedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT auction_id, seq, bid_id, bidder_id, amount::TEXT, timestamp, prev_hash, hash
		 FROM bid_ledger WHERE auction_id = $1 ORDER BY seq`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.BidLedgerEntry
	for rows.Next() {
		var e model.BidLedgerEntry
		var amountS string
		if err := rows.Scan(&e.AuctionID, &e.Seq, &e.BidID, &e.BidderID, &amountS,
			&e.Timestamp, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Amount = parseDecimal(amountS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Idempotency ---

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, key, auctionID, bidderID string) (*model.IdempotencyRecord, error) {
	var r model.IdempotencyRecord
	err := s.pool.QueryRow(ctx,
		`SELECT key, auction_id, bidder_id, response, status_code, created_at
		 FROM idempotency_records WHERE key = $1 AND auction_id = $2 AND bidder_id = $3`,
		key, auctionID, bidderID).
		Scan(&r.Key, &r.AuctionID, &r.BidderID, &r.Response, &r.StatusCode, &r.CreatedAt)
	if err != nil {
		return nil, mapPgError(err, "get idempotency record "+key)
	}
	return &r, nil
}

func (s *PostgresStore) SaveIdempotencyRecord(ctx context.Context, r *model.IdempotencyRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_records (key, auction_id, bidder_id, response, status_code, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.Key, r.AuctionID, r.BidderID, r.Response, r.StatusCode, r.CreatedAt)
	return mapPgError(err, "save idempotency record "+r.Key)
}

// --- Payouts ---

const payoutColumns = `id, auction_id, seller_id, product_id, currency,
	sale_price::TEXT, commission_amount::TEXT, listing_fee::TEXT, boost_fee::TEXT,
	verification_fee::TEXT, other_fees::TEXT, net_payout::TEXT,
	status, payout_reference, created_at, completed_at`

func (s *PostgresStore) CreatePayout(ctx context.Context, p *model.Payout) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payouts (id, auction_id, seller_id, product_id, currency, sale_price,
		                      commission_amount, listing_fee, boost_fee, verification_fee,
		                      other_fees, net_payout, status, payout_reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14, $15)`,
		p.ID, p.AuctionID, p.SellerID, p.ProductID, p.Currency, p.SalePrice.String(),
		p.CommissionAmount.String(), p.ListingFee.String(), p.BoostFee.String(),
		p.VerificationFee.String(), p.OtherFees.String(), p.NetPayout.String(),
		string(p.Status), p.PayoutReference, p.CreatedAt)
	return mapPgError(err, "create payout "+p.PayoutReference)
}

func (s *PostgresStore) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	p, err := scanPayout(row)
	if err != nil {
		return nil, mapPgError(err, "get payout "+id)
	}
	return p, nil
}

func (s *PostgresStore) GetPayoutByAuction(ctx context.Context, auctionID, sellerID string) (*model.Payout, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE auction_id = $1 AND seller_id = $2`,
		auctionID, sellerID)
	p, err := scanPayout(row)
	if err != nil {
		return nil, mapPgError(err, "get payout for auction "+auctionID)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePayoutAmounts(ctx context.Context, id string, commission, net decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET commission_amount = $2::NUMERIC, net_payout = $3::NUMERIC
		 WHERE id = $1 AND status = 'pending'`,
		id, commission.String(), net.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update payout %s: %w", id, ErrStatusConflict)
	}
	return nil
}

func (s *PostgresStore) CompletePayout(ctx context.Context, id string, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET status = 'completed', completed_at = $2
		 WHERE id = $1 AND status = 'pending'`, id, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPayout(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("complete payout %s: %w", id, ErrStatusConflict)
	}
	return nil
}

// --- Commission ---

func (s *PostgresStore) GetActiveCommissionSettings(ctx context.Context) (*model.CommissionSettings, error) {
	var c model.CommissionSettings
	var buyerS, sellerS, flatS string
	var overrides []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, buyer_commission_percent::TEXT, seller_commission_percent::TEXT,
		        platform_flat_fee::TEXT, category_overrides, active, updated_at
		 FROM commission_settings WHERE active LIMIT 1`).
		Scan(&c.ID, &buyerS, &sellerS, &flatS, &overrides, &c.Active, &c.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err, "get active commission settings")
	}
	c.BuyerCommissionPercent = parseDecimal(buyerS)
	c.SellerCommissionPercent = parseDecimal(sellerS)
	c.PlatformFlatFee = parseDecimal(flatS)
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &c.CategoryOverrides); err != nil {
			return nil, fmt.Errorf("decode category overrides: %w", err)
		}
	}
	return &c, nil
}

func (s *PostgresStore) SaveCommissionSettings(ctx context.Context, c *model.CommissionSettings) error {
	overrides, err := json.Marshal(c.CategoryOverrides)
	if err != nil {
		return fmt.Errorf("encode category overrides: %w", err)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE commission_settings SET active = false WHERE active`); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO commission_settings (id, buyer_commission_percent, seller_commission_percent,
			                                  platform_flat_fee, category_overrides, active, updated_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, true, now())`,
			c.ID, c.BuyerCommissionPercent.String(), c.SellerCommissionPercent.String(),
			c.PlatformFlatFee.String(), overrides)
		return err
	})
}

func (s *PostgresStore) GetActiveCommissionRule(ctx context.Context, category string) (*model.CommissionRule, error) {
	var r model.CommissionRule
	var pctS string
	err := s.pool.QueryRow(ctx,
		`SELECT id, category, percent::TEXT, active FROM commission_rules
		 WHERE category = $1 AND active`, category).
		Scan(&r.ID, &r.Category, &pctS, &r.Active)
	if err != nil {
		return nil, mapPgError(err, "get commission rule "+category)
	}
	r.Percent = parseDecimal(pctS)
	return &r, nil
}

func (s *PostgresStore) SaveCommissionRule(ctx context.Context, r *model.CommissionRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO commission_rules (id, category, percent, active)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (category) DO UPDATE SET percent = EXCLUDED.percent, active = EXCLUDED.active`,
		r.ID, r.Category, r.Percent.String(), r.Active)
	return err
}

// --- Escrow, risk, notifications ---

func (s *PostgresStore) CreateEscrowAccount(ctx context.Context, e *model.EscrowAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO escrow_accounts (id, auction_id, buyer_id, amount, status)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		e.ID, e.AuctionID, e.BuyerID, e.Amount.String(), string(e.Status))
	return mapPgError(err, "create escrow "+e.ID)
}

func (s *PostgresStore) GetEscrowByAuction(ctx context.Context, auctionID string) (*model.EscrowAccount, error) {
	var e model.EscrowAccount
	var amountS, status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, auction_id, buyer_id, amount::TEXT, status FROM escrow_accounts WHERE auction_id = $1`,
		auctionID).Scan(&e.ID, &e.AuctionID, &e.BuyerID, &amountS, &status)
	if err != nil {
		return nil, mapPgError(err, "get escrow for auction "+auctionID)
	}
	e.Amount = parseDecimal(amountS)
	e.Status = model.EscrowStatus(status)
	return &e, nil
}

func (s *PostgresStore) UpdateEscrowStatus(ctx context.Context, id string, status model.EscrowStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE escrow_accounts SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetRiskProfile(ctx context.Context, userID string) (*model.RiskProfile, error) {
	var p model.RiskProfile
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, blocked, reason, cooldown_until FROM risk_profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.Blocked, &p.Reason, &p.CooldownUntil)
	if err != nil {
		return nil, mapPgError(err, "get risk profile "+userID)
	}
	return &p, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, kind, auction_id, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.UserID, n.Kind, n.AuctionID, n.Message, n.CreatedAt)
	return err
}

// --- Double-entry ledger ---

func (s *PostgresStore) GetOrCreateLedgerAccount(ctx context.Context, key model.LedgerAccountKey) (*model.LedgerAccount, error) {
	var ownerID *string
	if key.OwnerID != "" {
		ownerID = &key.OwnerID
	}
	var a model.LedgerAccount
	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ledger_accounts (id, owner_type, owner_id, account_type, currency, status)
		 VALUES ($1, $2, $3, $4, $5, 'active')
		 ON CONFLICT (owner_type, account_type, currency, owner_key)
		 DO UPDATE SET status = ledger_accounts.status
		 RETURNING id, owner_type, owner_id, account_type, currency, status, created_at`,
		uuid.NewString(), key.OwnerType, ownerID, key.AccountType, key.Currency).
		Scan(&a.ID, &a.OwnerType, &a.OwnerID, &a.AccountType, &a.Currency, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("resolve ledger account %s/%s: %w", key.OwnerType, key.AccountType, err)
	}
	return &a, nil
}

func (s *PostgresStore) GetWalletBalance(ctx context.Context, accountID string) (*model.WalletBalance, error) {
	var b model.WalletBalance
	var balS string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, currency, available_balance::TEXT, updated_at
		 FROM wallet_balances WHERE account_id = $1`, accountID).
		Scan(&b.AccountID, &b.Currency, &balS, &b.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err, "get wallet balance "+accountID)
	}
	b.AvailableBalance = parseDecimal(balS)
	return &b, nil
}

func (s *PostgresStore) FindLedgerTransaction(ctx context.Context, reference string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM ledger_transactions WHERE reference = $1`, reference).Scan(&id)
	if err != nil {
		return "", mapPgError(err, "find ledger transaction "+reference)
	}
	return id, nil
}

func (s *PostgresStore) PostLedgerTransaction(ctx context.Context, p LedgerPosting) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_transactions (id, reference) VALUES ($1, $2)`,
			p.TransactionID, p.Reference); err != nil {
			return mapPgError(err, "post ledger transaction "+p.Reference)
		}
		for _, e := range p.Entries {
			if _, err := tx.Exec(ctx,
				`INSERT INTO ledger_entries (id, transaction_id, account_id, debit, credit,
				                             balance_after, reference, timestamp)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
				e.ID, e.TransactionID, e.AccountID, e.Debit.String(), e.Credit.String(),
				e.BalanceAfter.String(), e.Reference, e.Timestamp); err != nil {
				return err
			}
		}
		for _, b := range p.Balances {
			if _, err := tx.Exec(ctx,
				`INSERT INTO wallet_balances (account_id, currency, available_balance, updated_at)
				 VALUES ($1, $2, $3::NUMERIC, $4)
				 ON CONFLICT (account_id) DO UPDATE
				 SET available_balance = EXCLUDED.available_balance, updated_at = EXCLUDED.updated_at`,
				b.AccountID, b.Currency, b.AvailableBalance.String(), b.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, transactionID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, transaction_id, account_id, debit::TEXT, credit::TEXT, balance_after::TEXT,
		        reference, timestamp
		 FROM ledger_entries WHERE transaction_id = $1 ORDER BY timestamp, id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var debitS, creditS, balS string
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &debitS, &creditS, &balS,
			&e.Reference, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Debit = parseDecimal(debitS)
		e.Credit = parseDecimal(creditS)
		e.BalanceAfter = parseDecimal(balS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- scan helpers ---

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuction(row rowScanner) (*model.Auction, error) {
	var a model.Auction
	var status, priceS, incS string
	var finalS *string
	if err := row.Scan(&a.ID, &a.SellerID, &a.ProductID, &status, &a.Currency,
		&priceS, &incS, &a.HighestBidID,
		&a.StartDate, &a.EndDate, &a.WinnerID, &finalS,
		&a.ActualEndTime, &a.LastExtendedAt, &a.ExtensionCount, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = model.AuctionStatus(status)
	a.CurrentPrice = parseDecimal(priceS)
	a.IncrementAmount = parseDecimal(incS)
	if finalS != nil {
		fp := parseDecimal(*finalS)
		a.FinalPrice = &fp
	}
	return &a, nil
}

func scanPayout(row rowScanner) (*model.Payout, error) {
	var p model.Payout
	var saleS, commS, listS, boostS, verS, otherS, netS, status string
	if err := row.Scan(&p.ID, &p.AuctionID, &p.SellerID, &p.ProductID, &p.Currency,
		&saleS, &commS, &listS, &boostS, &verS, &otherS, &netS,
		&status, &p.PayoutReference, &p.CreatedAt, &p.CompletedAt); err != nil {
		return nil, err
	}
	p.SalePrice = parseDecimal(saleS)
	p.CommissionAmount = parseDecimal(commS)
	p.ListingFee = parseDecimal(listS)
	p.BoostFee = parseDecimal(boostS)
	p.VerificationFee = parseDecimal(verS)
	p.OtherFees = parseDecimal(otherS)
	p.NetPayout = parseDecimal(netS)
	p.Status = model.PayoutStatus(status)
	return &p, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// mapPgError translates driver errors into store sentinels.
func mapPgError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrPriceConflict) || errors.Is(err, ErrStatusConflict) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
