package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/auction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for auction and product reads. Every method that touches an auction
// row drops the cached copy; methods not overridden pass straight through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// Unwrap returns the primary store.
func (s *CachedStore) Unwrap() Store { return s.Store }

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	if err := s.Store.CreateAuction(ctx, a); err != nil {
		return err
	}
	s.set(ctx, auctionKey(a.ID), a)
	return nil
}

func (s *CachedStore) CommitBid(ctx context.Context, p CommitBidParams) (*model.BidLedgerEntry, error) {
	entry, err := s.Store.CommitBid(ctx, p)
	// A price conflict means our cached copy is stale as well.
	s.rdb.Del(ctx, auctionKey(p.Bid.AuctionID))
	return entry, err
}

func (s *CachedStore) ExtendAuction(ctx context.Context, id string, expectedEnd, newEnd, extendedAt time.Time) error {
	err := s.Store.ExtendAuction(ctx, id, expectedEnd, newEnd, extendedAt)
	s.rdb.Del(ctx, auctionKey(id))
	return err
}

func (s *CachedStore) FinalizeAuction(ctx context.Context, id string, p FinalizeParams) error {
	err := s.Store.FinalizeAuction(ctx, id, p)
	s.rdb.Del(ctx, auctionKey(id))
	return err
}

func (s *CachedStore) UpdateAuctionStatus(ctx context.Context, id string, from []model.AuctionStatus, to model.AuctionStatus) error {
	err := s.Store.UpdateAuctionStatus(ctx, id, from, to)
	s.rdb.Del(ctx, auctionKey(id))
	return err
}

func (s *CachedStore) UpdateProductStatus(ctx context.Context, id string, status model.ProductStatus) error {
	if err := s.Store.UpdateProductStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, productKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	var a model.Auction
	if s.get(ctx, auctionKey(id), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	got, err := s.Store.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, auctionKey(id), got)
	return got, nil
}

func (s *CachedStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	if s.get(ctx, productKey(id), &p) {
		return &p, nil
	}

	got, err := s.Store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, productKey(id), got)
	return got, nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func auctionKey(id string) string { return fmt.Sprintf("auction:%s", id) }
func productKey(id string) string { return fmt.Sprintf("product:%s", id) }
