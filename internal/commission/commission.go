// Package commission resolves the platform commission policy and splits a
// sale amount into buyer, seller and platform parts.
package commission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/cache"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// DefaultTTL is how long the active settings are served from cache.
const DefaultTTL = 5 * time.Minute

const activeKey = "active"

var hundred = decimal.NewFromInt(100)

// Default is the policy used when no active settings row exists or the
// read fails.
func Default() model.CommissionSettings {
	return model.CommissionSettings{
		BuyerCommissionPercent:  decimal.NewFromInt(10),
		SellerCommissionPercent: decimal.NewFromInt(3),
		PlatformFlatFee:         decimal.Zero,
		Active:                  true,
	}
}

// Context carries the sale attributes a commission may depend on.
type Context struct {
	Category string
}

// Breakdown is the split of one sale amount. All values are minor units.
type Breakdown struct {
	Amount            decimal.Decimal `json:"amount"`
	BuyerCommission   decimal.Decimal `json:"buyer_commission"`
	SellerCommission  decimal.Decimal `json:"seller_commission"`
	PlatformFlatFee   decimal.Decimal `json:"platform_flat_fee"`
	TotalCommission   decimal.Decimal `json:"total_commission"`
	NetToSeller       decimal.Decimal `json:"net_to_seller"`
	BuyerPercentUsed  decimal.Decimal `json:"buyer_percent_used"`
	SellerPercentUsed decimal.Decimal `json:"seller_percent_used"`
}

// Service reads and caches the active commission settings.
type Service struct {
	store  store.Store
	cache  cache.Cache[string, model.CommissionSettings]
	logger *slog.Logger
}

// NewService creates a commission service. Pass cache.NewLRU with the
// configured TTL for production use.
func NewService(st store.Store, c cache.Cache[string, model.CommissionSettings], logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, cache: c, logger: logger}
}

// Active returns the current settings, serving from cache unless
// forceRefresh is set. It never fails: read errors fall back to Default.
func (s *Service) Active(ctx context.Context, forceRefresh bool) model.CommissionSettings {
	if !forceRefresh {
		if cs, ok := s.cache.Get(activeKey); ok {
			return cs
		}
	}

	cs, err := s.store.GetActiveCommissionSettings(ctx)
	switch {
	case err == nil:
		s.cache.Set(activeKey, *cs)
		return *cs
	case errors.Is(err, store.ErrNotFound):
		def := Default()
		s.cache.Set(activeKey, def)
		return def
	default:
		// Not cached, so the next call retries the read.
		s.logger.Error("commission settings read failed, using default policy", "err", err)
		return Default()
	}
}

// InvalidateCache drops the cached settings.
func (s *Service) InvalidateCache() {
	s.cache.Delete(activeKey)
}

// UpdateSettings stores cs as the active policy and invalidates the cache.
func (s *Service) UpdateSettings(ctx context.Context, cs model.CommissionSettings) (model.CommissionSettings, error) {
	cs.Active = true
	cs.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveCommissionSettings(ctx, &cs); err != nil {
		return model.CommissionSettings{}, err
	}
	s.InvalidateCache()
	s.logger.Info("commission settings updated",
		"buyer_pct", cs.BuyerCommissionPercent.String(),
		"seller_pct", cs.SellerCommissionPercent.String(),
		"flat_fee", cs.PlatformFlatFee.String(),
	)
	return cs, nil
}

// ApplyCommissionRules splits amount using the active policy. Category
// overrides are stored but not applied.
func (s *Service) ApplyCommissionRules(ctx context.Context, amount decimal.Decimal, _ Context) Breakdown {
	// TODO: apply CategoryOverrides[c.Category] to the seller percent.
	return Split(amount, s.Active(ctx, false))
}

// Split computes the breakdown of amount under cs.
func Split(amount decimal.Decimal, cs model.CommissionSettings) Breakdown {
	buyer := Percent(amount, cs.BuyerCommissionPercent)
	seller := Percent(amount, cs.SellerCommissionPercent)
	flat := cs.PlatformFlatFee

	return Breakdown{
		Amount:            amount,
		BuyerCommission:   buyer,
		SellerCommission:  seller,
		PlatformFlatFee:   flat,
		TotalCommission:   buyer.Add(seller).Add(flat),
		NetToSeller:       amount.Sub(seller).Sub(flat),
		BuyerPercentUsed:  cs.BuyerCommissionPercent,
		SellerPercentUsed: cs.SellerCommissionPercent,
	}
}

// Percent returns pct percent of amount rounded to whole minor units.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred).Round(0)
}
