// Package risk decides whether a user may currently place bids, based on
// the risk profile maintained by the risk-control service.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atmx/auction-engine/internal/apperr"
	"github.com/atmx/auction-engine/internal/cache"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// DefaultTTL is how long a risk summary is trusted before re-reading.
const DefaultTTL = 30 * time.Second

// Checker reads risk profiles through a short-lived cache.
type Checker struct {
	store store.Store
	cache cache.Cache[string, model.RiskProfile]
	now   func() time.Time
}

// NewChecker creates a Checker. now defaults to time.Now.
func NewChecker(st store.Store, c cache.Cache[string, model.RiskProfile], now func() time.Time) *Checker {
	if now == nil {
		now = time.Now
	}
	return &Checker{store: st, cache: c, now: now}
}

// Check returns a Restricted error when userID is blocked or cooling down.
// Users without a profile are unrestricted.
func (c *Checker) Check(ctx context.Context, userID string) error {
	p, err := c.profile(ctx, userID)
	if err != nil {
		return err
	}

	now := c.now()
	cooling := p.CooldownUntil != nil && p.CooldownUntil.After(now)
	if !p.Blocked && !cooling {
		return nil
	}

	reason := p.Reason
	if reason == "" {
		reason = "risk_restricted"
	}
	e := apperr.Restricted("bidder_restricted", "bidding is restricted for this account").
		WithMeta("blocked", p.Blocked).
		WithMeta("reason", reason)
	if cooling {
		e = e.WithMeta("cooldown_until", p.CooldownUntil.UTC().Format(time.RFC3339)).
			WithMeta("retry_after_seconds", int64(math.Ceil(p.CooldownUntil.Sub(now).Seconds())))
	}
	return e
}

// Invalidate drops the cached summary for userID.
func (c *Checker) Invalidate(userID string) {
	c.cache.Delete(userID)
}

func (c *Checker) profile(ctx context.Context, userID string) (model.RiskProfile, error) {
	if p, ok := c.cache.Get(userID); ok {
		return p, nil
	}
	p, err := c.store.GetRiskProfile(ctx, userID)
	switch {
	case err == nil:
		c.cache.Set(userID, *p)
		return *p, nil
	case errors.Is(err, store.ErrNotFound):
		clean := model.RiskProfile{UserID: userID}
		c.cache.Set(userID, clean)
		return clean, nil
	default:
		return model.RiskProfile{}, apperr.Internal(fmt.Errorf("load risk profile %s: %w", userID, err))
	}
}
