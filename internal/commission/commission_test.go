package commission_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/cache"
	"github.com/atmx/auction-engine/internal/commission"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

func newService(t *testing.T, ttl time.Duration) (*commission.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	c := cache.NewLRU[string, model.CommissionSettings](1, ttl)
	return commission.NewService(ms, c, nil), ms
}

func TestActive_DefaultWhenMissing(t *testing.T) {
	svc, _ := newService(t, time.Minute)
	cs := svc.Active(context.Background(), false)

	if !cs.BuyerCommissionPercent.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected default buyer 10%%, got %s", cs.BuyerCommissionPercent)
	}
	if !cs.SellerCommissionPercent.Equal(decimal.NewFromInt(3)) {
		t.Errorf("expected default seller 3%%, got %s", cs.SellerCommissionPercent)
	}
	if !cs.PlatformFlatFee.IsZero() {
		t.Errorf("expected zero flat fee, got %s", cs.PlatformFlatFee)
	}
}

func TestActive_DefaultOnReadFailure(t *testing.T) {
	svc, ms := newService(t, time.Minute)
	ms.FailCommissionReads(errors.New("connection refused"))

	cs := svc.Active(context.Background(), false)
	if !cs.BuyerCommissionPercent.Equal(decimal.NewFromInt(10)) {
		t.Errorf("read failure should fall back to default, got %s", cs.BuyerCommissionPercent)
	}

	// Failure results are not cached.
	ms.FailCommissionReads(nil)
	ms.SaveCommissionSettings(context.Background(), &model.CommissionSettings{
		BuyerCommissionPercent:  decimal.NewFromInt(7),
		SellerCommissionPercent: decimal.NewFromInt(2),
	})
	cs = svc.Active(context.Background(), false)
	if !cs.BuyerCommissionPercent.Equal(decimal.NewFromInt(7)) {
		t.Errorf("expected fresh read after failure, got %s", cs.BuyerCommissionPercent)
	}
}

func TestActive_CachedUntilTTL(t *testing.T) {
	svc, ms := newService(t, 50*time.Millisecond)
	ctx := context.Background()
	ms.SaveCommissionSettings(ctx, &model.CommissionSettings{BuyerCommissionPercent: decimal.NewFromInt(5)})

	if got := svc.Active(ctx, false).BuyerCommissionPercent; !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected 5, got %s", got)
	}

	// Change behind the service's back; the cached value still wins.
	ms.SaveCommissionSettings(ctx, &model.CommissionSettings{BuyerCommissionPercent: decimal.NewFromInt(8)})
	if got := svc.Active(ctx, false).BuyerCommissionPercent; !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected cached 5, got %s", got)
	}
	if got := svc.Active(ctx, true).BuyerCommissionPercent; !got.Equal(decimal.NewFromInt(8)) {
		t.Errorf("force refresh should read 8, got %s", got)
	}

	ms.SaveCommissionSettings(ctx, &model.CommissionSettings{BuyerCommissionPercent: decimal.NewFromInt(9)})
	time.Sleep(120 * time.Millisecond)
	if got := svc.Active(ctx, false).BuyerCommissionPercent; !got.Equal(decimal.NewFromInt(9)) {
		t.Errorf("expired cache should re-read 9, got %s", got)
	}
}

func TestUpdateSettings_Invalidates(t *testing.T) {
	svc, _ := newService(t, time.Hour)
	ctx := context.Background()
	svc.Active(ctx, false) // caches the default

	_, err := svc.UpdateSettings(ctx, model.CommissionSettings{
		BuyerCommissionPercent:  decimal.NewFromInt(12),
		SellerCommissionPercent: decimal.NewFromInt(4),
		PlatformFlatFee:         decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	cs := svc.Active(ctx, false)
	if !cs.BuyerCommissionPercent.Equal(decimal.NewFromInt(12)) || !cs.PlatformFlatFee.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected updated settings, got %+v", cs)
	}
}

func TestApplyCommissionRules_SplitIdentities(t *testing.T) {
	svc, _ := newService(t, time.Minute)
	ctx := context.Background()
	svc.UpdateSettings(ctx, model.CommissionSettings{
		BuyerCommissionPercent:  decimal.NewFromInt(10),
		SellerCommissionPercent: decimal.NewFromInt(3),
		PlatformFlatFee:         decimal.NewFromInt(100),
	})

	amounts := []int64{0, 1, 99, 1000, 15000, 123457}
	for _, a := range amounts {
		amount := decimal.NewFromInt(a)
		b := svc.ApplyCommissionRules(ctx, amount, commission.Context{Category: "watches"})

		if !b.TotalCommission.Equal(b.BuyerCommission.Add(b.SellerCommission).Add(b.PlatformFlatFee)) {
			t.Errorf("%d: total != buyer + seller + flat", a)
		}
		if !b.NetToSeller.Equal(amount.Sub(b.SellerCommission).Sub(b.PlatformFlatFee)) {
			t.Errorf("%d: net != amount - seller - flat", a)
		}
		if !b.BuyerCommission.Equal(b.BuyerCommission.Round(0)) {
			t.Errorf("%d: buyer commission not whole minor units: %s", a, b.BuyerCommission)
		}
	}
}

func TestPercent_Rounding(t *testing.T) {
	tests := []struct {
		amount, pct int64
		want        int64
	}{
		{15000, 10, 1500},
		{15000, 3, 450},
		{15, 10, 2},     // 1.5 rounds half away from zero
		{14, 10, 1},     // 1.4
		{12345, 3, 370}, // 370.35
	}
	for _, tt := range tests {
		got := commission.Percent(decimal.NewFromInt(tt.amount), decimal.NewFromInt(tt.pct))
		if !got.Equal(decimal.NewFromInt(tt.want)) {
			t.Errorf("%d%% of %d: expected %d, got %s", tt.pct, tt.amount, tt.want, got)
		}
	}
}
