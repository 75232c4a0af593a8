package entitlement

import (
	"testing"
	"time"

	"entitlement-api/internal/models"

	"github.com/stretchr/testify/assert"
)

var (
	now    = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	policy = Policy{
		Plans: models.NewPlanTable(map[string]models.PlanType{
			"premium_monthly":  models.PlanMonthly,
			"premium_annual":   models.PlanAnnual,
			"premium_lifetime": models.PlanLifetime,
			"lifetime_unlock":  models.PlanLifetime,
		}),
		GracePeriod: 48 * time.Hour,
	}
)

func subscription(orderID, productID string, autoRenewing bool, purchased time.Time) models.Purchase {
	return models.Purchase{
		OrderID:      orderID,
		ProductIDs:   []string{productID},
		Type:         models.ProductTypeSubscription,
		State:        models.PurchaseStatePurchased,
		Token:        "tok-" + orderID,
		AutoRenewing: autoRenewing,
		PurchaseTime: purchased,
	}
}

func lifetime(orderID, productID string) models.Purchase {
	return models.Purchase{
		OrderID:      orderID,
		ProductIDs:   []string{productID},
		Type:         models.ProductTypeOneTime,
		State:        models.PurchaseStatePurchased,
		Token:        "tok-" + orderID,
		PurchaseTime: now.Add(-365 * 24 * time.Hour),
	}
}

func TestMergeOrderMatchAnnual(t *testing.T) {
	d := Merge(Inputs{
		Ledger:            &models.LedgerRecord{IsEntitled: true, OrderID: "X", PlanType: models.PlanAnnual},
		Purchases:         []models.Purchase{subscription("X", "premium_annual", true, now.Add(-30*24*time.Hour))},
		ProviderAvailable: true,
	}, policy, now)

	assert.True(t, d.Conclusive)
	assert.Equal(t, RuleOrderMatch, d.Rule)
	assert.Equal(t, models.NewEntitledVerdict(models.PlanAnnual, models.SourceProvider, now), d.Verdict)
	assert.Equal(t, "X", d.OrderID)
	assert.Equal(t, "tok-X", d.Token)
}

func TestMergeOrderMatchFallsBackToLedgerPlanForUnknownProduct(t *testing.T) {
	d := Merge(Inputs{
		Ledger:            &models.LedgerRecord{IsEntitled: true, OrderID: "X", PlanType: models.PlanAnnual},
		Purchases:         []models.Purchase{subscription("X", "promo_bundle", true, now)},
		ProviderAvailable: true,
	}, policy, now)

	assert.Equal(t, RuleOrderMatch, d.Rule)
	assert.Equal(t, models.PlanAnnual, d.Verdict.PlanType)
}

func TestMergeLifetimeWithoutOrderMatch(t *testing.T) {
	d := Merge(Inputs{
		Ledger:            &models.LedgerRecord{IsEntitled: true, OrderID: "other", PlanType: models.PlanLifetime},
		Purchases:         []models.Purchase{lifetime("L1", "lifetime_unlock")},
		ProviderAvailable: true,
	}, policy, now)

	assert.True(t, d.Verdict.IsEntitled)
	assert.Equal(t, models.PlanLifetime, d.Verdict.PlanType)
	assert.Equal(t, RuleLedgerLifetime, d.Rule)
}

func TestMergeLifetimeRequiresLedgerLifetimePlan(t *testing.T) {
	d := Merge(Inputs{
		Ledger:            &models.LedgerRecord{IsEntitled: false, PlanType: models.PlanMonthly},
		Purchases:         []models.Purchase{lifetime("L1", "premium_lifetime")},
		ProviderAvailable: true,
	}, policy, now)

	assert.False(t, d.Verdict.IsEntitled)
	assert.Empty(t, d.Verdict.PlanType)
	assert.Equal(t, RuleNotEntitled, d.Rule)
}

func TestMergeActiveSubscriptionWhenLedgerEntitled(t *testing.T) {
	d := Merge(Inputs{
		Ledger:            &models.LedgerRecord{IsEntitled: true, PlanType: models.PlanAnnual},
		Purchases:         []models.Purchase{subscription("S1", "premium_monthly", true, now.Add(-60*24*time.Hour))},
		ProviderAvailable: true,
	}, policy, now)

	assert.Equal(t, RuleLedgerSubscription, d.Rule)
	assert.Equal(t, models.PlanMonthly, d.Verdict.PlanType)
	assert.Equal(t, models.SourceProvider, d.Verdict.Source)
}

func TestMergeExpiredNonRenewingSubscriptionIsInactive(t *testing.T) {
	expired := subscription("X", "premium_monthly", false, now.Add(-49*time.Hour))

	t.Run("falls through to ledger only", func(t *testing.T) {
		d := Merge(Inputs{
			Ledger:            &models.LedgerRecord{IsEntitled: true, OrderID: "X", PlanType: models.PlanMonthly},
			Purchases:         []models.Purchase{expired},
			ProviderAvailable: true,
		}, policy, now)
		assert.Equal(t, RuleLedgerOnly, d.Rule)
		assert.Equal(t, models.SourceLedger, d.Verdict.Source)
	})

	t.Run("falls through to not entitled", func(t *testing.T) {
		d := Merge(Inputs{
			Ledger:            &models.LedgerRecord{IsEntitled: false, OrderID: "X"},
			Purchases:         []models.Purchase{expired},
			ProviderAvailable: true,
		}, policy, now)
		assert.Equal(t, RuleNotEntitled, d.Rule)
		assert.False(t, d.Verdict.IsEntitled)
	})
}

func TestMergeNonRenewingSubscriptionInsideGrace(t *testing.T) {
	d := Merge(Inputs{
		Ledger:            &models.LedgerRecord{IsEntitled: true, OrderID: "X", PlanType: models.PlanMonthly},
		Purchases:         []models.Purchase{subscription("X", "premium_monthly", false, now.Add(-47*time.Hour))},
		ProviderAvailable: true,
	}, policy, now)

	assert.Equal(t, RuleOrderMatch, d.Rule)
}

func TestMergeLedgerOnlyWhenProviderUnavailable(t *testing.T) {
	d := Merge(Inputs{
		Ledger: &models.LedgerRecord{IsEntitled: true, OrderID: "X", PlanType: models.PlanAnnual},
		// ignored: provider unavailable
		Purchases: []models.Purchase{subscription("X", "premium_monthly", true, now)},
	}, policy, now)

	assert.Equal(t, RuleLedgerOnly, d.Rule)
	assert.Equal(t, models.NewEntitledVerdict(models.PlanAnnual, models.SourceLedger, now), d.Verdict)
}

func TestMergeIgnoresPurchasesWithoutToken(t *testing.T) {
	p := subscription("X", "premium_annual", true, now)
	p.Token = ""

	d := Merge(Inputs{
		Ledger:            &models.LedgerRecord{IsEntitled: false, OrderID: "X"},
		Purchases:         []models.Purchase{p},
		ProviderAvailable: true,
	}, policy, now)

	assert.False(t, d.Verdict.IsEntitled)
}

func TestMergePendingPurchaseDoesNotMatch(t *testing.T) {
	p := lifetime("X", "premium_lifetime")
	p.State = models.PurchaseStatePending

	d := Merge(Inputs{
		Ledger:            &models.LedgerRecord{OrderID: "X", PlanType: models.PlanLifetime},
		Purchases:         []models.Purchase{p},
		ProviderAvailable: true,
	}, policy, now)

	assert.False(t, d.Verdict.IsEntitled)
}

func TestMergeProviderOnly(t *testing.T) {
	t.Run("grants from live lifetime", func(t *testing.T) {
		d := Merge(Inputs{
			Purchases:         []models.Purchase{lifetime("L", "premium_lifetime")},
			ProviderAvailable: true,
		}, policy, now)
		assert.True(t, d.Conclusive)
		assert.Equal(t, RuleProviderOnly, d.Rule)
		assert.Equal(t, models.PlanLifetime, d.Verdict.PlanType)
	})

	t.Run("never revokes without ledger", func(t *testing.T) {
		cache := &models.CacheRecord{IsEntitled: true, PlanType: models.PlanAnnual, LastUpdated: now.Add(-time.Hour)}
		d := Merge(Inputs{Cache: cache, ProviderAvailable: true}, policy, now)
		assert.False(t, d.Conclusive)
		assert.Equal(t, RuleCacheFallback, d.Rule)
		assert.True(t, d.Verdict.IsEntitled)
	})
}

func TestMergeBothUnavailableKeepsCachedEntitlement(t *testing.T) {
	cache := &models.CacheRecord{IsEntitled: true, PlanType: models.PlanLifetime, LastUpdated: now.Add(-time.Hour)}

	d := Merge(Inputs{Cache: cache}, policy, now)

	assert.False(t, d.Conclusive)
	assert.Equal(t, models.NewEntitledVerdict(models.PlanLifetime, models.SourceCache, cache.LastUpdated), d.Verdict)
}

func TestMergeNothingKnown(t *testing.T) {
	d := Merge(Inputs{}, policy, now)
	assert.False(t, d.Conclusive)
	assert.False(t, d.Verdict.IsEntitled)
	assert.True(t, d.Verdict.VerifiedAt.IsZero())
}

func TestIsActiveSubscription(t *testing.T) {
	tests := []struct {
		name string
		p    models.Purchase
		want bool
	}{
		{"auto renewing", subscription("a", "premium_monthly", true, now.Add(-400*24*time.Hour)), true},
		{"inside grace", subscription("b", "premium_monthly", false, now.Add(-24*time.Hour)), true},
		{"grace boundary", subscription("c", "premium_monthly", false, now.Add(-48*time.Hour)), true},
		{"after grace", subscription("d", "premium_monthly", false, now.Add(-48*time.Hour-time.Second)), false},
		{"pending", models.Purchase{State: models.PurchaseStatePending, AutoRenewing: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsActiveSubscription(tt.p, now, 48*time.Hour))
		})
	}
}
