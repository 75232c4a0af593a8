package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestPlanTableResolve(t *testing.T) {
	table := NewPlanTable(map[string]PlanType{
		"premium_monthly":  PlanMonthly,
		"premium_annual":   PlanAnnual,
		"premium_lifetime": PlanLifetime,
		"lifetime_unlock":  PlanLifetime,
	})

	tests := []struct {
		id   string
		want PlanType
	}{
		{"premium_monthly", PlanMonthly},
		{"premium_annual", PlanAnnual},
		{"premium_lifetime", PlanLifetime},
		{"lifetime_unlock", PlanLifetime},
		{"something_else", PlanUnknown},
		{"", PlanUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Resolve(tt.id))
		})
	}
}

func TestPlanTableNilResolvesUnknown(t *testing.T) {
	var table *PlanTable
	assert.Equal(t, PlanUnknown, table.Resolve("premium_monthly"))
}

func TestPlanTableForPurchase(t *testing.T) {
	table := NewPlanTable(map[string]PlanType{"premium_annual": PlanAnnual})

	assert.Equal(t, PlanAnnual, table.ForPurchase(Purchase{ProductIDs: []string{"bundle_extra", "premium_annual"}}))
	assert.Equal(t, PlanUnknown, table.ForPurchase(Purchase{ProductIDs: []string{"bundle_extra"}}))
	assert.Equal(t, PlanUnknown, table.ForPurchase(Purchase{}))
}

func TestParsePlanType(t *testing.T) {
	assert.Equal(t, PlanType(""), ParsePlanType(""))
	assert.Equal(t, PlanMonthly, ParsePlanType("Monthly"))
	assert.Equal(t, PlanAnnual, ParsePlanType("yearly"))
	assert.Equal(t, PlanLifetime, ParsePlanType(" lifetime "))
	assert.Equal(t, PlanUnknown, ParsePlanType("gold"))
}

func TestPlanRankOrder(t *testing.T) {
	assert.Less(t, PlanMonthly.Rank(), PlanAnnual.Rank())
	assert.Less(t, PlanAnnual.Rank(), PlanLifetime.Rank())
	assert.Less(t, PlanLifetime.Rank(), PlanUnknown.Rank())
}

func TestVerdictConstructors(t *testing.T) {
	v := NotEntitled(SourceLedger, testTime)
	assert.False(t, v.IsEntitled)
	assert.Empty(t, v.PlanType)

	e := NewEntitledVerdict("", SourceProvider, testTime)
	assert.True(t, e.IsEntitled)
	assert.Equal(t, PlanUnknown, e.PlanType)
	assert.False(t, v.SameEntitlement(e))
}

func TestObfuscatedAccountID(t *testing.T) {
	a := ObfuscatedAccountID("user-1")
	assert.Equal(t, a, ObfuscatedAccountID("user-1"))
	assert.NotEqual(t, a, ObfuscatedAccountID("user-2"))
	assert.NotContains(t, a, "user-1")
	assert.Empty(t, ObfuscatedAccountID(""))
}
