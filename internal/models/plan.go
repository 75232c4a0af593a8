package models

import "strings"

// PlanType is the kind of paid access an account holds.
type PlanType string

const (
	PlanMonthly  PlanType = "monthly"
	PlanAnnual   PlanType = "annual"
	PlanLifetime PlanType = "lifetime"
	// PlanUnknown is the generic entitled plan for product ids missing from the table.
	PlanUnknown PlanType = "unknown"
)

// Rank orders plans for catalog display: monthly, annual, lifetime, then anything else.
func (p PlanType) Rank() int {
	switch p {
	case PlanMonthly:
		return 0
	case PlanAnnual:
		return 1
	case PlanLifetime:
		return 2
	default:
		return 3
	}
}

// ParsePlanType converts a stored plan string. Empty input means "no plan";
// unrecognized values become PlanUnknown.
func ParsePlanType(s string) PlanType {
	switch PlanType(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ""
	case PlanMonthly:
		return PlanMonthly
	case PlanAnnual, "yearly":
		return PlanAnnual
	case PlanLifetime:
		return PlanLifetime
	default:
		return PlanUnknown
	}
}

// PlanTable maps product identifiers to plans. Lookups never fail: ids that
// are not in the table resolve to PlanUnknown.
type PlanTable struct {
	plans map[string]PlanType
}

// NewPlanTable builds a table from an explicit id -> plan mapping.
func NewPlanTable(entries map[string]PlanType) *PlanTable {
	plans := make(map[string]PlanType, len(entries))
	for id, plan := range entries {
		plans[id] = plan
	}
	return &PlanTable{plans: plans}
}

// Resolve returns the plan for a product id.
func (t *PlanTable) Resolve(productID string) PlanType {
	if t == nil {
		return PlanUnknown
	}
	if plan, ok := t.plans[productID]; ok {
		return plan
	}
	return PlanUnknown
}

// ForPurchase returns the plan of the first product in the purchase that the
// table knows about, or PlanUnknown.
func (t *PlanTable) ForPurchase(p Purchase) PlanType {
	for _, id := range p.ProductIDs {
		if plan := t.Resolve(id); plan != PlanUnknown {
			return plan
		}
	}
	return PlanUnknown
}
