// Package entitlement holds the pure merge policy that turns the local cache,
// the remote ledger, and the provider's live purchases into one verdict.
// Nothing here performs I/O.
package entitlement

import (
	"time"

	"entitlement-api/internal/models"
)

// DefaultGracePeriod keeps a non-renewing subscription active after purchase.
const DefaultGracePeriod = 48 * time.Hour

// Rule names the merge rule that produced a decision.
type Rule string

const (
	RuleOrderMatch         Rule = "order_match"
	RuleLedgerLifetime     Rule = "ledger_lifetime"
	RuleLedgerSubscription Rule = "ledger_subscription"
	RuleLedgerOnly         Rule = "ledger_only"
	RuleProviderOnly       Rule = "provider_only"
	RuleNotEntitled        Rule = "not_entitled"
	RuleCacheFallback      Rule = "cache_fallback"
)

// Inputs are the gathered sources for one reconciliation.
type Inputs struct {
	// Cache is the local record, nil when none exists.
	Cache *models.CacheRecord
	// Ledger is nil when the ledger could not be read.
	Ledger *models.LedgerRecord
	// Purchases are only consulted when ProviderAvailable is set.
	Purchases         []models.Purchase
	ProviderAvailable bool
}

// Policy carries the configuration the merge depends on.
type Policy struct {
	Plans       *models.PlanTable
	GracePeriod time.Duration
}

// Decision is the outcome of a merge.
type Decision struct {
	Verdict models.Verdict
	Rule    Rule
	// Conclusive is false when the decision only restates the cache because
	// the authoritative sources could not settle the question.
	Conclusive bool

	// Details of the purchase that granted the entitlement, if any.
	OrderID   string
	ProductID string
	Token     string
}

// IsActiveSubscription reports whether a subscription purchase still grants access.
func IsActiveSubscription(p models.Purchase, now time.Time, grace time.Duration) bool {
	if p.State != models.PurchaseStatePurchased {
		return false
	}
	if p.AutoRenewing {
		return true
	}
	return !now.After(p.PurchaseTime.Add(grace))
}

// IsActiveLifetime reports whether a one-time purchase grants access. There is no time bound.
func IsActiveLifetime(p models.Purchase) bool {
	return p.State == models.PurchaseStatePurchased
}

// Merge applies the reconciliation rules in order; the first match wins.
//
//  1. A live purchase matching the ledger's order id that is active.
//  2. Any active lifetime purchase, when the ledger's plan is lifetime.
//  3. Any active subscription, when the ledger reports entitled.
//  4. The ledger alone, when it reports entitled.
//  5. Not entitled.
//
// Without a ledger the provider alone can grant access but never revoke it;
// without either source the cache is restated as an inconclusive decision.
func Merge(in Inputs, p Policy, now time.Time) Decision {
	if p.GracePeriod <= 0 {
		p.GracePeriod = DefaultGracePeriod
	}

	var live []models.Purchase
	if in.ProviderAvailable {
		live = usable(in.Purchases)
	}

	switch {
	case in.Ledger != nil:
		return mergeWithLedger(*in.Ledger, live, p, now)
	case in.ProviderAvailable:
		if d, ok := providerOnly(live, p, now); ok {
			return d
		}
		return cacheFallback(in.Cache)
	default:
		return cacheFallback(in.Cache)
	}
}

func mergeWithLedger(ledger models.LedgerRecord, live []models.Purchase, p Policy, now time.Time) Decision {
	if ledger.OrderID != "" {
		for _, pur := range live {
			if pur.OrderID != ledger.OrderID || !p.active(pur, now) {
				continue
			}
			plan := p.Plans.ForPurchase(pur)
			if plan == models.PlanUnknown && ledger.PlanType != "" {
				plan = ledger.PlanType
			}
			return granted(plan, RuleOrderMatch, pur, now)
		}
	}

	if ledger.PlanType == models.PlanLifetime {
		for _, pur := range live {
			if p.Plans.ForPurchase(pur) == models.PlanLifetime && IsActiveLifetime(pur) {
				return granted(models.PlanLifetime, RuleLedgerLifetime, pur, now)
			}
		}
	}

	if ledger.IsEntitled {
		for _, pur := range live {
			if pur.Type == models.ProductTypeSubscription && IsActiveSubscription(pur, now, p.GracePeriod) {
				return granted(p.Plans.ForPurchase(pur), RuleLedgerSubscription, pur, now)
			}
		}
		return Decision{
			Verdict:    models.NewEntitledVerdict(ledger.PlanType, models.SourceLedger, now),
			Rule:       RuleLedgerOnly,
			Conclusive: true,
			OrderID:    ledger.OrderID,
		}
	}

	return Decision{
		Verdict:    models.NotEntitled(models.SourceLedger, now),
		Rule:       RuleNotEntitled,
		Conclusive: true,
	}
}

func providerOnly(live []models.Purchase, p Policy, now time.Time) (Decision, bool) {
	for _, pur := range live {
		if p.Plans.ForPurchase(pur) == models.PlanLifetime && IsActiveLifetime(pur) {
			return granted(models.PlanLifetime, RuleProviderOnly, pur, now), true
		}
	}
	for _, pur := range live {
		if pur.Type == models.ProductTypeSubscription && IsActiveSubscription(pur, now, p.GracePeriod) {
			return granted(p.Plans.ForPurchase(pur), RuleProviderOnly, pur, now), true
		}
	}
	return Decision{}, false
}

func cacheFallback(cache *models.CacheRecord) Decision {
	d := Decision{Rule: RuleCacheFallback}
	switch {
	case cache == nil:
		d.Verdict = models.NotEntitled(models.SourceCache, time.Time{})
	case cache.IsEntitled:
		d.Verdict = models.NewEntitledVerdict(cache.PlanType, models.SourceCache, cache.LastUpdated)
	default:
		d.Verdict = models.NotEntitled(models.SourceCache, cache.LastUpdated)
	}
	return d
}

func granted(plan models.PlanType, rule Rule, pur models.Purchase, now time.Time) Decision {
	d := Decision{
		Verdict:    models.NewEntitledVerdict(plan, models.SourceProvider, now),
		Rule:       rule,
		Conclusive: true,
		OrderID:    pur.OrderID,
		Token:      pur.Token,
	}
	if len(pur.ProductIDs) > 0 {
		d.ProductID = pur.ProductIDs[0]
	}
	return d
}

func (p Policy) active(pur models.Purchase, now time.Time) bool {
	if pur.Type == models.ProductTypeSubscription {
		return IsActiveSubscription(pur, now, p.GracePeriod)
	}
	return IsActiveLifetime(pur)
}

// usable drops purchases the engine must not act on.
func usable(purchases []models.Purchase) []models.Purchase {
	out := make([]models.Purchase, 0, len(purchases))
	for _, pur := range purchases {
		if pur.Token == "" {
			continue
		}
		out = append(out, pur)
	}
	return out
}
