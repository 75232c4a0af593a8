package models

import "time"

// VerdictSource records which source produced a verdict.
type VerdictSource string

const (
	SourceCache    VerdictSource = "cache"
	SourceLedger   VerdictSource = "ledger"
	SourceProvider VerdictSource = "provider"
)

// Verdict is a single entitlement decision. Values are never mutated after
// construction; later decisions replace them.
type Verdict struct {
	IsEntitled bool          `json:"is_entitled"`
	PlanType   PlanType      `json:"plan_type,omitempty"`
	Source     VerdictSource `json:"source"`
	VerifiedAt time.Time     `json:"verified_at"`
}

// NewEntitledVerdict returns an entitled verdict. An empty plan becomes PlanUnknown.
func NewEntitledVerdict(plan PlanType, source VerdictSource, at time.Time) Verdict {
	if plan == "" {
		plan = PlanUnknown
	}
	return Verdict{IsEntitled: true, PlanType: plan, Source: source, VerifiedAt: at}
}

// NotEntitled returns a verdict without a plan.
func NotEntitled(source VerdictSource, at time.Time) Verdict {
	return Verdict{IsEntitled: false, Source: source, VerifiedAt: at}
}

// SameEntitlement reports whether two verdicts grant the same access,
// ignoring source and timestamp.
func (v Verdict) SameEntitlement(other Verdict) bool {
	return v.IsEntitled == other.IsEntitled && v.PlanType == other.PlanType
}
