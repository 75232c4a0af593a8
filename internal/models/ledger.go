package models

import "time"

// LedgerRecord is an account's registered entitlement in the remote ledger.
type LedgerRecord struct {
	IsEntitled bool
	OrderID    string
	PlanType   PlanType
}

// LedgerFields is a partial ledger update. Nil fields are left untouched.
type LedgerFields struct {
	IsEntitled    *bool
	PlanType      *PlanType
	OrderID       *string
	ProductID     *string
	PurchaseToken *string
	VerifiedAt    *time.Time
}

// FieldsFromVerdict builds the ledger update for a verdict. A de-entitled
// verdict clears the plan; order details are only set when known.
func FieldsFromVerdict(v Verdict, orderID, productID, token string) LedgerFields {
	entitled := v.IsEntitled
	plan := v.PlanType
	at := v.VerifiedAt
	fields := LedgerFields{
		IsEntitled: &entitled,
		PlanType:   &plan,
		VerifiedAt: &at,
	}
	if orderID != "" {
		fields.OrderID = &orderID
	}
	if productID != "" {
		fields.ProductID = &productID
	}
	if token != "" {
		fields.PurchaseToken = &token
	}
	return fields
}

// LedgerEntitlement is the ledger table row, one per account.
type LedgerEntitlement struct {
	BaseModel

	AccountID     string    `json:"account_id" gorm:"not null;size:128;uniqueIndex"`
	IsEntitled    bool      `json:"is_entitled" gorm:"not null;default:false"`
	PlanType      string    `json:"plan_type" gorm:"size:20"`
	OrderID       string    `json:"order_id" gorm:"size:100;index"`
	ProductID     string    `json:"product_id" gorm:"size:100"`
	PurchaseToken string    `json:"-" gorm:"type:text"`
	VerifiedAt    time.Time `json:"verified_at"`
}

func (LedgerEntitlement) TableName() string {
	return "ledger_entitlement"
}

// Record converts the row into the ledger view used by reconciliation.
func (e LedgerEntitlement) Record() LedgerRecord {
	return LedgerRecord{
		IsEntitled: e.IsEntitled,
		OrderID:    e.OrderID,
		PlanType:   ParsePlanType(e.PlanType),
	}
}
