package models

import "time"

// EntitlementAnomaly records a provider signal that contradicted the live
// purchase state, such as "already owned" without a matching purchase.
type EntitlementAnomaly struct {
	BaseModel

	AccountID    string    `json:"account_id" gorm:"not null;size:128;index"`
	ProductID    string    `json:"product_id" gorm:"size:100"`
	ResponseCode int       `json:"response_code"`
	Reason       string    `json:"reason" gorm:"size:255"`
	DetectedAt   time.Time `json:"detected_at" gorm:"index"`
}

func (EntitlementAnomaly) TableName() string {
	return "entitlement_anomaly"
}
