package models

import "time"

// CacheRecord is the last known verdict kept on local storage.
type CacheRecord struct {
	IsEntitled  bool
	PlanType    PlanType
	LastUpdated time.Time
}

// CachedEntitlement is the local cache table row.
type CachedEntitlement struct {
	AccountID   string    `gorm:"primaryKey;size:128"`
	IsEntitled  bool      `gorm:"not null"`
	PlanType    string    `gorm:"size:20"`
	LastUpdated time.Time `gorm:"not null"`
}

func (CachedEntitlement) TableName() string {
	return "cached_entitlement"
}
