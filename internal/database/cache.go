package database

import (
	"fmt"
	"sync"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
)

// CacheStore is the local entitlement cache. Reads are served from memory;
// writes go to memory and to the local SQLite file.
type CacheStore struct {
	db *gorm.DB

	mu      sync.RWMutex
	records map[string]models.CacheRecord
}

// NewCacheStore loads the persisted records. A nil db keeps the cache in memory only.
func NewCacheStore(db *gorm.DB) (*CacheStore, error) {
	s := &CacheStore{db: db, records: make(map[string]models.CacheRecord)}
	if db == nil {
		return s, nil
	}

	var rows []models.CachedEntitlement
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load cache: %w", err)
	}
	for _, row := range rows {
		s.records[row.AccountID] = models.CacheRecord{
			IsEntitled:  row.IsEntitled,
			PlanType:    models.ParsePlanType(row.PlanType),
			LastUpdated: row.LastUpdated,
		}
	}
	return s, nil
}

// Get returns the cached record for an account
func (s *CacheStore) Get(accountID string) (models.CacheRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[accountID]
	return rec, ok
}

// Put overwrites the cached record for an account
func (s *CacheStore) Put(accountID string, rec models.CacheRecord) error {
	if !rec.IsEntitled {
		rec.PlanType = ""
	}

	s.mu.Lock()
	s.records[accountID] = rec
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	row := models.CachedEntitlement{
		AccountID:   accountID,
		IsEntitled:  rec.IsEntitled,
		PlanType:    string(rec.PlanType),
		LastUpdated: rec.LastUpdated,
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("failed to persist cache: %w", err)
	}
	return nil
}
