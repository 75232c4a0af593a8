package database

import (
	"context"
	"errors"
	"fmt"

	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerRepository is the remote ledger of account entitlements
type LedgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a ledger repository
func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Get returns the account's registered entitlement. An account without a
// row is reported as not entitled.
func (r *LedgerRepository) Get(ctx context.Context, accountID string) (*models.LedgerRecord, error) {
	var row models.LedgerEntitlement
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.LedgerRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	record := row.Record()
	return &record, nil
}

// Set merges fields into the account's row, creating it if needed. Fields
// left nil keep their stored values.
func (r *LedgerRepository) Set(ctx context.Context, accountID string, fields models.LedgerFields) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("account_id = ?", accountID)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var existing models.LedgerEntitlement
		err := q.First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to read ledger: %w", err)
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := models.LedgerEntitlement{AccountID: accountID}
			applyFields(&row, fields)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to create ledger entry: %w", err)
			}
			logging.Infof("Created ledger entry - account_id: %s, entitled: %t, plan: %s", accountID, row.IsEntitled, row.PlanType)
			return nil
		}

		applyFields(&existing, fields)
		if err := tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("failed to update ledger entry: %w", err)
		}
		return nil
	})
}

func applyFields(row *models.LedgerEntitlement, f models.LedgerFields) {
	if f.IsEntitled != nil {
		row.IsEntitled = *f.IsEntitled
	}
	if f.PlanType != nil {
		row.PlanType = string(*f.PlanType)
	}
	if f.OrderID != nil {
		row.OrderID = *f.OrderID
	}
	if f.ProductID != nil {
		row.ProductID = *f.ProductID
	}
	if f.PurchaseToken != nil {
		row.PurchaseToken = *f.PurchaseToken
	}
	if f.VerifiedAt != nil {
		row.VerifiedAt = *f.VerifiedAt
	}
}
