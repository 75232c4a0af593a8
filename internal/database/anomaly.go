package database

import (
	"context"
	"fmt"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
)

// AnomalyRepository stores entitlement anomalies
type AnomalyRepository struct {
	db *gorm.DB
}

// NewAnomalyRepository creates an anomaly repository
func NewAnomalyRepository(db *gorm.DB) *AnomalyRepository {
	return &AnomalyRepository{db: db}
}

// RecordAnomaly stores an anomaly
func (r *AnomalyRepository) RecordAnomaly(ctx context.Context, anomaly *models.EntitlementAnomaly) error {
	if err := r.db.WithContext(ctx).Create(anomaly).Error; err != nil {
		return fmt.Errorf("failed to record anomaly: %w", err)
	}
	return nil
}

// ListAnomalies returns the most recent anomalies for an account
func (r *AnomalyRepository) ListAnomalies(ctx context.Context, accountID string, limit int) ([]models.EntitlementAnomaly, error) {
	var anomalies []models.EntitlementAnomaly
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("detected_at DESC").
		Limit(limit).
		Find(&anomalies).Error
	return anomalies, err
}
