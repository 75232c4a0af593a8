package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"
)

// PurchaseDeduper skips purchase notifications already processed for the
// same account, token and state.
type PurchaseDeduper struct {
	processed       map[string]time.Time
	mutex           sync.RWMutex
	cleanupInterval time.Duration
	ttl             time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewPurchaseDeduper creates a deduper and starts its cleanup routine
func NewPurchaseDeduper(ttl time.Duration) *PurchaseDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	d := &PurchaseDeduper{
		processed:       make(map[string]time.Time),
		cleanupInterval: time.Hour,
		ttl:             ttl,
		stopCleanup:     make(chan struct{}),
	}

	go d.startCleanupRoutine()

	return d
}

// IsDuplicate records the notification and reports whether it was seen before
func (d *PurchaseDeduper) IsDuplicate(accountID string, p models.Purchase) bool {
	if p.Token == "" {
		return false
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	id := d.notificationID(accountID, p)
	if processedAt, exists := d.processed[id]; exists && time.Since(processedAt) <= d.ttl {
		logging.Debugf("Duplicate purchase notification - order_id: %s, state: %s, first processed at: %v", p.OrderID, p.State, processedAt)
		return true
	}

	d.processed[id] = time.Now()
	return false
}

func (d *PurchaseDeduper) notificationID(accountID string, p models.Purchase) string {
	data := fmt.Sprintf("%s:%s:%d", accountID, p.Token, p.State)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func (d *PurchaseDeduper) startCleanupRoutine() {
	ticker := time.NewTicker(d.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stopCleanup:
			return
		}
	}
}

// cleanup drops expired records
func (d *PurchaseDeduper) cleanup() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	now := time.Now()
	initialCount := len(d.processed)

	for id, processedAt := range d.processed {
		if now.Sub(processedAt) > d.ttl {
			delete(d.processed, id)
		}
	}

	if cleaned := initialCount - len(d.processed); cleaned > 0 {
		logging.Infof("Purchase dedup cleanup: removed %d expired records, remaining: %d", cleaned, len(d.processed))
	}
}

// Stop stops the cleanup routine
func (d *PurchaseDeduper) Stop() {
	d.stopOnce.Do(func() { close(d.stopCleanup) })
}
