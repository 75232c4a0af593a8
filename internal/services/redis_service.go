package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// VerdictChannel is the pub/sub channel carrying verdict changes
const VerdictChannel = "entitlement:changed"

// RedisService provides Redis operations
type RedisService struct {
	client *redis.Client
}

// NewRedisService wraps a connected Redis client
func NewRedisService(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

// VerdictEvent is published on VerdictChannel
type VerdictEvent struct {
	Event     string         `json:"event"`
	AccountID string         `json:"account_id"`
	Previous  models.Verdict `json:"previous"`
	Current   models.Verdict `json:"current"`
	Timestamp string         `json:"timestamp"`
}

func verdictKey(accountID string) string {
	return fmt.Sprintf("entitlement:verdict:%s", accountID)
}

func rateLimitKey(scope, accountID string) string {
	return fmt.Sprintf("rate_limit:%s:%s", scope, accountID)
}

// VerdictChanged stores the account's latest verdict and publishes the change
func (r *RedisService) VerdictChanged(ctx context.Context, accountID string, previous, current models.Verdict) {
	data, err := json.Marshal(current)
	if err != nil {
		logging.Errorf("Failed to marshal verdict - account_id: %s, error: %v", accountID, err)
		return
	}
	if err := r.client.Set(ctx, verdictKey(accountID), data, 0).Err(); err != nil {
		logging.Errorf("Failed to store verdict in Redis - account_id: %s, error: %v", accountID, err)
	}

	event, err := json.Marshal(VerdictEvent{
		Event:     "entitlement.changed",
		AccountID: accountID,
		Previous:  previous,
		Current:   current,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logging.Errorf("Failed to marshal verdict event - account_id: %s, error: %v", accountID, err)
		return
	}
	if err := r.client.Publish(ctx, VerdictChannel, event).Err(); err != nil {
		logging.Errorf("Failed to publish verdict change - account_id: %s, error: %v", accountID, err)
	}
}

// SetRateLimit starts a rate limit window for an account
func (r *RedisService) SetRateLimit(ctx context.Context, scope, accountID string, window time.Duration) error {
	return r.client.Set(ctx, rateLimitKey(scope, accountID), "1", window).Err()
}

// CheckRateLimit reports whether the account is inside a rate limit window
func (r *RedisService) CheckRateLimit(ctx context.Context, scope, accountID string) (bool, error) {
	exists, err := r.client.Exists(ctx, rateLimitKey(scope, accountID)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Ping checks the connection
func (r *RedisService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
