package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body
const SignatureHeader = "X-Entitlement-Signature"

// WebhookNotifier notifies the app backend of verdict changes
type WebhookNotifier struct {
	callbackURL string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
}

// NewWebhookNotifier creates a webhook notifier. An empty callback URL disables it.
func NewWebhookNotifier(callbackURL, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		callbackURL: callbackURL,
		secret:      secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// WebhookPayload represents the payload sent to the app backend
type WebhookPayload struct {
	Event            string `json:"event"` // "entitlement.changed"
	AccountID        string `json:"account_id"`
	IsEntitled       bool   `json:"is_entitled"`
	PlanType         string `json:"plan_type,omitempty"`
	Source           string `json:"source"`
	PreviousEntitled bool   `json:"previous_entitled"`
	PreviousPlanType string `json:"previous_plan_type,omitempty"`
	VerifiedAt       string `json:"verified_at"` // ISO 8601 format
	Timestamp        string `json:"timestamp"`   // ISO 8601 format
}

// VerdictChanged sends the change to the app backend, retrying on failure
func (wn *WebhookNotifier) VerdictChanged(ctx context.Context, accountID string, previous, current models.Verdict) {
	if wn.callbackURL == "" {
		return
	}

	payload := WebhookPayload{
		Event:            "entitlement.changed",
		AccountID:        accountID,
		IsEntitled:       current.IsEntitled,
		PlanType:         string(current.PlanType),
		Source:           string(current.Source),
		PreviousEntitled: previous.IsEntitled,
		PreviousPlanType: string(previous.PlanType),
		VerifiedAt:       current.VerifiedAt.UTC().Format(time.RFC3339),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}

	wn.sendWithRetry(ctx, payload)
}

// sendWithRetry tries once per retry delay, waiting between attempts
func (wn *WebhookNotifier) sendWithRetry(ctx context.Context, payload WebhookPayload) {
	maxRetries := len(wn.retryDelays)

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := wn.sendWebhook(ctx, payload)
		if err == nil {
			logging.Infof("Webhook notification sent successfully - url: %s, account: %s, attempt: %d",
				wn.callbackURL, payload.AccountID, attempt+1)
			return
		}

		logging.Errorf("Webhook notification failed - url: %s, account: %s, attempt: %d, error: %v",
			wn.callbackURL, payload.AccountID, attempt+1, err)

		if attempt < maxRetries-1 {
			select {
			case <-time.After(wn.retryDelays[attempt]):
			case <-ctx.Done():
				return
			}
		}
	}

	logging.Errorf("Webhook notification failed after %d attempts - url: %s, account: %s",
		maxRetries, wn.callbackURL, payload.AccountID)
}

// sendWebhook sends a single webhook request
func (wn *WebhookNotifier) sendWebhook(ctx context.Context, payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wn.callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Entitlement-Webhook/1.0")

	if wn.secret != "" {
		req.Header.Set(SignatureHeader, generateSignature(jsonData, wn.secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// generateSignature generates HMAC-SHA256 signature for webhook payload
func generateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature of payload
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
