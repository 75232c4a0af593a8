package api

import (
	"encoding/json"
	"net/http"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// ProviderSignatureHeader carries the provider's HMAC of the notification body
const ProviderSignatureHeader = "X-Provider-Signature"

// Provider notification types
const (
	NotificationRecovered     = 1
	NotificationRenewed       = 2
	NotificationCanceled      = 3
	NotificationPurchased     = 4
	NotificationOnHold        = 5
	NotificationInGracePeriod = 6
	NotificationRestarted     = 7
	NotificationPaused        = 10
	NotificationRevoked       = 12
	NotificationExpired       = 13
	NotificationRefunded      = 14
)

// ProviderNotification is a server-side purchase event sent by the provider
type ProviderNotification struct {
	NotificationType    int    `json:"notification_type"`
	ObfuscatedAccountID string `json:"obfuscated_account_id"`
	PurchaseToken       string `json:"purchase_token"`
	ProductID           string `json:"product_id"`
}

// notificationTrigger maps a notification type to the reconciliation it
// calls for; ok is false for types that cannot change entitlement.
func notificationTrigger(notificationType int) (services.Trigger, bool) {
	switch notificationType {
	case NotificationRecovered, NotificationRenewed, NotificationPurchased, NotificationRestarted:
		return services.TriggerRefresh, true
	case NotificationCanceled, NotificationOnHold, NotificationPaused,
		NotificationRevoked, NotificationExpired, NotificationRefunded:
		return services.TriggerCancellationCheck, true
	default:
		return "", false
	}
}

// HandleProviderNotification reconciles the current account when the provider
// reports a change to one of its purchases. Reconciliation continues in the
// background after the provider is answered. The route exists only when a
// webhook secret is configured.
// POST /webhook/provider
func (h *Handler) HandleProviderNotification(c *gin.Context) {
	startTime := time.Now()

	// Read raw body
	body, err := c.GetRawData()
	if err != nil {
		logging.Errorf("Failed to read request body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Failed to read request body",
		})
		return
	}

	if !services.VerifySignature(body, h.app.Config.ProviderWebhookSecret, c.GetHeader(ProviderSignatureHeader)) {
		logging.Warnf("Rejected provider notification with invalid signature")
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"message": "Invalid signature",
		})
		return
	}

	var notification ProviderNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		logging.Errorf("Failed to parse provider notification: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Invalid notification format",
		})
		return
	}

	trigger, ok := notificationTrigger(notification.NotificationType)
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Notification ignored",
		})
		return
	}

	account := h.app.Engine.AccountID()
	if account == "" || notification.ObfuscatedAccountID != models.ObfuscatedAccountID(account) {
		// Not the account this instance serves
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Notification ignored",
		})
		return
	}

	h.app.Engine.Start(trigger)

	logging.Infof("Provider notification processed - type: %d, product: %s, trigger: %s, time: %v",
		notification.NotificationType, notification.ProductID, trigger, time.Since(startTime))

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Notification processed successfully",
	})
}
