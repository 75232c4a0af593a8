// Package provider defines the contract with the purchase-processing provider.
package provider

import (
	"context"
	"fmt"

	"entitlement-api/internal/models"
)

// ResponseCode is the provider's result code for an operation.
type ResponseCode int

const (
	ServiceTimeout      ResponseCode = -3
	FeatureNotSupported ResponseCode = -2
	ServiceDisconnected ResponseCode = -1
	OK                  ResponseCode = 0
	UserCanceled        ResponseCode = 1
	ServiceUnavailable  ResponseCode = 2
	BillingUnavailable  ResponseCode = 3
	ItemUnavailable     ResponseCode = 4
	DeveloperError      ResponseCode = 5
	Error               ResponseCode = 6
	ItemAlreadyOwned    ResponseCode = 7
	ItemNotOwned        ResponseCode = 8
	NetworkError        ResponseCode = 12
)

var codeNames = map[ResponseCode]string{
	ServiceTimeout:      "service_timeout",
	FeatureNotSupported: "feature_not_supported",
	ServiceDisconnected: "service_disconnected",
	OK:                  "ok",
	UserCanceled:        "user_canceled",
	ServiceUnavailable:  "service_unavailable",
	BillingUnavailable:  "billing_unavailable",
	ItemUnavailable:     "item_unavailable",
	DeveloperError:      "developer_error",
	Error:               "error",
	ItemAlreadyOwned:    "item_already_owned",
	ItemNotOwned:        "item_not_owned",
	NetworkError:        "network_error",
}

func (c ResponseCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// IsConnectivity reports whether the code means the provider could not be reached.
func (c ResponseCode) IsConnectivity() bool {
	switch c {
	case ServiceDisconnected, ServiceUnavailable, ServiceTimeout, NetworkError:
		return true
	default:
		return false
	}
}

// Listener receives asynchronous connection events.
type Listener struct {
	// OnLost is called when an established connection drops.
	OnLost func()
	// OnPurchases is called for every purchase update pushed by the provider.
	OnPurchases func(code ResponseCode, purchases []models.Purchase)
}

// Client is a connection to the provider.
type Client interface {
	// Connect establishes the connection. It returns once the connection is
	// ready or the attempt failed.
	Connect(ctx context.Context, l Listener) error
	IsReady() bool
	QueryProducts(ctx context.Context, ids []string, t models.ProductType) (ResponseCode, []models.Product)
	QueryPurchases(ctx context.Context, t models.ProductType) (ResponseCode, []models.Purchase)
	Acknowledge(ctx context.Context, token string) ResponseCode
	// LaunchPurchaseFlow starts a purchase. Its outcome arrives through Listener.OnPurchases.
	LaunchPurchaseFlow(ctx context.Context, productID, obfuscatedAccountID string) ResponseCode
	Close() error
}
