package models

import (
	"time"

	"github.com/google/uuid"
)

// PurchaseState is the provider-reported state of a purchase.
type PurchaseState int

const (
	PurchaseStateUnspecified PurchaseState = iota
	PurchaseStatePurchased
	PurchaseStatePending
)

func (s PurchaseState) String() string {
	switch s {
	case PurchaseStatePurchased:
		return "purchased"
	case PurchaseStatePending:
		return "pending"
	default:
		return "unspecified"
	}
}

// Purchase is a purchase as observed from the provider.
type Purchase struct {
	OrderID             string
	ProductIDs          []string
	Type                ProductType
	State               PurchaseState
	Token               string
	Acknowledged        bool
	AutoRenewing        bool
	PurchaseTime        time.Time
	ObfuscatedAccountID string
}

// HasProduct reports whether the purchase covers productID.
func (p Purchase) HasProduct(productID string) bool {
	for _, id := range p.ProductIDs {
		if id == productID {
			return true
		}
	}
	return false
}

// accountNamespace scopes the account-linking identifiers handed to the provider.
var accountNamespace = uuid.MustParse("6f1c2b1e-4a8d-5b7e-9c3f-2d4e6a8b0c1d")

// ObfuscatedAccountID is the account-linking value attached to purchases made
// by accountID. It is stable and does not reveal the account id.
func ObfuscatedAccountID(accountID string) string {
	if accountID == "" {
		return ""
	}
	return uuid.NewSHA1(accountNamespace, []byte(accountID)).String()
}
