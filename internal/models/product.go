package models

import "encoding/json"

// ProductType distinguishes subscriptions from one-time purchases.
type ProductType string

const (
	ProductTypeSubscription ProductType = "subs"
	ProductTypeOneTime      ProductType = "inapp"
)

// Product is read-only catalog data returned by the provider.
type Product struct {
	ID           string          `json:"id"`
	Type         ProductType     `json:"type"`
	DisplayPrice string          `json:"display_price"`
	RawOffer     json.RawMessage `json:"raw_offer,omitempty"`
}
