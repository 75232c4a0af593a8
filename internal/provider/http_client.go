package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"github.com/gorilla/websocket"
)

// HTTPClient talks to the provider over REST, with a websocket carrying
// connection liveness and pushed purchase updates.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	dialer     *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   bool
	closing bool
}

// NewHTTPClient creates a new provider client
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// streamMessage is a message pushed over the connection socket
type streamMessage struct {
	Type         string        `json:"type"`
	ResponseCode int           `json:"response_code"`
	Purchases    []purchaseDTO `json:"purchases"`
}

type purchaseDTO struct {
	OrderID             string   `json:"order_id"`
	ProductIDs          []string `json:"product_ids"`
	Type                string   `json:"type"`
	State               int      `json:"state"`
	Token               string   `json:"purchase_token"`
	Acknowledged        bool     `json:"acknowledged"`
	AutoRenewing        bool     `json:"auto_renewing"`
	PurchaseTimeMillis  int64    `json:"purchase_time_millis"`
	ObfuscatedAccountID string   `json:"obfuscated_account_id"`
}

func (p purchaseDTO) toModel() models.Purchase {
	state := models.PurchaseStateUnspecified
	switch p.State {
	case 1:
		state = models.PurchaseStatePurchased
	case 2:
		state = models.PurchaseStatePending
	}
	return models.Purchase{
		OrderID:             p.OrderID,
		ProductIDs:          p.ProductIDs,
		Type:                models.ProductType(p.Type),
		State:               state,
		Token:               p.Token,
		Acknowledged:        p.Acknowledged,
		AutoRenewing:        p.AutoRenewing,
		PurchaseTime:        time.UnixMilli(p.PurchaseTimeMillis).UTC(),
		ObfuscatedAccountID: p.ObfuscatedAccountID,
	}
}

type productDTO struct {
	ID           string          `json:"product_id"`
	Type         string          `json:"type"`
	DisplayPrice string          `json:"display_price"`
	Offer        json.RawMessage `json:"offer,omitempty"`
}

// Connect dials the connection socket and starts the read loop
func (c *HTTPClient) Connect(ctx context.Context, l Listener) error {
	wsURL, err := c.socketURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to connect to provider: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.ready = true
	c.closing = false
	c.mu.Unlock()

	go c.readLoop(conn, l)
	return nil
}

func (c *HTTPClient) readLoop(conn *websocket.Conn, l Listener) {
	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			current := c.conn == conn
			intentional := c.closing
			if current {
				c.conn = nil
				c.ready = false
			}
			c.mu.Unlock()

			if current && !intentional {
				logging.Warnf("Provider connection lost: %v", err)
				if l.OnLost != nil {
					l.OnLost()
				}
			}
			return
		}

		if msg.Type != "purchases_updated" {
			logging.Debugf("Ignoring provider message type %q", msg.Type)
			continue
		}
		if l.OnPurchases != nil {
			purchases := make([]models.Purchase, 0, len(msg.Purchases))
			for _, p := range msg.Purchases {
				purchases = append(purchases, p.toModel())
			}
			l.OnPurchases(ResponseCode(msg.ResponseCode), purchases)
		}
	}
}

func (c *HTTPClient) socketURL() (string, error) {
	u, err := url.Parse(c.baseURL + "/v1/connection")
	if err != nil {
		return "", fmt.Errorf("invalid provider url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// IsReady reports whether the connection socket is open
func (c *HTTPClient) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close closes the connection socket without reporting a loss
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
	c.ready = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// QueryProducts queries product details
func (c *HTTPClient) QueryProducts(ctx context.Context, ids []string, t models.ProductType) (ResponseCode, []models.Product) {
	if !c.IsReady() {
		return ServiceDisconnected, nil
	}
	var resp struct {
		ResponseCode int          `json:"response_code"`
		Products     []productDTO `json:"products"`
	}
	body := map[string]interface{}{"product_ids": ids, "type": t}
	if code := c.do(ctx, http.MethodPost, "/v1/products:query", body, &resp); code != OK {
		return code, nil
	}

	products := make([]models.Product, 0, len(resp.Products))
	for _, p := range resp.Products {
		products = append(products, models.Product{
			ID:           p.ID,
			Type:         models.ProductType(p.Type),
			DisplayPrice: p.DisplayPrice,
			RawOffer:     p.Offer,
		})
	}
	return ResponseCode(resp.ResponseCode), products
}

// QueryPurchases queries the live purchases of the given type
func (c *HTTPClient) QueryPurchases(ctx context.Context, t models.ProductType) (ResponseCode, []models.Purchase) {
	if !c.IsReady() {
		return ServiceDisconnected, nil
	}
	var resp struct {
		ResponseCode int           `json:"response_code"`
		Purchases    []purchaseDTO `json:"purchases"`
	}
	path := "/v1/purchases?type=" + url.QueryEscape(string(t))
	if code := c.do(ctx, http.MethodGet, path, nil, &resp); code != OK {
		return code, nil
	}

	purchases := make([]models.Purchase, 0, len(resp.Purchases))
	for _, p := range resp.Purchases {
		m := p.toModel()
		if m.Type == "" {
			m.Type = t
		}
		purchases = append(purchases, m)
	}
	return ResponseCode(resp.ResponseCode), purchases
}

// Acknowledge acknowledges a purchase token
func (c *HTTPClient) Acknowledge(ctx context.Context, token string) ResponseCode {
	if !c.IsReady() {
		return ServiceDisconnected
	}
	var resp struct {
		ResponseCode int `json:"response_code"`
	}
	if code := c.do(ctx, http.MethodPost, "/v1/purchases:acknowledge", map[string]string{"purchase_token": token}, &resp); code != OK {
		return code
	}
	return ResponseCode(resp.ResponseCode)
}

// LaunchPurchaseFlow starts a purchase flow for a product
func (c *HTTPClient) LaunchPurchaseFlow(ctx context.Context, productID, obfuscatedAccountID string) ResponseCode {
	if !c.IsReady() {
		return ServiceDisconnected
	}
	var resp struct {
		ResponseCode int `json:"response_code"`
	}
	body := map[string]string{
		"product_id":            productID,
		"obfuscated_account_id": obfuscatedAccountID,
	}
	if code := c.do(ctx, http.MethodPost, "/v1/purchases:launch", body, &resp); code != OK {
		return code
	}
	return ResponseCode(resp.ResponseCode)
}

// do performs a request and decodes the response. Transport failures map to
// connectivity codes rather than errors.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) ResponseCode {
	var reader io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			logging.Errorf("Failed to marshal provider request: %v", err)
			return DeveloperError
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		logging.Errorf("Failed to create provider request: %v", err)
		return DeveloperError
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ServiceTimeout
		}
		return NetworkError
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return ServiceUnavailable
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logging.Errorf("Provider request %s %s failed with status %d", method, path, resp.StatusCode)
		return Error
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		logging.Errorf("Failed to parse provider response: %v", err)
		return Error
	}
	return OK
}
