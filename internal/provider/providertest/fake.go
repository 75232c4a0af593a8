// Package providertest provides an in-memory provider for tests.
package providertest

import (
	"context"
	"errors"
	"sync"

	"entitlement-api/internal/models"
	"entitlement-api/internal/provider"
)

// ErrConnectFailed is returned by Connect while connection failures are queued.
var ErrConnectFailed = errors.New("providertest: connect failed")

// ProductResult is a canned QueryProducts response.
type ProductResult struct {
	Code     provider.ResponseCode
	Products []models.Product
}

// PurchaseResult is a canned QueryPurchases response.
type PurchaseResult struct {
	Code      provider.ResponseCode
	Purchases []models.Purchase
}

// Fake is a scriptable provider.Client.
type Fake struct {
	mu sync.Mutex

	ready        bool
	connectErrs  int
	connectCalls int
	listener     provider.Listener

	products  map[models.ProductType]ProductResult
	purchases map[models.ProductType]PurchaseResult
	// PurchaseGate, when set, blocks QueryPurchases until closed.
	PurchaseGate chan struct{}

	ackCode     provider.ResponseCode
	acked       []string
	launchCode  provider.ResponseCode
	launched    []string
	productCall [][]string
	queryCalls  int
	closed      bool
}

// New returns a fake that connects successfully.
func New() *Fake {
	return &Fake{
		products:  make(map[models.ProductType]ProductResult),
		purchases: make(map[models.ProductType]PurchaseResult),
	}
}

// FailConnects makes the next n Connect calls fail.
func (f *Fake) FailConnects(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = n
}

// SetReady forces the readiness flag.
func (f *Fake) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

// SetProducts scripts QueryProducts for a product type.
func (f *Fake) SetProducts(t models.ProductType, code provider.ResponseCode, products ...models.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[t] = ProductResult{Code: code, Products: products}
}

// SetPurchases scripts QueryPurchases for a product type.
func (f *Fake) SetPurchases(t models.ProductType, code provider.ResponseCode, purchases ...models.Purchase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchases[t] = PurchaseResult{Code: code, Purchases: purchases}
}

// SetAcknowledgeCode scripts Acknowledge.
func (f *Fake) SetAcknowledgeCode(code provider.ResponseCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackCode = code
}

// SetLaunchCode scripts LaunchPurchaseFlow.
func (f *Fake) SetLaunchCode(code provider.ResponseCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchCode = code
}

func (f *Fake) Connect(_ context.Context, l provider.Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErrs > 0 {
		f.connectErrs--
		return ErrConnectFailed
	}
	f.listener = l
	f.ready = true
	f.closed = false
	return nil
}

func (f *Fake) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *Fake) QueryProducts(_ context.Context, ids []string, t models.ProductType) (provider.ResponseCode, []models.Product) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.productCall = append(f.productCall, append([]string(nil), ids...))
	r, ok := f.products[t]
	if !ok {
		return provider.OK, nil
	}
	return r.Code, append([]models.Product(nil), r.Products...)
}

func (f *Fake) QueryPurchases(ctx context.Context, t models.ProductType) (provider.ResponseCode, []models.Purchase) {
	f.mu.Lock()
	gate := f.PurchaseGate
	f.queryCalls++
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return provider.ServiceTimeout, nil
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return provider.ServiceDisconnected, nil
	}
	r, ok := f.purchases[t]
	if !ok {
		return provider.OK, nil
	}
	return r.Code, append([]models.Purchase(nil), r.Purchases...)
}

func (f *Fake) Acknowledge(_ context.Context, token string) provider.ResponseCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, token)
	return f.ackCode
}

func (f *Fake) LaunchPurchaseFlow(_ context.Context, productID, _ string) provider.ResponseCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, productID)
	return f.launchCode
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.ready = false
	return nil
}

// DropConnection simulates the provider dropping an established connection.
func (f *Fake) DropConnection() {
	f.mu.Lock()
	f.ready = false
	onLost := f.listener.OnLost
	f.mu.Unlock()
	if onLost != nil {
		onLost()
	}
}

// Push delivers a purchase update as if the provider had pushed it.
func (f *Fake) Push(code provider.ResponseCode, purchases ...models.Purchase) {
	f.mu.Lock()
	onPurchases := f.listener.OnPurchases
	f.mu.Unlock()
	if onPurchases != nil {
		onPurchases(code, purchases)
	}
}

// ConnectCalls returns how many times Connect was called.
func (f *Fake) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// Acknowledged returns the acknowledged tokens.
func (f *Fake) Acknowledged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

// Launched returns the product ids passed to LaunchPurchaseFlow.
func (f *Fake) Launched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launched...)
}

// ProductQueries returns the id lists passed to QueryProducts.
func (f *Fake) ProductQueries() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.productCall...)
}

// PurchaseQueries returns how many times QueryPurchases was called.
func (f *Fake) PurchaseQueries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCalls
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ provider.Client = (*Fake)(nil)
