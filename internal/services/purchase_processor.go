package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"entitlement-api/internal/config"
	"entitlement-api/internal/models"
	"entitlement-api/internal/provider"
	"entitlement-api/pkg/logging"

	"github.com/rs/zerolog"
)

const (
	acknowledgeTimeout = 10 * time.Second
	ownershipTimeout   = 10 * time.Second
)

// ErrNoAccount is returned when an operation needs an authenticated account
var ErrNoAccount = errors.New("no authenticated account")

// PurchaseApplier feeds confirmed purchases into reconciliation
type PurchaseApplier interface {
	AccountID() string
	ApplyPurchase(p models.Purchase) models.Verdict
}

// AnomalyRecorder persists ownership anomalies
type AnomalyRecorder interface {
	RecordAnomaly(ctx context.Context, anomaly *models.EntitlementAnomaly) error
}

// AnomalyAlerter reports ownership anomalies to operators
type AnomalyAlerter interface {
	SendAnomalyAlert(ctx context.Context, anomaly *models.EntitlementAnomaly) error
}

// ProcessorOption customizes a PurchaseProcessor
type ProcessorOption func(*PurchaseProcessor)

// WithAnomalyRecorder stores anomalies
func WithAnomalyRecorder(r AnomalyRecorder) ProcessorOption {
	return func(p *PurchaseProcessor) { p.recorder = r }
}

// WithAnomalyAlerter sends an alert for each anomaly
func WithAnomalyAlerter(a AnomalyAlerter) ProcessorOption {
	return func(p *PurchaseProcessor) { p.alerter = a }
}

// WithProcessorMetrics attaches metrics
func WithProcessorMetrics(m *Metrics) ProcessorOption {
	return func(p *PurchaseProcessor) { p.metrics = m }
}

// WithProcessorClock replaces the time source used for anomaly timestamps
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *PurchaseProcessor) { p.now = now }
}

// PurchaseProcessor consumes provider purchase notifications
type PurchaseProcessor struct {
	engine   PurchaseApplier
	client   provider.Client
	conn     Connection
	dedup    *PurchaseDeduper
	recorder AnomalyRecorder
	alerter  AnomalyAlerter
	metrics  *Metrics
	now      func() time.Time
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	pendingProduct string
}

// NewPurchaseProcessor creates a processor. dedup may be nil.
func NewPurchaseProcessor(engine PurchaseApplier, client provider.Client, conn Connection, dedup *PurchaseDeduper, opts ...ProcessorOption) *PurchaseProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	p := &PurchaseProcessor{
		engine: engine,
		client: client,
		conn:   conn,
		dedup:  dedup,
		now:    time.Now,
		log:    logging.Component("purchases"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Purchase launches the provider purchase flow for a product. The outcome
// arrives later through OnPurchasesNotified.
func (p *PurchaseProcessor) Purchase(ctx context.Context, productID string) (provider.ResponseCode, error) {
	account := p.engine.AccountID()
	if account == "" {
		return provider.DeveloperError, ErrNoAccount
	}
	if !config.ValidProductID(productID) {
		return provider.DeveloperError, newError(KindConfiguration, "purchase", ErrConfiguration)
	}

	p.mu.Lock()
	p.pendingProduct = productID
	p.mu.Unlock()
	p.conn.SetPurchaseInProgress(true)

	if !p.conn.IsReady() {
		p.log.Info().Str("product_id", productID).Msg("provider not ready, connecting before purchase")
		p.conn.Connect()
		return provider.ServiceDisconnected, nil
	}

	code := p.client.LaunchPurchaseFlow(ctx, productID, models.ObfuscatedAccountID(account))
	switch {
	case code == provider.OK:
		p.log.Info().Str("product_id", productID).Msg("purchase flow launched")
	case code == provider.ItemAlreadyOwned:
		p.endPurchaseFlow()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.verifyOwnership(productID)
		}()
	default:
		p.endPurchaseFlow()
		p.log.Warn().Str("product_id", productID).Str("code", code.String()).Msg("purchase flow not launched")
		p.conn.ReportConnectivityError(code)
	}
	return code, nil
}

// OnPurchasesNotified handles a purchase update from the provider
func (p *PurchaseProcessor) OnPurchasesNotified(code provider.ResponseCode, purchases []models.Purchase) {
	switch {
	case code == provider.OK:
		p.endPurchaseFlow()
		for _, purchase := range purchases {
			p.handlePurchase(purchase)
		}
	case code == provider.ItemAlreadyOwned:
		productID := p.ownedProduct(purchases)
		p.endPurchaseFlow()
		p.verifyOwnership(productID)
	case code == provider.UserCanceled:
		p.endPurchaseFlow()
		p.log.Info().Msg("purchase canceled by user")
	case code.IsConnectivity():
		p.log.Warn().Str("code", code.String()).Msg("purchase update reported connectivity failure")
		p.conn.ReportConnectivityError(code)
	default:
		p.endPurchaseFlow()
		p.log.Error().Str("code", code.String()).Msg("purchase failed")
	}
}

func (p *PurchaseProcessor) handlePurchase(purchase models.Purchase) {
	log := p.log.With().Str("order_id", purchase.OrderID).Strs("product_ids", purchase.ProductIDs).Logger()
	if purchase.Token == "" {
		log.Warn().Msg("purchase without token ignored")
		return
	}

	switch purchase.State {
	case models.PurchaseStatePurchased:
		if p.dedup != nil && p.dedup.IsDuplicate(p.engine.AccountID(), purchase) {
			return
		}
		p.applyConfirmed(purchase, log)
	case models.PurchaseStatePending:
		log.Info().Msg("purchase pending, no entitlement change")
	default:
		log.Info().Str("state", purchase.State.String()).Msg("purchase in unspecified state, no entitlement change")
	}
}

// applyConfirmed grants a purchase already known to be purchased and linked.
// It never consults the deduper: an ownership confirmation must apply even
// when the same token was seen before.
func (p *PurchaseProcessor) applyConfirmed(purchase models.Purchase, log zerolog.Logger) {
	v := p.engine.ApplyPurchase(purchase)
	log.Info().Str("plan", string(v.PlanType)).Msg("purchase confirmed")
	if !purchase.Acknowledged {
		p.acknowledge(purchase.Token)
	}
}

// acknowledge is fire-and-forget; failures are logged and not retried here.
func (p *PurchaseProcessor) acknowledge(token string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, acknowledgeTimeout)
		defer cancel()

		code := p.client.Acknowledge(ctx, token)
		if code != provider.OK {
			p.metrics.incAcknowledgeFailures()
			p.log.Error().Str("code", code.String()).Msg("purchase acknowledgement failed")
			p.conn.ReportConnectivityError(code)
			return
		}
		p.log.Debug().Msg("purchase acknowledged")
	}()
}

// verifyOwnership accepts an "already owned" signal only when a live,
// purchased copy of the product is linked to the current account.
func (p *PurchaseProcessor) verifyOwnership(productID string) {
	account := p.engine.AccountID()
	log := p.log.With().Str("product_id", productID).Str("account_id", account).Logger()
	if account == "" || productID == "" {
		log.Warn().Msg("already-owned response without account or product, ignored")
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, ownershipTimeout)
	defer cancel()

	linked := models.ObfuscatedAccountID(account)
	for _, t := range []models.ProductType{models.ProductTypeSubscription, models.ProductTypeOneTime} {
		code, purchases := p.client.QueryPurchases(ctx, t)
		if code != provider.OK {
			log.Warn().Err(newError(KindConnectivity, "verify_ownership", nil)).Str("code", code.String()).Msg("ownership check failed")
			p.conn.ReportConnectivityError(code)
			return
		}
		for _, purchase := range purchases {
			if !purchase.HasProduct(productID) || purchase.State != models.PurchaseStatePurchased {
				continue
			}
			if purchase.ObfuscatedAccountID != linked || purchase.Token == "" {
				continue
			}
			if purchase.Type == "" {
				purchase.Type = t
			}
			log.Info().Str("order_id", purchase.OrderID).Msg("already-owned product confirmed")
			p.applyConfirmed(purchase, log.With().Str("order_id", purchase.OrderID).Logger())
			return
		}
	}

	p.recordAnomaly(account, productID)
}

func (p *PurchaseProcessor) recordAnomaly(account, productID string) {
	p.metrics.incAnomalies()
	anomaly := &models.EntitlementAnomaly{
		AccountID:    account,
		ProductID:    productID,
		ResponseCode: int(provider.ItemAlreadyOwned),
		Reason:       "already owned without a matching live purchase",
		DetectedAt:   p.now(),
	}
	p.log.Error().
		Err(newError(KindAnomaly, "verify_ownership", ErrAnomaly)).
		Str("account_id", account).
		Str("product_id", productID).
		Msg("ownership anomaly, verdict unchanged")

	if p.recorder != nil {
		if err := p.recorder.RecordAnomaly(p.ctx, anomaly); err != nil {
			p.log.Error().Err(err).Msg("failed to record anomaly")
		}
	}
	if p.alerter != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.alerter.SendAnomalyAlert(p.ctx, anomaly); err != nil {
				p.log.Error().Err(err).Msg("failed to send anomaly alert")
			}
		}()
	}
}

func (p *PurchaseProcessor) ownedProduct(purchases []models.Purchase) string {
	for _, purchase := range purchases {
		if len(purchase.ProductIDs) > 0 {
			return purchase.ProductIDs[0]
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingProduct
}

func (p *PurchaseProcessor) endPurchaseFlow() {
	p.mu.Lock()
	p.pendingProduct = ""
	p.mu.Unlock()
	p.conn.SetPurchaseInProgress(false)
}

// Close waits for acknowledgements and alerts in flight
func (p *PurchaseProcessor) Close() {
	p.cancel()
	p.wg.Wait()
	if p.dedup != nil {
		p.dedup.Stop()
	}
}
