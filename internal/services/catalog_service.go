package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"entitlement-api/internal/config"
	"entitlement-api/internal/models"
	"entitlement-api/internal/provider"
	"entitlement-api/pkg/logging"

	"github.com/rs/zerolog"
)

const catalogQueryTimeout = 10 * time.Second

// Connection is the part of the connection manager other services depend on
type Connection interface {
	Connect()
	IsReady() bool
	ReportConnectivityError(code provider.ResponseCode)
	SetPurchaseInProgress(active bool)
}

// CatalogService queries the provider for the configured products
type CatalogService struct {
	client provider.Client
	conn   Connection
	plans  *models.PlanTable
	log    zerolog.Logger

	subscriptionIDs []string
	oneTimeIDs      []string

	mu        sync.RWMutex
	products  []models.Product
	updatedAt time.Time
}

// NewCatalogService creates a catalog pipeline. Malformed identifiers are
// dropped here and never sent to the provider.
func NewCatalogService(client provider.Client, conn Connection, catalog *config.Catalog) *CatalogService {
	s := &CatalogService{
		client: client,
		conn:   conn,
		plans:  catalog.PlanTable(),
		log:    logging.Component("catalog"),
	}
	s.subscriptionIDs = s.validIDs(catalog.SubscriptionIDs())
	s.oneTimeIDs = s.validIDs(catalog.OneTimeIDs())
	return s
}

func (s *CatalogService) validIDs(ids []string) []string {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if !config.ValidProductID(id) {
			err := newError(KindConfiguration, "catalog", ErrConfiguration)
			s.log.Error().Err(err).Str("product_id", id).Msg("malformed product identifier skipped")
			continue
		}
		valid = append(valid, id)
	}
	return valid
}

// QueryProducts runs the two-phase query and replaces the product list. When
// the provider is not ready it only requests a connection and returns false;
// callers re-invoke once the connection is ready.
func (s *CatalogService) QueryProducts(ctx context.Context) bool {
	if !s.conn.IsReady() {
		s.log.Debug().Msg("provider not ready, connecting before catalog query")
		s.conn.Connect()
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, catalogQueryTimeout)
	defer cancel()

	subs := s.queryPhase(ctx, s.subscriptionIDs, models.ProductTypeSubscription)
	oneTime := s.queryPhase(ctx, s.oneTimeIDs, models.ProductTypeOneTime)

	products := make([]models.Product, 0, len(subs)+len(oneTime))
	products = append(products, subs...)
	products = append(products, oneTime...)
	sort.SliceStable(products, func(i, j int) bool {
		return s.plans.Resolve(products[i].ID).Rank() < s.plans.Resolve(products[j].ID).Rank()
	})

	s.mu.Lock()
	s.products = products
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.log.Info().Int("count", len(products)).Msg("product catalog updated")
	return true
}

// queryPhase returns the products of one type; a failed phase contributes nothing.
func (s *CatalogService) queryPhase(ctx context.Context, ids []string, t models.ProductType) []models.Product {
	if len(ids) == 0 {
		return nil
	}
	code, products := s.client.QueryProducts(ctx, ids, t)
	if code != provider.OK {
		s.log.Warn().Str("type", string(t)).Str("code", code.String()).Msg("product query failed")
		s.conn.ReportConnectivityError(code)
		return nil
	}
	return products
}

// Products returns the last published product list
func (s *CatalogService) Products() []models.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Product(nil), s.products...)
}

// UpdatedAt returns when the product list was last replaced
func (s *CatalogService) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}
