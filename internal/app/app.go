// Package app composes the entitlement service and owns its lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"entitlement-api/internal/config"
	"entitlement-api/internal/database"
	"entitlement-api/internal/provider"
	"entitlement-api/internal/scheduler"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App holds every long-lived component. It is constructed explicitly and
// torn down with Close.
type App struct {
	Config     *config.Config
	Catalog    *config.Catalog
	Handles    *database.Handles
	Provider   provider.Client
	Connection *services.ConnectionManager
	Products   *services.CatalogService
	Engine     *services.ReconciliationEngine
	Processor  *services.PurchaseProcessor
	Anomalies  *database.AnomalyRepository
	Redis      *services.RedisService
	Metrics    *services.Metrics
	Registry   *prometheus.Registry

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New opens storage and the provider client described by cfg and composes the app
func New(cfg *config.Config) (*App, error) {
	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	handles, err := database.InitDatabase(cfg)
	if err != nil {
		return nil, err
	}

	client := provider.NewHTTPClient(cfg.ProviderURL, cfg.ProviderAPIKey)
	a, err := Build(cfg, catalog, handles, client, scheduler.NewSlot())
	if err != nil {
		handles.Close()
		return nil, err
	}
	return a, nil
}

// Build composes the app from already opened dependencies
func Build(cfg *config.Config, catalog *config.Catalog, handles *database.Handles, client provider.Client, timer services.DelayedTask) (*App, error) {
	if handles == nil || handles.Ledger == nil {
		return nil, errors.New("ledger database is required")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := services.NewMetrics(registry)

	cache, err := database.NewCacheStore(handles.Cache)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:    cfg,
		Catalog:   catalog,
		Handles:   handles,
		Provider:  client,
		Anomalies: database.NewAnomalyRepository(handles.Ledger),
		Metrics:   metrics,
		Registry:  registry,
		ctx:       ctx,
		cancel:    cancel,
	}

	a.Connection = services.NewConnectionManager(client, timer, cfg.MaxReconnectAttempts, metrics)
	a.Products = services.NewCatalogService(client, a.Connection, catalog)

	engineOpts := []services.EngineOption{services.WithMetrics(metrics)}
	if cfg.WebhookCallbackURL != "" {
		engineOpts = append(engineOpts, services.WithNotifier(services.NewWebhookNotifier(cfg.WebhookCallbackURL, cfg.WebhookSecret)))
	}
	if handles.Redis != nil {
		a.Redis = services.NewRedisService(handles.Redis)
		engineOpts = append(engineOpts, services.WithNotifier(a.Redis))
	}
	a.Engine = services.NewReconciliationEngine(
		database.NewLedgerRepository(handles.Ledger),
		cache,
		client,
		a.Connection,
		services.EngineConfig{
			CacheValidity:  cfg.CacheValidity,
			VerifyTimeout:  cfg.VerifyTimeout,
			RefreshTimeout: cfg.RefreshTimeout,
			GracePeriod:    cfg.GracePeriod,
			Plans:          catalog.PlanTable(),
		},
		engineOpts...,
	)

	processorOpts := []services.ProcessorOption{
		services.WithAnomalyRecorder(a.Anomalies),
		services.WithProcessorMetrics(metrics),
	}
	if mailer := services.NewAlertMailer(cfg.BrevoAPIKey, cfg.BrevoFromEmail, cfg.AlertEmail); mailer != nil {
		processorOpts = append(processorOpts, services.WithAnomalyAlerter(mailer))
	}
	a.Processor = services.NewPurchaseProcessor(a.Engine, client, a.Connection, services.NewPurchaseDeduper(0), processorOpts...)

	a.wire()
	return a, nil
}

func (a *App) wire() {
	a.Connection.OnReady(func() {
		if a.ctx.Err() != nil {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Products.QueryProducts(a.ctx)
		}()
		a.Engine.Start(services.TriggerProviderReady)
	})
	a.Connection.OnLost(func() {
		logging.Warnf("Provider connection lost, live purchases unavailable until reconnected")
	})
	a.Connection.OnPermanentFailure(a.Engine.ClearLoading)
	a.Connection.OnPurchasesUpdated(a.Processor.OnPurchasesNotified)
}

// Start connects to the provider and restores the configured account, if any
func (a *App) Start() {
	a.Connection.Connect()
	if a.Config.AccountID != "" {
		a.Engine.Open(a.Config.AccountID)
	}
}

// Close tears everything down: in-flight work, the reconnection timer, the
// provider connection and storage
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		a.Processor.Close()
		a.Engine.Close()

		var errs []error
		if err := a.Connection.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider connection: %w", err))
		}
		a.wg.Wait()
		if err := a.Handles.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
