package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"entitlement-api/internal/entitlement"
	"entitlement-api/internal/models"
	"entitlement-api/internal/provider"
	"entitlement-api/pkg/logging"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Trigger names what started a reconciliation
type Trigger string

const (
	TriggerAppStart          Trigger = "app_start"
	TriggerLogin             Trigger = "login"
	TriggerRoutine           Trigger = "routine"
	TriggerProviderReady     Trigger = "provider_ready"
	TriggerPurchase          Trigger = "purchase"
	TriggerRefresh           Trigger = "refresh"
	TriggerCancellationCheck Trigger = "cancellation_check"
)

// invalidatesWindow reports whether the trigger bypasses the debounce window
func (t Trigger) invalidatesWindow() bool {
	switch t {
	case TriggerRefresh, TriggerPurchase, TriggerCancellationCheck, TriggerLogin:
		return true
	}
	return false
}

const (
	outcomePublished    = "published"
	outcomeInconclusive = "inconclusive"
	outcomeTimeout      = "timeout"
	outcomeCancelled    = "cancelled"
	outcomeDebounced    = "debounced"
	outcomeJoined       = "joined"

	ledgerWriteTimeout = 5 * time.Second
)

// LedgerClient reads and merges the remote entitlement record of an account
type LedgerClient interface {
	Get(ctx context.Context, accountID string) (*models.LedgerRecord, error)
	Set(ctx context.Context, accountID string, fields models.LedgerFields) error
}

// CacheStore is the local last-known verdict store. Calls must not block on network.
type CacheStore interface {
	Get(accountID string) (models.CacheRecord, bool)
	Put(accountID string, rec models.CacheRecord) error
}

// VerdictNotifier is told when the published entitlement of an account changes
type VerdictNotifier interface {
	VerdictChanged(ctx context.Context, accountID string, previous, current models.Verdict)
}

// EntitlementState is what callers observe
type EntitlementState struct {
	AccountID string         `json:"account_id"`
	Verdict   models.Verdict `json:"verdict"`
	IsLoading bool           `json:"is_loading"`
}

// EngineConfig holds the reconciliation timing and plan mapping
type EngineConfig struct {
	CacheValidity  time.Duration
	VerifyTimeout  time.Duration
	RefreshTimeout time.Duration
	GracePeriod    time.Duration
	Plans          *models.PlanTable
}

func (c *EngineConfig) setDefaults() {
	if c.CacheValidity <= 0 {
		c.CacheValidity = 30 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 4 * time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 3 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = entitlement.DefaultGracePeriod
	}
}

// EngineOption customizes a ReconciliationEngine
type EngineOption func(*ReconciliationEngine)

// WithClock replaces the time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *ReconciliationEngine) { e.now = now }
}

// WithNotifier adds a verdict change notifier
func WithNotifier(n VerdictNotifier) EngineOption {
	return func(e *ReconciliationEngine) { e.notifiers = append(e.notifiers, n) }
}

// WithMetrics attaches metrics
func WithMetrics(m *Metrics) EngineOption {
	return func(e *ReconciliationEngine) { e.metrics = m }
}

// run is one in-flight reconciliation
type run struct {
	trigger   Trigger
	accountID string
	cancel    context.CancelFunc
	done      chan struct{}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// ReconciliationEngine merges the local cache, the remote ledger and the
// provider's live purchases into one published verdict per account. At most
// one reconciliation is in flight; a new one supersedes the previous.
type ReconciliationEngine struct {
	ledger LedgerClient
	cache  CacheStore
	client provider.Client
	conn   Connection
	cfg    EngineConfig
	policy entitlement.Policy

	now       func() time.Time
	notifiers []VerdictNotifier
	metrics   *Metrics
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ledgerWrites keeps ledger writes in publish order, off the run's path.
	ledgerWrites *serialQueue
	// notifyQueues holds one ordered queue per notifier.
	notifyQueues []*serialQueue

	// runMu guards read-and-replace of the in-flight handle.
	runMu    sync.Mutex
	inflight *run

	mu             sync.Mutex
	state          EntitlementState
	hasVerdict     bool
	lastVerifiedAt time.Time
	// ledgerOnly marks a verified verdict reached without live purchases.
	ledgerOnly     bool
	subscribers    map[int]chan EntitlementState
	nextSub        int
	closed         bool

	activeRuns atomic.Int32
	maxActive  atomic.Int32
}

// NewReconciliationEngine creates an engine. Its lifetime scope ends with Close.
func NewReconciliationEngine(ledger LedgerClient, cache CacheStore, client provider.Client, conn Connection, cfg EngineConfig, opts ...EngineOption) *ReconciliationEngine {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &ReconciliationEngine{
		ledger:      ledger,
		cache:       cache,
		client:      client,
		conn:        conn,
		cfg:         cfg,
		policy:      entitlement.Policy{Plans: cfg.Plans, GracePeriod: cfg.GracePeriod},
		now:         time.Now,
		log:         logging.Component("reconciliation"),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[int]chan EntitlementState),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledgerWrites = newSerialQueue()
	for range e.notifiers {
		e.notifyQueues = append(e.notifyQueues, newSerialQueue())
	}
	return e
}

// Login switches the authenticated account and starts a reconciliation for it
func (e *ReconciliationEngine) Login(accountID string) {
	e.switchAccount(accountID)
	e.trigger(TriggerLogin, accountID)
}

// Open restores the session of an account at application start. Unlike
// Login it does not bypass the debounce window.
func (e *ReconciliationEngine) Open(accountID string) {
	e.switchAccount(accountID)
	e.trigger(TriggerAppStart, accountID)
}

// Start begins a reconciliation for the current account without waiting for it
func (e *ReconciliationEngine) Start(t Trigger) {
	if account := e.AccountID(); account != "" {
		e.trigger(t, account)
	}
}

// Verify reconciles the account and returns the resulting verdict. Within the
// cache validity window the last verdict is returned without any fetch.
func (e *ReconciliationEngine) Verify(ctx context.Context, accountID string) models.Verdict {
	if accountID == "" {
		accountID = e.AccountID()
	} else {
		e.switchAccount(accountID)
	}
	if accountID == "" {
		return e.Current().Verdict
	}
	return e.await(ctx, e.trigger(TriggerRoutine, accountID))
}

// ForceRefresh reconciles the current account, bypassing the debounce window
func (e *ReconciliationEngine) ForceRefresh(ctx context.Context) models.Verdict {
	return e.runForCurrent(ctx, TriggerRefresh)
}

// CheckForPossibleCancellation reconciles the current account when a
// cancellation is suspected, bypassing the debounce window
func (e *ReconciliationEngine) CheckForPossibleCancellation(ctx context.Context) models.Verdict {
	return e.runForCurrent(ctx, TriggerCancellationCheck)
}

func (e *ReconciliationEngine) runForCurrent(ctx context.Context, t Trigger) models.Verdict {
	account := e.AccountID()
	if account == "" {
		return e.Current().Verdict
	}
	return e.await(ctx, e.trigger(t, account))
}

// ApplyPurchase publishes a confirmed purchase as a provisional provider
// verdict, persists it, and schedules a fresh reconciliation. Any in-flight
// reconciliation is superseded rather than mutated.
func (e *ReconciliationEngine) ApplyPurchase(p models.Purchase) models.Verdict {
	account := e.AccountID()
	if account == "" {
		e.log.Warn().Str("order_id", p.OrderID).Msg("purchase received without an authenticated account")
		return e.Current().Verdict
	}

	plan := e.cfg.Plans.ForPurchase(p)
	v := models.NewEntitledVerdict(plan, models.SourceProvider, e.now())

	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.isClosed() {
		return e.Current().Verdict
	}
	e.cancelInflightLocked()

	e.mu.Lock()
	e.lastVerifiedAt = time.Time{}
	e.mu.Unlock()

	e.putCache(account, v)
	e.publish(account, v, false, false)

	productID := ""
	if len(p.ProductIDs) > 0 {
		productID = p.ProductIDs[0]
	}
	// Reconciliations read the ledger only after queued writes have landed.
	e.writeLedger(account, models.FieldsFromVerdict(v, p.OrderID, productID, p.Token))

	e.log.Info().Str("account_id", account).Str("order_id", p.OrderID).Str("plan", string(plan)).Msg("purchase applied")
	e.startRunLocked(TriggerPurchase, account)
	return v
}

// Current returns the observable state
func (e *ReconciliationEngine) Current() EntitlementState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AccountID returns the authenticated account
func (e *ReconciliationEngine) AccountID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.AccountID
}

// Subscribe returns a latest-value stream of the observable state. The
// current state is delivered first. The returned func unsubscribes.
func (e *ReconciliationEngine) Subscribe() (<-chan EntitlementState, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan EntitlementState, 1)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = ch
	ch <- e.state

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if _, ok := e.subscribers[id]; ok {
				delete(e.subscribers, id)
				close(ch)
			}
		})
	}
}

// ClearLoading clears the loading indicator, e.g. when the provider
// connection is given up
func (e *ReconciliationEngine) ClearLoading() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.IsLoading {
		return
	}
	e.state.IsLoading = false
	e.broadcastLocked()
}

// Close cancels the engine scope, waits for in-flight work and closes all streams
func (e *ReconciliationEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.runMu.Lock()
	e.cancelInflightLocked()
	e.runMu.Unlock()
	e.wg.Wait()

	e.ledgerWrites.close()
	for _, q := range e.notifyQueues {
		q.close()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.IsLoading = false
	for id, ch := range e.subscribers {
		delete(e.subscribers, id)
		close(ch)
	}
}

// MaxConcurrentRuns returns the highest number of reconciliations ever in flight at once
func (e *ReconciliationEngine) MaxConcurrentRuns() int {
	return int(e.maxActive.Load())
}

func (e *ReconciliationEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *ReconciliationEngine) switchAccount(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.AccountID == accountID {
		return
	}
	e.state = EntitlementState{AccountID: accountID}
	e.hasVerdict = false
	e.lastVerifiedAt = time.Time{}
	e.ledgerOnly = false
	e.broadcastLocked()
}

// trigger applies the debounce window and starts, joins or supersedes a run.
// It returns nil when the window absorbed the trigger.
func (e *ReconciliationEngine) trigger(t Trigger, accountID string) *run {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	if t.invalidatesWindow() {
		e.lastVerifiedAt = time.Time{}
	}
	// A provider that just became ready can add what a ledger-only verdict missed.
	recheck := t == TriggerProviderReady && e.ledgerOnly
	fresh := !recheck && e.hasVerdict && !e.lastVerifiedAt.IsZero() && e.now().Sub(e.lastVerifiedAt) < e.cfg.CacheValidity
	e.mu.Unlock()

	if fresh {
		e.metrics.recordReconciliation(t, outcomeDebounced)
		return nil
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !t.invalidatesWindow() && t != TriggerProviderReady {
		if r := e.inflight; r != nil && !r.finished() && r.accountID == accountID {
			e.metrics.recordReconciliation(t, outcomeJoined)
			return r
		}
	}
	return e.startRunLocked(t, accountID)
}

func (e *ReconciliationEngine) startRunLocked(t Trigger, accountID string) *run {
	if e.isClosed() {
		return nil
	}
	e.cancelInflightLocked()

	ctx, cancel := context.WithCancel(e.ctx)
	r := &run{trigger: t, accountID: accountID, cancel: cancel, done: make(chan struct{})}
	e.inflight = r

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(r.done)
		defer cancel()

		n := e.activeRuns.Add(1)
		for {
			peak := e.maxActive.Load()
			if n <= peak || e.maxActive.CompareAndSwap(peak, n) {
				break
			}
		}
		defer e.activeRuns.Add(-1)

		e.reconcile(ctx, r)
	}()
	return r
}

// cancelInflightLocked cancels the in-flight run and waits until it has
// stopped, so an abandoned run can never publish afterwards.
func (e *ReconciliationEngine) cancelInflightLocked() {
	if r := e.inflight; r != nil {
		r.cancel()
		<-r.done
		e.inflight = nil
	}
}

func (e *ReconciliationEngine) await(ctx context.Context, r *run) models.Verdict {
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
		}
	}
	return e.Current().Verdict
}

type fetchResult struct {
	ledger            *models.LedgerRecord
	purchases         []models.Purchase
	providerAvailable bool
}

func (e *ReconciliationEngine) reconcile(ctx context.Context, r *run) {
	account := r.accountID
	log := e.log.With().Str("account_id", account).Str("trigger", string(r.trigger)).Logger()

	e.setLoading(account, true)

	// Fast path: show a cached entitlement while authoritative data is pending.
	var cached *models.CacheRecord
	if rec, ok := e.cache.Get(account); ok {
		cached = &rec
		if rec.IsEntitled && ctx.Err() == nil {
			e.publish(account, models.NewEntitledVerdict(rec.PlanType, models.SourceCache, rec.LastUpdated), true, false)
		}
	}

	timeout := e.cfg.VerifyTimeout
	if r.trigger == TriggerRefresh {
		timeout = e.cfg.RefreshTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	res, err := e.fetch(fetchCtx, account)
	e.metrics.observeFetch(time.Since(started).Seconds())

	if ctx.Err() != nil {
		// Superseded or shutting down; the successor owns the loading flag.
		e.metrics.recordReconciliation(r.trigger, outcomeCancelled)
		log.Debug().Msg("reconciliation cancelled")
		return
	}
	if err != nil {
		log.Warn().Err(newError(KindTimeout, "authoritative_fetch", err)).Dur("timeout", timeout).Msg("keeping previous verdict")
		e.metrics.recordReconciliation(r.trigger, outcomeTimeout)
		e.setLoading(account, false)
		return
	}

	d := entitlement.Merge(entitlement.Inputs{
		Cache:             cached,
		Ledger:            res.ledger,
		Purchases:         res.purchases,
		ProviderAvailable: res.providerAvailable,
	}, e.policy, e.now())

	if !d.Conclusive {
		log.Warn().Msg("ledger and provider unavailable, falling back to cache")
		e.mu.Lock()
		keep := e.hasVerdict
		e.mu.Unlock()
		if keep {
			e.setLoading(account, false)
		} else {
			e.publish(account, d.Verdict, false, false)
		}
		e.metrics.recordReconciliation(r.trigger, outcomeInconclusive)
		return
	}

	e.putCache(account, d.Verdict)
	e.mu.Lock()
	e.ledgerOnly = !res.providerAvailable
	e.mu.Unlock()
	e.publish(account, d.Verdict, false, true)
	e.metrics.recordReconciliation(r.trigger, outcomePublished)
	log.Info().
		Bool("entitled", d.Verdict.IsEntitled).
		Str("plan", string(d.Verdict.PlanType)).
		Str("source", string(d.Verdict.Source)).
		Str("rule", string(d.Rule)).
		Msg("verdict published")

	e.writeLedger(account, models.FieldsFromVerdict(d.Verdict, d.OrderID, d.ProductID, d.Token))
}

// fetch reads the ledger and the provider concurrently. It returns an error
// only when the deadline passed before both answered.
func (e *ReconciliationEngine) fetch(ctx context.Context, account string) (*fetchResult, error) {
	var (
		ledger            *models.LedgerRecord
		purchases         []models.Purchase
		providerAvailable bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A verdict written moments ago must be read back, not its predecessor.
		if err := e.ledgerWrites.wait(gctx); err != nil {
			return nil
		}
		rec, err := e.ledger.Get(gctx, account)
		if err != nil {
			e.log.Warn().Err(newError(KindLedger, "ledger_get", err)).Str("account_id", account).Msg("ledger read failed, merging without it")
			return nil
		}
		ledger = rec
		return nil
	})
	g.Go(func() error {
		if !e.conn.IsReady() {
			return nil
		}
		purchases, providerAvailable = e.livePurchases(gctx, account)
		return nil
	})

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return &fetchResult{ledger: ledger, purchases: purchases, providerAvailable: providerAvailable}, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// livePurchases queries one-time then subscription purchases owned by the account.
func (e *ReconciliationEngine) livePurchases(ctx context.Context, account string) ([]models.Purchase, bool) {
	linked := models.ObfuscatedAccountID(account)
	var out []models.Purchase
	for _, t := range []models.ProductType{models.ProductTypeOneTime, models.ProductTypeSubscription} {
		code, purchases := e.client.QueryPurchases(ctx, t)
		if code != provider.OK {
			if ctx.Err() == nil {
				e.log.Warn().Err(newError(KindConnectivity, "query_purchases", nil)).Str("type", string(t)).Str("code", code.String()).Msg("live purchase query failed, merging without provider")
				e.conn.ReportConnectivityError(code)
			}
			return nil, false
		}
		for _, p := range purchases {
			if p.ObfuscatedAccountID != "" && p.ObfuscatedAccountID != linked {
				continue
			}
			if p.Type == "" {
				p.Type = t
			}
			out = append(out, p)
		}
	}
	return out, true
}

func (e *ReconciliationEngine) putCache(account string, v models.Verdict) {
	rec := models.CacheRecord{IsEntitled: v.IsEntitled, PlanType: v.PlanType, LastUpdated: v.VerifiedAt}
	if err := e.cache.Put(account, rec); err != nil {
		e.log.Error().Err(err).Str("account_id", account).Msg("failed to write cache")
	}
}

// writeLedger queues a best-effort write: failures are logged and never
// revert a published verdict. Writes land in the order they were queued.
func (e *ReconciliationEngine) writeLedger(account string, fields models.LedgerFields) {
	e.ledgerWrites.push(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), ledgerWriteTimeout)
		defer cancel()
		if err := e.ledger.Set(ctx, account, fields); err != nil {
			e.log.Error().Err(newError(KindLedger, "ledger_set", err)).Str("account_id", account).Msg("failed to write ledger")
		}
	})
}

func (e *ReconciliationEngine) setLoading(account string, loading bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.AccountID != account || e.state.IsLoading == loading {
		return
	}
	e.state.IsLoading = loading
	e.broadcastLocked()
}

// publish replaces the verdict of the current account. A conclusive publish
// restarts the debounce window.
func (e *ReconciliationEngine) publish(account string, v models.Verdict, loading, verified bool) {
	e.mu.Lock()
	if e.state.AccountID != account {
		e.mu.Unlock()
		return
	}
	previous := e.state.Verdict
	hadVerdict := e.hasVerdict
	e.state.Verdict = v
	e.state.IsLoading = loading
	e.hasVerdict = true
	if verified {
		e.lastVerifiedAt = e.now()
	}
	e.broadcastLocked()
	e.mu.Unlock()

	if hadVerdict && previous.SameEntitlement(v) {
		return
	}
	if !hadVerdict && !v.IsEntitled {
		return
	}
	for i, n := range e.notifiers {
		e.notifyQueues[i].push(func() { n.VerdictChanged(e.ctx, account, previous, v) })
	}
}

// broadcastLocked delivers the state to every subscriber, replacing any undelivered value.
func (e *ReconciliationEngine) broadcastLocked() {
	for _, ch := range e.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e.state:
		default:
		}
	}
}
