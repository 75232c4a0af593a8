package services

import (
	"context"
	"sync"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/internal/provider"
	"entitlement-api/pkg/logging"

	"github.com/rs/zerolog"
)

const (
	// DefaultMaxReconnectAttempts is how many backoff reconnects are scheduled
	// before the connection is given up.
	DefaultMaxReconnectAttempts = 5

	connectTimeout = 10 * time.Second
)

// DelayedTask holds at most one pending task; scheduling replaces it.
type DelayedTask interface {
	Schedule(d time.Duration, fn func())
	Cancel()
	Stop()
}

// ConnectionStatus is the provider connection lifecycle state
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusReady
	StatusPermanentlyFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusPermanentlyFailed:
		return "permanently_failed"
	default:
		return "unknown"
	}
}

// ConnectionState is a snapshot of the connection. Attempt is only set while connecting.
type ConnectionState struct {
	Status  ConnectionStatus `json:"-"`
	Name    string           `json:"status"`
	Attempt int              `json:"attempt,omitempty"`
}

// ReconnectDelay is the backoff before reconnect n (1-based): 1s doubling,
// capped at the sixth step.
func ReconnectDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 6 {
		n = 6
	}
	return time.Second << (n - 1)
}

// ConnectionManager owns the provider connection lifecycle
type ConnectionManager struct {
	client      provider.Client
	timer       DelayedTask
	maxAttempts int
	metrics     *Metrics
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	status             ConnectionStatus
	attempt            int
	scheduled          int // backoff reconnects since the last reset
	gen                uint64
	purchaseInProgress bool
	closed             bool

	onReady            []func()
	onLost             []func()
	onPermanentFailure []func()
	onPurchases        []func(provider.ResponseCode, []models.Purchase)
}

// NewConnectionManager creates a manager in the Disconnected state
func NewConnectionManager(client provider.Client, timer DelayedTask, maxAttempts int, metrics *Metrics) *ConnectionManager {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		client:      client,
		timer:       timer,
		maxAttempts: maxAttempts,
		metrics:     metrics,
		log:         logging.Component("connection"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OnReady registers a callback run each time the connection becomes ready
func (m *ConnectionManager) OnReady(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReady = append(m.onReady, fn)
}

// OnLost registers a callback run when a ready connection drops
func (m *ConnectionManager) OnLost(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost = append(m.onLost, fn)
}

// OnPermanentFailure registers a callback run when reconnection is given up
func (m *ConnectionManager) OnPermanentFailure(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPermanentFailure = append(m.onPermanentFailure, fn)
}

// OnPurchasesUpdated registers a receiver for purchase updates pushed by the provider
func (m *ConnectionManager) OnPurchasesUpdated(fn func(provider.ResponseCode, []models.Purchase)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPurchases = append(m.onPurchases, fn)
}

// Connect starts connecting unless a connection is ready or in progress.
// After the connection was given up it does nothing unless a purchase is in
// progress; Retry recovers it.
func (m *ConnectionManager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	switch m.status {
	case StatusReady, StatusConnecting:
		return
	case StatusPermanentlyFailed:
		if !m.purchaseInProgress {
			m.log.Debug().Msg("connect ignored, connection permanently failed")
			return
		}
	}
	m.startAttemptLocked()
}

// Retry resets the attempt counter and connects immediately, bypassing backoff
func (m *ConnectionManager) Retry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.timer.Cancel()
	m.scheduled = 0
	m.log.Info().Msg("manual connection retry")
	m.startAttemptLocked()
}

// IsReady reports whether the provider can be queried
func (m *ConnectionManager) IsReady() bool {
	m.mu.Lock()
	ready := m.status == StatusReady
	m.mu.Unlock()
	return ready && m.client.IsReady()
}

// State returns a snapshot of the connection state
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := ConnectionState{Status: m.status, Name: m.status.String()}
	if m.status == StatusConnecting {
		s.Attempt = m.attempt
	}
	return s
}

// SetPurchaseInProgress marks whether a purchase flow is active. While set,
// reconnection continues past the attempt cap.
func (m *ConnectionManager) SetPurchaseInProgress(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchaseInProgress = active
}

// PurchaseInProgress reports whether a purchase flow is active
func (m *ConnectionManager) PurchaseInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purchaseInProgress
}

// ReportConnectivityError is called when a provider call failed with a
// connectivity-class response code.
func (m *ConnectionManager) ReportConnectivityError(code provider.ResponseCode) {
	if !code.IsConnectivity() {
		return
	}
	m.mu.Lock()
	status := m.status
	gen := m.gen
	m.mu.Unlock()

	m.log.Warn().Str("code", code.String()).Msg("provider connectivity error")
	if status == StatusReady {
		m.connectionLost(gen)
		return
	}
	m.Connect()
}

// Close cancels any pending reconnection and closes the provider connection
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	m.status = StatusDisconnected
	m.mu.Unlock()

	m.timer.Stop()
	m.cancel()
	return m.client.Close()
}

func (m *ConnectionManager) startAttemptLocked() {
	m.gen++
	m.status = StatusConnecting
	m.attempt = m.scheduled + 1
	m.metrics.setConnectionState(m.status)
	go m.attemptConnect(m.gen, m.attempt)
}

func (m *ConnectionManager) attemptConnect(gen uint64, attempt int) {
	ctx, cancel := context.WithTimeout(m.ctx, connectTimeout)
	defer cancel()

	err := m.client.Connect(ctx, provider.Listener{
		OnLost:      func() { m.connectionLost(gen) },
		OnPurchases: m.dispatchPurchases,
	})

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}

	if err == nil {
		m.status = StatusReady
		m.scheduled = 0
		m.attempt = 0
		m.metrics.setConnectionState(m.status)
		hooks := append([]func(){}, m.onReady...)
		m.mu.Unlock()

		m.log.Info().Int("attempt", attempt).Msg("provider connection ready")
		for _, fn := range hooks {
			fn()
		}
		return
	}

	connErr := newError(KindConnectivity, "connect", err)
	if m.scheduled >= m.maxAttempts && !m.purchaseInProgress {
		m.status = StatusPermanentlyFailed
		m.attempt = 0
		m.metrics.setConnectionState(m.status)
		hooks := append([]func(){}, m.onPermanentFailure...)
		m.mu.Unlock()

		m.log.Error().Err(connErr).Int("attempt", attempt).Msg("provider connection permanently failed")
		for _, fn := range hooks {
			fn()
		}
		return
	}

	m.scheduled++
	delay := ReconnectDelay(m.scheduled)
	m.attempt = m.scheduled + 1
	m.metrics.incReconnects()
	m.timer.Schedule(delay, func() { m.reconnect(gen) })
	m.mu.Unlock()

	m.log.Warn().Err(connErr).Int("attempt", attempt).Dur("delay", delay).Msg("provider connection failed, reconnect scheduled")
}

func (m *ConnectionManager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen || m.status != StatusConnecting {
		return
	}
	m.startAttemptLocked()
}

// connectionLost handles the loss of a previously ready connection: the
// counter resets and a fresh attempt starts immediately.
func (m *ConnectionManager) connectionLost(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.status != StatusReady {
		m.mu.Unlock()
		return
	}
	m.timer.Cancel()
	m.scheduled = 0
	hooks := append([]func(){}, m.onLost...)
	m.startAttemptLocked()
	m.mu.Unlock()

	m.log.Warn().Msg("provider connection lost, reconnecting")
	for _, fn := range hooks {
		fn()
	}
}

func (m *ConnectionManager) dispatchPurchases(code provider.ResponseCode, purchases []models.Purchase) {
	m.mu.Lock()
	receivers := append([]func(provider.ResponseCode, []models.Purchase){}, m.onPurchases...)
	m.mu.Unlock()
	for _, fn := range receivers {
		fn(code, purchases)
	}
}
