package services

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/internal/provider"
	"entitlement-api/internal/provider/providertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fakeTimer records scheduled delays and runs the pending task on Fire.
type fakeTimer struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending func()
	stopped bool
}

func (t *fakeTimer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.delays = append(t.delays, d)
	t.pending = fn
}

func (t *fakeTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
}

func (t *fakeTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
	t.stopped = true
}

func (t *fakeTimer) Fire() bool {
	t.mu.Lock()
	fn := t.pending
	t.pending = nil
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	return fn != nil
}

func (t *fakeTimer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

func (t *fakeTimer) HasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *fakeTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func newTestManager(t *testing.T, fake *providertest.Fake) (*ConnectionManager, *fakeTimer) {
	t.Helper()
	timer := &fakeTimer{}
	m := NewConnectionManager(fake, timer, DefaultMaxReconnectAttempts, nil)
	t.Cleanup(func() { m.Close() })
	return m, timer
}

func waitStatus(t *testing.T, m *ConnectionManager, want ConnectionStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State().Status == want }, waitFor, time.Millisecond,
		"expected status %s, got %s", want, m.State().Status)
}

func waitDelays(t *testing.T, timer *fakeTimer, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(timer.Delays()) == n && timer.HasPending() }, waitFor, time.Millisecond)
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
		{9, 32 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReconnectDelay(tt.n), "attempt %d", tt.n)
	}
}

func TestConnectionManager_ConnectSucceeds(t *testing.T) {
	fake := providertest.New()
	m, timer := newTestManager(t, fake)

	var ready atomic.Int32
	m.OnReady(func() { ready.Add(1) })

	assert.False(t, m.IsReady())
	m.Connect()
	waitStatus(t, m, StatusReady)

	assert.True(t, m.IsReady())
	require.Eventually(t, func() bool { return ready.Load() == 1 }, waitFor, time.Millisecond)
	assert.Empty(t, timer.Delays())

	// Connect while ready is a no-op.
	m.Connect()
	assert.Equal(t, 1, fake.ConnectCalls())
}

func TestConnectionManager_ColdStartBackoffThenPermanentFailure(t *testing.T) {
	fake := providertest.New()
	fake.FailConnects(100)
	m, timer := newTestManager(t, fake)

	var failed atomic.Int32
	m.OnPermanentFailure(func() { failed.Add(1) })

	m.Connect()
	for i := 1; i <= DefaultMaxReconnectAttempts; i++ {
		waitDelays(t, timer, i)
		assert.Equal(t, i+1, m.State().Attempt)
		require.True(t, timer.Fire())
	}

	waitStatus(t, m, StatusPermanentlyFailed)
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, timer.Delays())
	assert.Equal(t, DefaultMaxReconnectAttempts+1, fake.ConnectCalls())
	require.Eventually(t, func() bool { return failed.Load() == 1 }, waitFor, time.Millisecond)

	// A plain connect does not revive a permanently failed connection.
	m.Connect()
	assert.Equal(t, StatusPermanentlyFailed, m.State().Status)
	assert.Equal(t, DefaultMaxReconnectAttempts+1, fake.ConnectCalls())
}

func TestConnectionManager_PurchaseInProgressKeepsReconnecting(t *testing.T) {
	fake := providertest.New()
	fake.FailConnects(100)
	m, timer := newTestManager(t, fake)
	m.SetPurchaseInProgress(true)

	m.Connect()
	for i := 1; i <= DefaultMaxReconnectAttempts+2; i++ {
		waitDelays(t, timer, i)
		require.True(t, timer.Fire())
	}
	waitDelays(t, timer, DefaultMaxReconnectAttempts+3)

	delays := timer.Delays()
	assert.Equal(t, 32*time.Second, delays[len(delays)-1])
	assert.Equal(t, StatusConnecting, m.State().Status)
}

func TestConnectionManager_RetryResetsCounter(t *testing.T) {
	fake := providertest.New()
	fake.FailConnects(100)
	m, timer := newTestManager(t, fake)

	m.Connect()
	for i := 1; i <= DefaultMaxReconnectAttempts; i++ {
		waitDelays(t, timer, i)
		require.True(t, timer.Fire())
	}
	waitStatus(t, m, StatusPermanentlyFailed)

	fake.FailConnects(0)
	m.Retry()
	waitStatus(t, m, StatusReady)
	assert.Len(t, timer.Delays(), DefaultMaxReconnectAttempts)
}

func TestConnectionManager_RetryBypassesBackoff(t *testing.T) {
	fake := providertest.New()
	fake.FailConnects(3)
	m, timer := newTestManager(t, fake)

	m.Connect()
	waitDelays(t, timer, 1)
	require.True(t, timer.Fire())
	waitDelays(t, timer, 2)

	m.Retry()
	// Third failure schedules the first backoff step again.
	waitDelays(t, timer, 3)
	assert.Equal(t, time.Second, timer.Delays()[2])

	require.True(t, timer.Fire())
	waitStatus(t, m, StatusReady)
}

func TestConnectionManager_LostConnectionResetsAndReconnects(t *testing.T) {
	fake := providertest.New()
	fake.FailConnects(1)
	m, timer := newTestManager(t, fake)

	var lost atomic.Int32
	var ready atomic.Int32
	m.OnLost(func() { lost.Add(1) })
	m.OnReady(func() { ready.Add(1) })

	m.Connect()
	waitDelays(t, timer, 1)
	require.True(t, timer.Fire())
	waitStatus(t, m, StatusReady)

	fake.DropConnection()
	require.Eventually(t, func() bool { return ready.Load() == 2 }, waitFor, time.Millisecond)

	require.Eventually(t, func() bool { return lost.Load() == 1 }, waitFor, time.Millisecond)
	assert.Len(t, timer.Delays(), 1, "lost connection reconnects without backoff")
	assert.Equal(t, 3, fake.ConnectCalls())
}

func TestConnectionManager_ReportConnectivityError(t *testing.T) {
	fake := providertest.New()
	m, _ := newTestManager(t, fake)

	m.Connect()
	waitStatus(t, m, StatusReady)

	m.ReportConnectivityError(provider.ItemAlreadyOwned)
	assert.Equal(t, 1, fake.ConnectCalls())

	m.ReportConnectivityError(provider.ServiceDisconnected)
	require.Eventually(t, func() bool { return fake.ConnectCalls() == 2 }, waitFor, time.Millisecond)
	waitStatus(t, m, StatusReady)
}

func TestConnectionManager_DispatchesPurchaseUpdates(t *testing.T) {
	fake := providertest.New()
	m, _ := newTestManager(t, fake)

	got := make(chan provider.ResponseCode, 1)
	m.OnPurchasesUpdated(func(code provider.ResponseCode, _ []models.Purchase) { got <- code })

	m.Connect()
	waitStatus(t, m, StatusReady)
	fake.Push(provider.UserCanceled)

	select {
	case code := <-got:
		assert.Equal(t, provider.UserCanceled, code)
	case <-time.After(waitFor):
		t.Fatal("purchase update not dispatched")
	}
}

func TestConnectionManager_CloseStopsTimerAndConnection(t *testing.T) {
	fake := providertest.New()
	fake.FailConnects(1)
	timer := &fakeTimer{}
	m := NewConnectionManager(fake, timer, 0, nil)

	m.Connect()
	waitDelays(t, timer, 1)

	require.NoError(t, m.Close())
	assert.True(t, timer.Stopped())
	assert.False(t, timer.HasPending())
	assert.True(t, fake.Closed())

	m.Connect()
	m.Retry()
	assert.Equal(t, 1, fake.ConnectCalls())
}
