package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"entitlement-api/internal/models"
)

var (
	testNow       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errLedgerDown = errors.New("ledger down")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testNow} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLedger struct {
	mu      sync.Mutex
	records map[string]models.LedgerRecord
	getErr  error
	setErr  error
	gets    int
	sets    []models.LedgerFields
	// block, when set, holds Get until closed or the context ends.
	block chan struct{}
	// setBlock does the same for Set.
	setBlock chan struct{}
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]models.LedgerRecord)}
}

func (l *fakeLedger) Put(accountID string, rec models.LedgerRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[accountID] = rec
}

func (l *fakeLedger) Get(ctx context.Context, accountID string) (*models.LedgerRecord, error) {
	l.mu.Lock()
	l.gets++
	block := l.block
	err := l.getErr
	l.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.records[accountID]
	return &rec, nil
}

func (l *fakeLedger) Set(ctx context.Context, accountID string, f models.LedgerFields) error {
	l.mu.Lock()
	block := l.setBlock
	l.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sets = append(l.sets, f)
	if l.setErr != nil {
		return l.setErr
	}
	rec := l.records[accountID]
	if f.IsEntitled != nil {
		rec.IsEntitled = *f.IsEntitled
	}
	if f.PlanType != nil {
		rec.PlanType = *f.PlanType
	}
	if f.OrderID != nil {
		rec.OrderID = *f.OrderID
	}
	l.records[accountID] = rec
	return nil
}

func (l *fakeLedger) Gets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gets
}

func (l *fakeLedger) Sets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sets)
}

func (l *fakeLedger) Record(accountID string) models.LedgerRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[accountID]
}

type fakeCache struct {
	mu      sync.Mutex
	records map[string]models.CacheRecord
}

func newFakeCache() *fakeCache {
	return &fakeCache{records: make(map[string]models.CacheRecord)}
}

func (c *fakeCache) Get(accountID string) (models.CacheRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[accountID]
	return rec, ok
}

func (c *fakeCache) Put(accountID string, rec models.CacheRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[accountID] = rec
	return nil
}

type verdictChange struct {
	accountID         string
	previous, current models.Verdict
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []verdictChange
	// delay slows the first call down, letting later changes catch up.
	delay time.Duration
}

func (n *recordingNotifier) VerdictChanged(_ context.Context, accountID string, previous, current models.Verdict) {
	n.mu.Lock()
	delay := n.delay
	n.delay = 0
	n.mu.Unlock()
	time.Sleep(delay)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, verdictChange{accountID, previous, current})
}

func (n *recordingNotifier) Changes() []verdictChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]verdictChange(nil), n.changes...)
}

func subscription(order, product string, autoRenewing bool, purchasedAt time.Time) models.Purchase {
	return models.Purchase{
		OrderID:      order,
		ProductIDs:   []string{product},
		Type:         models.ProductTypeSubscription,
		State:        models.PurchaseStatePurchased,
		Token:        "tok-" + order,
		AutoRenewing: autoRenewing,
		PurchaseTime: purchasedAt,
	}
}

func oneTime(order, product string) models.Purchase {
	return models.Purchase{
		OrderID:      order,
		ProductIDs:   []string{product},
		Type:         models.ProductTypeOneTime,
		State:        models.PurchaseStatePurchased,
		Token:        "tok-" + order,
		PurchaseTime: testNow.Add(-24 * time.Hour),
	}
}

func testNowVerdict(entitled bool) models.Verdict {
	if entitled {
		return models.NewEntitledVerdict(models.PlanMonthly, models.SourceProvider, testNow)
	}
	return models.NotEntitled(models.SourceProvider, testNow)
}
