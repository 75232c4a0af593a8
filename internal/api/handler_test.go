package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"entitlement-api/internal/app"
	"entitlement-api/internal/config"
	"entitlement-api/internal/database"
	"entitlement-api/internal/models"
	"entitlement-api/internal/provider"
	"entitlement-api/internal/provider/providertest"
	"entitlement-api/internal/response"
	"entitlement-api/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type apiFixture struct {
	app      *app.App
	provider *providertest.Fake
	router   *gin.Engine
}

func newAPIFixture(t *testing.T, mutate func(cfg *config.Config)) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.ReplaceAll(t.Name(), "/", "_")
	ledger, err := database.OpenSQLite(fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	sqlDB, err := ledger.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.AutoMigrate(ledger))

	cfg := &config.Config{
		CacheValidity:        30 * time.Second,
		VerifyTimeout:        time.Second,
		RefreshTimeout:       time.Second,
		GracePeriod:          48 * time.Hour,
		MaxReconnectAttempts: 5,
	}
	if mutate != nil {
		mutate(cfg)
	}

	fake := providertest.New()
	a, err := app.Build(cfg, config.DefaultCatalog(), &database.Handles{Ledger: ledger}, fake, scheduler.NewSlot())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	r := gin.New()
	SetupRoutes(r, NewHandler(a))
	return &apiFixture{app: a, provider: fake, router: r}
}

func (f *apiFixture) start(t *testing.T) {
	t.Helper()
	f.app.Start()
	require.Eventually(t, f.app.Connection.IsReady, waitFor, 5*time.Millisecond)
}

func (f *apiFixture) do(method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var r response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
	return r
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"connection":"disconnected"`)
}

func TestAPIKeyRequired(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) { cfg.APIKey = "secret" })

	w := f.do(http.MethodGet, "/api/entitlement", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/api/entitlement", nil, "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code, "health stays public")
}

func TestLoginAndEntitlement(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.start(t)
	f.provider.SetPurchases(models.ProductTypeOneTime, provider.OK, models.Purchase{
		OrderID:             "GPA.1",
		ProductIDs:          []string{"premium_lifetime"},
		Type:                models.ProductTypeOneTime,
		State:               models.PurchaseStatePurchased,
		Token:               "tok-1",
		ObfuscatedAccountID: models.ObfuscatedAccountID("acct-1"),
	})
	require.NoError(t, database.NewLedgerRepository(f.app.Handles.Ledger).Set(context.Background(), "acct-1",
		models.FieldsFromVerdict(models.NewEntitledVerdict(models.PlanLifetime, models.SourceProvider, time.Now()), "GPA.1", "premium_lifetime", "tok-1")))

	w := f.do(http.MethodPost, "/api/session/login", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/session/login", LoginRequest{AccountID: "acct-1"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(http.MethodGet, "/api/entitlement?verify=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var ent EntitlementResponse
	raw, _ := json.Marshal(decode(t, w).Data)
	require.NoError(t, json.Unmarshal(raw, &ent))
	assert.Equal(t, "acct-1", ent.AccountID)
	assert.True(t, ent.IsEntitled)
	assert.Equal(t, "lifetime", ent.PlanType)
	assert.Equal(t, "provider", ent.Source)
	assert.False(t, ent.IsLoading)
}

func TestReconciliationRoutesRequireAccount(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, path := range []string{"/api/entitlement/refresh", "/api/entitlement/cancellation-check"} {
		w := f.do(http.MethodPost, path, nil)
		assert.Equal(t, http.StatusConflict, w.Code, path)
		assert.Equal(t, response.CodeNoAccount, decode(t, w).Code)
	}

	w := f.do(http.MethodGet, "/api/entitlement/anomalies", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRefreshAndCancellationCheck(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.start(t)
	f.app.Engine.Login("acct-1")

	w := f.do(http.MethodPost, "/api/entitlement/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode(t, w).Success)

	w = f.do(http.MethodPost, "/api/entitlement/cancellation-check", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"is_entitled":false`)

	w = f.do(http.MethodGet, "/api/entitlement/anomalies", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestProducts(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.provider.SetProducts(models.ProductTypeSubscription, provider.OK,
		models.Product{ID: "premium_annual", Type: models.ProductTypeSubscription, DisplayPrice: "$29.99"})

	w := f.do(http.MethodGet, "/api/products?refresh=true", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, response.CodeProviderUnavailable, decode(t, w).Code)

	require.Eventually(t, f.app.Connection.IsReady, waitFor, 5*time.Millisecond)
	w = f.do(http.MethodGet, "/api/products?refresh=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"premium_annual"`)

	w = f.do(http.MethodGet, "/api/products", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"display_price":"$29.99"`)
}

func TestPurchase(t *testing.T) {
	t.Run("requires login", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		w := f.do(http.MethodPost, "/api/purchase", PurchaseRequest{ProductID: "premium_monthly"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("invalid product", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.app.Engine.Login("acct-1")
		w := f.do(http.MethodPost, "/api/purchase", PurchaseRequest{ProductID: "Not Valid"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("launches flow", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.start(t)
		f.app.Engine.Login("acct-1")

		w := f.do(http.MethodPost, "/api/purchase", PurchaseRequest{ProductID: "premium_monthly"})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), `"response_code":"ok"`)
		assert.Equal(t, []string{"premium_monthly"}, f.provider.Launched())
		assert.True(t, f.app.Connection.PurchaseInProgress())
	})

	t.Run("launch failure", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.start(t)
		f.app.Engine.Login("acct-1")
		f.provider.SetLaunchCode(provider.BillingUnavailable)

		w := f.do(http.MethodPost, "/api/purchase", PurchaseRequest{ProductID: "premium_monthly"})
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, response.CodePurchaseFailed, decode(t, w).Code)
	})
}

func TestConnection(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(http.MethodGet, "/api/connection", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"disconnected"`)

	w = f.do(http.MethodPost, "/api/connection/retry", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, f.app.Connection.IsReady, waitFor, 5*time.Millisecond)

	w = f.do(http.MethodGet, "/api/connection", nil)
	assert.Contains(t, w.Body.String(), `"status":"ready"`)
}

func TestStreamEntitlement(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.app.Engine.Login("acct-1")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/entitlement/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, w.Body.String(), "event:entitlement")
	assert.Contains(t, w.Body.String(), `"account_id":"acct-1"`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.start(t)

	w := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "entitlement_provider_connection_state")
}

func sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func TestProviderNotification(t *testing.T) {
	const secret = "whsec"
	f := newAPIFixture(t, func(cfg *config.Config) { cfg.ProviderWebhookSecret = secret })
	f.app.Engine.Login("acct-1")

	post := func(n ProviderNotification, signature string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(n)
		if signature == "" {
			signature = sign(body, secret)
		}
		return f.do(http.MethodPost, "/webhook/provider", body, ProviderSignatureHeader, signature)
	}

	own := ProviderNotification{
		NotificationType:    NotificationRevoked,
		ObfuscatedAccountID: models.ObfuscatedAccountID("acct-1"),
		ProductID:           "premium_monthly",
	}

	w := post(own, "bad")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(own, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "processed")

	other := own
	other.ObfuscatedAccountID = models.ObfuscatedAccountID("acct-2")
	w = post(other, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")

	price := own
	price.NotificationType = 8
	w = post(price, "")
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestProviderNotificationRequiresSecret(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.app.Engine.Login("acct-1")

	body, _ := json.Marshal(ProviderNotification{
		NotificationType:    NotificationRevoked,
		ObfuscatedAccountID: models.ObfuscatedAccountID("acct-1"),
	})
	w := f.do(http.MethodPost, "/webhook/provider", body)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationTrigger(t *testing.T) {
	trigger, ok := notificationTrigger(NotificationRenewed)
	assert.True(t, ok)
	assert.Equal(t, "refresh", string(trigger))

	trigger, ok = notificationTrigger(NotificationExpired)
	assert.True(t, ok)
	assert.Equal(t, "cancellation_check", string(trigger))

	_, ok = notificationTrigger(8)
	assert.False(t, ok)
}
