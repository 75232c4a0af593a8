package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"entitlement-api/internal/app"
	"entitlement-api/internal/provider"
	"entitlement-api/internal/response"
	"entitlement-api/internal/services"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

const (
	refreshScope      = "refresh"
	healthPingTimeout = 2 * time.Second
)

// Handler serves the caller surface of the entitlement service
type Handler struct {
	app *app.App
}

// NewHandler creates a handler backed by a composed app
func NewHandler(a *app.App) *Handler {
	return &Handler{app: a}
}

// EntitlementResponse is the observable entitlement state
type EntitlementResponse struct {
	AccountID  string `json:"account_id"`
	IsEntitled bool   `json:"is_entitled"`
	PlanType   string `json:"plan_type,omitempty"`
	Source     string `json:"source,omitempty"`
	VerifiedAt string `json:"verified_at,omitempty"`
	IsLoading  bool   `json:"is_loading"`
}

func toEntitlementResponse(s services.EntitlementState) EntitlementResponse {
	resp := EntitlementResponse{
		AccountID:  s.AccountID,
		IsEntitled: s.Verdict.IsEntitled,
		PlanType:   string(s.Verdict.PlanType),
		Source:     string(s.Verdict.Source),
		IsLoading:  s.IsLoading,
	}
	if !s.Verdict.VerifiedAt.IsZero() {
		resp.VerifiedAt = s.Verdict.VerifiedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// LoginRequest switches the authenticated account
type LoginRequest struct {
	AccountID string `json:"account_id" binding:"required"`
}

// Login switches the session to an account and starts a reconciliation
// POST /api/session/login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeInvalidRequest, "account_id is required")
		return
	}

	h.app.Engine.Login(req.AccountID)
	response.AcceptedJSON(c, "reconciliation started", toEntitlementResponse(h.app.Engine.Current()))
}

// GetEntitlement returns the current entitlement. With verify=true it
// reconciles first, subject to the debounce window.
// GET /api/entitlement?verify=true
func (h *Handler) GetEntitlement(c *gin.Context) {
	if c.Query("verify") == "true" {
		if !h.requireAccount(c) {
			return
		}
		h.app.Engine.Verify(c.Request.Context(), "")
	}
	response.SuccessJSON(c, toEntitlementResponse(h.app.Engine.Current()))
}

// StreamEntitlement pushes every state change as a server-sent event
// GET /api/entitlement/stream
func (h *Handler) StreamEntitlement(c *gin.Context) {
	updates, unsubscribe := h.app.Engine.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	for {
		select {
		case state, ok := <-updates:
			if !ok {
				return
			}
			c.SSEvent("entitlement", toEntitlementResponse(state))
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// RefreshEntitlement reconciles immediately, bypassing the debounce window
// POST /api/entitlement/refresh
func (h *Handler) RefreshEntitlement(c *gin.Context) {
	if !h.requireAccount(c) {
		return
	}
	if h.rateLimited(c, refreshScope) {
		return
	}

	h.app.Engine.ForceRefresh(c.Request.Context())
	response.SuccessJSON(c, toEntitlementResponse(h.app.Engine.Current()))
}

// CheckCancellation reconciles after a possible cancellation or refund
// POST /api/entitlement/cancellation-check
func (h *Handler) CheckCancellation(c *gin.Context) {
	if !h.requireAccount(c) {
		return
	}

	h.app.Engine.CheckForPossibleCancellation(c.Request.Context())
	response.SuccessJSON(c, toEntitlementResponse(h.app.Engine.Current()))
}

// ListAnomalies returns recent ownership anomalies of the current account
// GET /api/entitlement/anomalies
func (h *Handler) ListAnomalies(c *gin.Context) {
	if !h.requireAccount(c) {
		return
	}

	anomalies, err := h.app.Anomalies.ListAnomalies(c.Request.Context(), h.app.Engine.AccountID(), 50)
	if err != nil {
		logging.Errorf("Failed to list anomalies: %v", err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to list anomalies")
		return
	}
	response.SuccessJSON(c, gin.H{"anomalies": anomalies})
}

// GetProducts returns the product list. With refresh=true the provider is
// queried first.
// GET /api/products?refresh=true
func (h *Handler) GetProducts(c *gin.Context) {
	if c.Query("refresh") == "true" {
		if !h.app.Products.QueryProducts(c.Request.Context()) {
			response.ErrorJSON(c, http.StatusServiceUnavailable, response.CodeProviderUnavailable, "Provider not ready, connecting")
			return
		}
	}

	var updatedAt string
	if t := h.app.Products.UpdatedAt(); !t.IsZero() {
		updatedAt = t.UTC().Format(time.RFC3339)
	}
	response.SuccessJSON(c, gin.H{
		"products":   h.app.Products.Products(),
		"updated_at": updatedAt,
	})
}

// PurchaseRequest starts a purchase flow
type PurchaseRequest struct {
	ProductID string `json:"product_id" binding:"required"`
}

// Purchase launches the provider purchase flow. The outcome is reported
// through the entitlement state.
// POST /api/purchase
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeInvalidRequest, "product_id is required")
		return
	}

	code, err := h.app.Processor.Purchase(c.Request.Context(), req.ProductID)
	switch {
	case errors.Is(err, services.ErrNoAccount):
		response.ErrorJSON(c, http.StatusConflict, response.CodeNoAccount, "Login required before purchasing")
		return
	case errors.Is(err, services.ErrConfiguration):
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid product_id")
		return
	case err != nil:
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, err.Error())
		return
	}

	data := gin.H{"product_id": req.ProductID, "response_code": code.String()}
	switch {
	case code == provider.OK:
		response.AcceptedJSON(c, "purchase flow launched", data)
	case code == provider.ItemAlreadyOwned:
		response.AcceptedJSON(c, "product already owned, verifying ownership", data)
	case code.IsConnectivity():
		response.JSON(c, http.StatusServiceUnavailable, response.Response{
			Message: "Provider not ready, connecting",
			Code:    response.CodeProviderUnavailable,
			Data:    data,
		})
	default:
		response.JSON(c, http.StatusBadGateway, response.Response{
			Message: "Purchase flow not launched",
			Code:    response.CodePurchaseFailed,
			Data:    data,
		})
	}
}

// GetConnection returns the provider connection state
// GET /api/connection
func (h *Handler) GetConnection(c *gin.Context) {
	response.SuccessJSON(c, h.app.Connection.State())
}

// RetryConnection reconnects immediately, also after a permanent failure
// POST /api/connection/retry
func (h *Handler) RetryConnection(c *gin.Context) {
	h.app.Connection.Retry()
	response.AcceptedJSON(c, "reconnecting", h.app.Connection.State())
}

// Health reports liveness and the state of optional backends
// GET /health
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status":     "ok",
		"service":    "entitlement-service",
		"connection": h.app.Connection.State().Name,
	}
	if h.app.Redis != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()
		if err := h.app.Redis.Ping(ctx); err != nil {
			body["redis"] = "unreachable"
		} else {
			body["redis"] = "ok"
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) requireAccount(c *gin.Context) bool {
	if h.app.Engine.AccountID() == "" {
		response.ErrorJSON(c, http.StatusConflict, response.CodeNoAccount, "Login required")
		return false
	}
	return true
}

// rateLimited enforces one call per window per account. Without Redis, or
// when Redis fails, requests are let through.
func (h *Handler) rateLimited(c *gin.Context, scope string) bool {
	window := h.app.Config.RefreshRateLimit
	if h.app.Redis == nil || window <= 0 {
		return false
	}
	ctx := c.Request.Context()
	account := h.app.Engine.AccountID()

	limited, err := h.app.Redis.CheckRateLimit(ctx, scope, account)
	if err != nil {
		logging.Warnf("Rate limit check failed: %v", err)
		return false
	}
	if limited {
		c.Header("Retry-After", formatSeconds(window))
		response.ErrorJSON(c, http.StatusTooManyRequests, response.CodeRateLimited, "Too many requests, please try again later")
		return true
	}
	if err := h.app.Redis.SetRateLimit(ctx, scope, account, window); err != nil {
		logging.Warnf("Failed to set rate limit: %v", err)
	}
	return false
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
