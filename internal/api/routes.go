package api

import (
	"entitlement-api/internal/middleware"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler) {
	r.Use(middleware.RequestLogger())

	// API route group
	api := r.Group("/api")
	api.Use(middleware.APIKeyAuthMiddleware(h.app.Config.APIKey))
	{
		api.POST("/session/login", h.Login)

		entitlement := api.Group("/entitlement")
		{
			entitlement.GET("", h.GetEntitlement)
			entitlement.GET("/stream", h.StreamEntitlement)
			entitlement.POST("/refresh", h.RefreshEntitlement)
			entitlement.POST("/cancellation-check", h.CheckCancellation)
			entitlement.GET("/anomalies", h.ListAnomalies)
		}

		api.GET("/products", h.GetProducts)
		api.POST("/purchase", h.Purchase)

		connection := api.Group("/connection")
		{
			connection.GET("", h.GetConnection)
			connection.POST("/retry", h.RetryConnection)
		}
	}

	// Provider server notifications (signed by the provider, not by callers)
	if h.app.Config.ProviderWebhookSecret != "" {
		r.POST("/webhook/provider", h.HandleProviderNotification)
	} else {
		logging.Warnf("PROVIDER_WEBHOOK_SECRET is not set, provider notifications are disabled")
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.app.Registry, promhttp.HandlerOpts{})))
	r.GET("/health", h.Health)
}
