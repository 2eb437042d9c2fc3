package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coursekit/payments-service/internal/gateway"
	"github.com/coursekit/payments-service/internal/handlers"
	"github.com/coursekit/payments-service/internal/interfaces"
	"github.com/coursekit/payments-service/internal/service"
	"github.com/coursekit/payments-service/internal/telemetry"
)

func NewRouter(ledger interfaces.LedgerRepository, reconciler *service.Reconciler, gateways *gateway.Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.Middleware())
	// webhook endpoints are POST only; reject other methods with 405
	r.HandleMethodNotAllowed = true

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "payments-service"})
	})

	// Gateway webhooks: no auth, signature-verified per gateway
	webhookHandler := handlers.NewWebhookHandler(reconciler, gateways)
	r.POST("/webhooks/:gateway", webhookHandler.Handle)

	// Client-facing payment routes
	paymentHandler := handlers.NewPaymentHandler(reconciler)
	stateHandler := handlers.NewTransactionStateHandler(ledger)

	payments := r.Group("/payments", requireUser())
	payments.POST("/intent", paymentHandler.CreateIntent)
	payments.POST("/confirm", paymentHandler.Confirm)
	payments.POST("/refund", paymentHandler.Refund)
	payments.GET("/history", paymentHandler.History)
	payments.GET("/:id", stateHandler.GetTransactionState)

	return r
}

// requireUser extracts the authenticated buyer id. Authentication itself
// happens upstream; this service only trusts the forwarded identity
// header.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}
