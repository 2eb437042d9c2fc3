package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coursekit/payments-service/internal/apperrors"
	"github.com/coursekit/payments-service/internal/gateway"
	"github.com/coursekit/payments-service/internal/metrics"
	"github.com/coursekit/payments-service/internal/service"
	"github.com/coursekit/payments-service/internal/telemetry"
)

// maxWebhookBody caps webhook payload reads; gateway events are small.
const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	reconciler *service.Reconciler
	gateways   *gateway.Registry
}

func NewWebhookHandler(reconciler *service.Reconciler, gateways *gateway.Registry) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, gateways: gateways}
}

// Handle processes POST /webhooks/:gateway. Signature verification gates
// all ledger work: a bad signature or malformed payload is a 400, anything
// processed, duplicated, or unmatched is a 200 so the gateway stops
// retrying.
func (h *WebhookHandler) Handle(c *gin.Context) {
	gatewayName := c.Param("gateway")
	gw, err := h.gateways.Get(gatewayName)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown gateway"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	event, err := gw.ParseWebhook(c.Request.Context(), payload, c.Request.Header)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeSignature) {
			telemetry.Logger.Error("Webhook signature verification failed",
				zap.String("gateway", gatewayName),
				zap.Error(err),
			)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		respondError(c, "Failed to parse webhook", err)
		return
	}

	result, err := h.reconciler.ApplyOutcome(c.Request.Context(), event)
	if err != nil {
		telemetry.Logger.Error("Failed to apply webhook outcome",
			zap.String("gateway", gatewayName),
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		metrics.IncWebhookEvent(gatewayName, "error")
		// non-2xx so the gateway redelivers
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	// counted here rather than in the reconciler so client confirm polls,
	// which share ApplyOutcome, do not inflate webhook delivery counts
	metrics.IncWebhookEvent(gatewayName, string(result))
	c.JSON(http.StatusOK, gin.H{"status": "success", "result": result})
}
