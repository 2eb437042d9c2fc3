package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coursekit/payments-service/internal/apperrors"
	"github.com/coursekit/payments-service/internal/service"
	"github.com/coursekit/payments-service/internal/telemetry"
)

type PaymentHandler struct {
	reconciler *service.Reconciler
}

func NewPaymentHandler(reconciler *service.Reconciler) *PaymentHandler {
	return &PaymentHandler{reconciler: reconciler}
}

type createIntentRequest struct {
	ProductID string          `json:"product_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Gateway   string          `json:"gateway"`
}

// CreateIntent handles POST /payments/intent.
func (h *PaymentHandler) CreateIntent(c *gin.Context) {
	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Currency == "" {
		req.Currency = "usd"
	}
	if req.Gateway == "" {
		req.Gateway = "stripe"
	}

	result, err := h.reconciler.Begin(c.Request.Context(), buyerID(c), req.ProductID, req.Amount, req.Currency, req.Gateway)
	if err != nil {
		respondError(c, "Failed to create payment intent", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"transaction_id": result.Transaction.ID,
		"payment_id":     result.PaymentID,
		"client_secret":  result.ClientSecret,
		"checkout_url":   result.CheckoutURL,
	})
}

type confirmRequest struct {
	TransactionID    string `json:"transaction_id" binding:"required"`
	GatewayPaymentID string `json:"gateway_payment_id"`
}

// Confirm handles POST /payments/confirm, the client-side confirmation
// path. A success here may be a no-op when the webhook already settled the
// transaction; both callers get a 200.
func (h *PaymentHandler) Confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	tx, result, err := h.reconciler.Confirm(c.Request.Context(), buyerID(c), req.TransactionID, req.GatewayPaymentID)
	if err != nil {
		respondError(c, "Failed to confirm payment", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"result":      result,
		"transaction": tx,
	})
}

type refundRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	Reason        string `json:"reason"`
}

// Refund handles POST /payments/refund.
func (h *PaymentHandler) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	tx, err := h.reconciler.RequestRefund(c.Request.Context(), req.TransactionID, buyerID(c))
	if err != nil {
		respondError(c, "Failed to process refund", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"transaction": tx,
	})
}

// History handles GET /payments/history.
func (h *PaymentHandler) History(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))

	txs, err := h.reconciler.History(c.Request.Context(), buyerID(c), page, perPage)
	if err != nil {
		respondError(c, "Failed to fetch purchase history", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"purchases": txs,
		"page":      page,
		"per_page":  perPage,
	})
}

func buyerID(c *gin.Context) string {
	return c.GetString("user_id")
}

// respondError maps coded errors to their HTTP status and hides internal
// detail for everything else.
func respondError(c *gin.Context, logMsg string, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		telemetry.Logger.Error(logMsg, zap.Error(err))
	} else {
		telemetry.Logger.Warn(logMsg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": apperrors.PublicMessage(err)})
}
