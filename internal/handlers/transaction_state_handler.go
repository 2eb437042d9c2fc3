package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coursekit/payments-service/internal/interfaces"
)

type TransactionStateHandler struct {
	ledger interfaces.LedgerRepository
}

func NewTransactionStateHandler(ledger interfaces.LedgerRepository) *TransactionStateHandler {
	return &TransactionStateHandler{ledger: ledger}
}

// GetTransactionState handles GET /payments/:id. Transactions belonging to
// other buyers render as 404.
func (h *TransactionStateHandler) GetTransactionState(c *gin.Context) {
	transactionID := c.Param("id")

	tx, err := h.ledger.GetTransaction(c.Request.Context(), transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch transaction"})
		return
	}
	if tx.BuyerID != buyerID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction_id": tx.ID,
		"product_id":     tx.ProductID,
		"amount":         tx.Amount,
		"currency":       tx.Currency,
		"status":         tx.Status,
		"reference_id":   tx.ReferenceID,
		"created_at":     tx.CreatedAt,
		"updated_at":     tx.UpdatedAt,
	})
}
