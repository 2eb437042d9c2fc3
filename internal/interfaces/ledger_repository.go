package interfaces

import (
	"context"

	"github.com/coursekit/payments-service/internal/models"
)

// LedgerRepository defines the contract for transaction and payment data
// access. TransitionOutcome is the compare-and-set primitive the
// reconciliation engine relies on for correctness under concurrent
// webhook and client-confirm deliveries.
type LedgerRepository interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction, pr *models.PaymentRecord) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByGatewayPayment(ctx context.Context, gateway, gatewayPaymentID string) (*models.Transaction, error)
	GetPaymentByTransaction(ctx context.Context, transactionID string) (*models.PaymentRecord, error)
	ListTransactionsByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]models.Transaction, error)
	HasCompletedPurchase(ctx context.Context, buyerID, productID string) (bool, error)
	AttachGatewayPayment(ctx context.Context, transactionID, gateway, gatewayPaymentID string) error
	// TransitionOutcome atomically moves the transaction and its payment
	// record from one status to another in a single database transaction.
	// The update applies only where the observed status still equals from;
	// the returned count is 0 when a concurrent writer got there first.
	TransitionOutcome(ctx context.Context, transactionID string, from, to models.TransactionStatus, referenceID, gatewayPaymentID, gatewayChargeID string) (int64, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
}

// EntitlementRepository records product access grants.
type EntitlementRepository interface {
	// GrantEntitlement upserts the (buyer, product) grant. It reports true
	// only when a new row was inserted, so repeated grants stay idempotent.
	GrantEntitlement(ctx context.Context, buyerID, productID, transactionID string) (bool, error)
	HasEntitlement(ctx context.Context, buyerID, productID string) (bool, error)
}
