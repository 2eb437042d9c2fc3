package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coursekit/payments-service/internal/models"
)

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id VARCHAR(64) PRIMARY KEY,
			seller_id VARCHAR(64) NOT NULL,
			title TEXT NOT NULL,
			price NUMERIC(12,2) NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id VARCHAR(64) PRIMARY KEY,
			buyer_id VARCHAR(64) NOT NULL,
			seller_id VARCHAR(64) NOT NULL,
			product_id VARCHAR(64) NOT NULL,
			amount NUMERIC(12,2) NOT NULL,
			currency VARCHAR(8) NOT NULL,
			status VARCHAR(16) NOT NULL,
			reference_id VARCHAR(255),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id VARCHAR(64) PRIMARY KEY,
			transaction_id VARCHAR(64) NOT NULL REFERENCES transactions(id),
			gateway VARCHAR(32) NOT NULL,
			gateway_payment_id VARCHAR(255),
			gateway_charge_id VARCHAR(255),
			status VARCHAR(16) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_buyer ON transactions(buyer_id, created_at DESC)`,
		// duplicate-purchase guard: one completed purchase per buyer/product
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_completed
			ON transactions(buyer_id, product_id) WHERE status = 'success'`,
		// each gateway payment maps to at most one transaction
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_gateway_payment
			ON payments(gateway, gateway_payment_id) WHERE gateway_payment_id IS NOT NULL`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (r *LedgerRepository) CreateTransaction(ctx context.Context, t *models.Transaction, p *models.PaymentRecord) error {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO transactions (id, buyer_id, seller_id, product_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.BuyerID, t.SellerID, t.ProductID, t.Amount, t.Currency, t.Status)
	if err != nil {
		return err
	}

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO payments (id, transaction_id, gateway, status)
		VALUES ($1, $2, $3, $4)
	`, p.ID, p.TransactionID, p.Gateway, p.Status)
	if err != nil {
		return err
	}

	return dbtx.Commit()
}

const transactionColumns = `id, buyer_id, seller_id, product_id, amount, currency, status, reference_id, created_at, updated_at`

func scanTransaction(row interface{ Scan(...any) error }) (*models.Transaction, error) {
	var t models.Transaction
	var refID sql.NullString
	err := row.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.ProductID, &t.Amount, &t.Currency,
		&t.Status, &refID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ReferenceID = refID.String
	return &t, nil
}

func (r *LedgerRepository) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (r *LedgerRepository) GetTransactionByGatewayPayment(ctx context.Context, gateway, gatewayPaymentID string) (*models.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT t.id, t.buyer_id, t.seller_id, t.product_id, t.amount, t.currency, t.status, t.reference_id, t.created_at, t.updated_at
		FROM transactions t
		JOIN payments p ON p.transaction_id = t.id
		WHERE p.gateway = $1 AND p.gateway_payment_id = $2
	`, gateway, gatewayPaymentID)
	return scanTransaction(row)
}

func (r *LedgerRepository) GetPaymentByTransaction(ctx context.Context, transactionID string) (*models.PaymentRecord, error) {
	var p models.PaymentRecord
	var paymentID, chargeID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, gateway, gateway_payment_id, gateway_charge_id, status, created_at, updated_at
		FROM payments WHERE transaction_id = $1
	`, transactionID).Scan(&p.ID, &p.TransactionID, &p.Gateway, &paymentID, &chargeID,
		&p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.GatewayPaymentID = paymentID.String
	p.GatewayChargeID = chargeID.String
	return &p, nil
}

func (r *LedgerRepository) ListTransactionsByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, buyerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *LedgerRepository) HasCompletedPurchase(ctx context.Context, buyerID, productID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE buyer_id = $1 AND product_id = $2 AND status = 'success'
		)
	`, buyerID, productID).Scan(&exists)
	return exists, err
}

// AttachGatewayPayment records the gateway-assigned identifier so webhook
// events can be correlated later. The id never changes once set, but
// re-attaching the same value is a no-op so retried confirms don't fail.
func (r *LedgerRepository) AttachGatewayPayment(ctx context.Context, transactionID, gateway, gatewayPaymentID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET gateway_payment_id = $1, updated_at = NOW()
		WHERE transaction_id = $2 AND gateway = $3
		  AND (gateway_payment_id IS NULL OR gateway_payment_id = $1)
	`, gatewayPaymentID, transactionID, gateway)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("a different gateway payment id is already attached for transaction %s", transactionID)
	}
	return nil
}

// TransitionOutcome applies the conditional status update to the
// transaction row and mirrors it onto the payment row inside one database
// transaction. Rows affected is 0 when the observed status no longer
// matches from, which means a concurrent writer already applied a
// transition.
func (r *LedgerRepository) TransitionOutcome(ctx context.Context, transactionID string, from, to models.TransactionStatus, referenceID, gatewayPaymentID, gatewayChargeID string) (int64, error) {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer dbtx.Rollback()

	result, err := dbtx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1,
		    reference_id = COALESCE(reference_id, NULLIF($2, '')),
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, to, referenceID, transactionID, from)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, dbtx.Commit()
	}

	_, err = dbtx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
		    gateway_payment_id = COALESCE(gateway_payment_id, NULLIF($2, '')),
		    gateway_charge_id = COALESCE(gateway_charge_id, NULLIF($3, '')),
		    updated_at = NOW()
		WHERE transaction_id = $4
	`, to, gatewayPaymentID, gatewayChargeID, transactionID)
	if err != nil {
		return 0, err
	}

	if err := dbtx.Commit(); err != nil {
		return 0, err
	}
	return rows, nil
}

func (r *LedgerRepository) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var p models.Product
	err := r.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, price, active FROM products WHERE id = $1
	`, id).Scan(&p.ID, &p.SellerID, &p.Title, &p.Price, &p.Active)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
