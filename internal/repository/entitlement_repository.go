package repository

import (
	"context"
	"database/sql"
)

type EntitlementRepository struct {
	db *sql.DB
}

func NewEntitlementRepository(db *sql.DB) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

func (r *EntitlementRepository) InitDB() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS entitlements (
			buyer_id VARCHAR(64) NOT NULL,
			product_id VARCHAR(64) NOT NULL,
			transaction_id VARCHAR(64) NOT NULL,
			granted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (buyer_id, product_id)
		)
	`)
	return err
}

// GrantEntitlement upserts the buyer's access to a product. Safe to call
// repeatedly for the same transaction; only the first call inserts a row.
func (r *EntitlementRepository) GrantEntitlement(ctx context.Context, buyerID, productID, transactionID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO entitlements (buyer_id, product_id, transaction_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (buyer_id, product_id) DO NOTHING
	`, buyerID, productID, transactionID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *EntitlementRepository) HasEntitlement(ctx context.Context, buyerID, productID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM entitlements WHERE buyer_id = $1 AND product_id = $2
		)
	`, buyerID, productID).Scan(&exists)
	return exists, err
}
