package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusPending  TransactionStatus = "pending"
	StatusSuccess  TransactionStatus = "success"
	StatusFailed   TransactionStatus = "failed"
	StatusRefunded TransactionStatus = "refunded"
)

// CanTransition reports whether a status change is allowed. Transitions are
// monotonic: pending -> {success, failed}, success -> refunded. Terminal
// states never move back to pending.
func CanTransition(from, to TransactionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusSuccess || to == StatusFailed
	case StatusSuccess:
		return to == StatusRefunded
	default:
		return false
	}
}

func (s TransactionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusRefunded
}

// Transaction is a buyer's purchase record (the sale/order row).
type Transaction struct {
	ID          string            `json:"id"`
	BuyerID     string            `json:"buyer_id"`
	SellerID    string            `json:"seller_id"`
	ProductID   string            `json:"product_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Status      TransactionStatus `json:"status"`
	ReferenceID string            `json:"reference_id,omitempty"` // gateway reference, immutable once set
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// PaymentRecord tracks gateway-specific state for one Transaction.
type PaymentRecord struct {
	ID               string            `json:"id"`
	TransactionID    string            `json:"transaction_id"`
	Gateway          string            `json:"gateway"`
	GatewayPaymentID string            `json:"gateway_payment_id,omitempty"` // immutable once set
	GatewayChargeID  string            `json:"gateway_charge_id,omitempty"`
	Status           TransactionStatus `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Entitlement grants a buyer access to a purchased product.
type Entitlement struct {
	BuyerID       string    `json:"buyer_id"`
	ProductID     string    `json:"product_id"`
	TransactionID string    `json:"transaction_id"`
	GrantedAt     time.Time `json:"granted_at"`
}

// Product is the minimal lookup row needed to validate a purchase.
type Product struct {
	ID       string          `json:"id"`
	SellerID string          `json:"seller_id"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	Active   bool            `json:"active"`
}

type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeRefunded Outcome = "refunded"
)

// Status returns the transaction status a gateway outcome maps to.
func (o Outcome) Status() TransactionStatus {
	switch o {
	case OutcomeSuccess:
		return StatusSuccess
	case OutcomeFailed:
		return StatusFailed
	case OutcomeRefunded:
		return StatusRefunded
	}
	return ""
}

// GatewayEvent is the typed result of parsing a verified gateway webhook or
// polling a gateway for an intent's outcome. Populated at the gateway client
// boundary; the reconciliation engine never touches raw SDK payloads.
type GatewayEvent struct {
	EventID          string    `json:"event_id"`
	Gateway          string    `json:"gateway"`
	Type             string    `json:"type"`
	TransactionID    string    `json:"transaction_id"` // from intent metadata, may be empty
	GatewayPaymentID string    `json:"gateway_payment_id"`
	GatewayChargeID  string    `json:"gateway_charge_id,omitempty"`
	Outcome          Outcome   `json:"outcome"`
	ReceivedAt       time.Time `json:"received_at"`
}

// StateChangeEvent is published to Kafka on every ledger transition.
type StateChangeEvent struct {
	TransactionID  string            `json:"transaction_id"`
	Gateway        string            `json:"gateway"`
	Status         TransactionStatus `json:"status"`
	PreviousStatus TransactionStatus `json:"previous_status"`
	Timestamp      time.Time         `json:"timestamp"`
}

// EntitlementGrantedEvent is published to NATS when a buyer gains access to
// a product, so course services can unlock content.
type EntitlementGrantedEvent struct {
	BuyerID       string    `json:"buyer_id"`
	ProductID     string    `json:"product_id"`
	TransactionID string    `json:"transaction_id"`
	GrantedAt     time.Time `json:"granted_at"`
}
