package gateway

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/coursekit/payments-service/internal/apperrors"
	"github.com/coursekit/payments-service/internal/models"
)

// IntentRequest carries everything a gateway needs to start a payment.
// Metadata travels to the gateway and comes back on webhook events, which
// is how events are correlated to ledger rows.
type IntentRequest struct {
	TransactionID string
	BuyerID       string
	ProductID     string
	ProductTitle  string
	Amount        decimal.Decimal
	Currency      string
}

// Intent is the gateway-side handle for a started payment.
// GatewayPaymentID may be empty for redirect-style gateways that only
// assign a payment id after the buyer completes checkout.
type Intent struct {
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	ClientSecret     string `json:"client_secret,omitempty"`
	CheckoutURL      string `json:"checkout_url,omitempty"`
}

type RefundResult struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

// Gateway is the per-processor capability set: start a payment, poll its
// outcome, refund it, and authenticate inbound webhooks. Each processor is
// an independent implementation selected by name from the Registry.
type Gateway interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	// RetrieveOutcome polls the gateway for a payment's current state. The
	// returned event has an empty Outcome while the payment is still in
	// flight.
	RetrieveOutcome(ctx context.Context, gatewayPaymentID string) (*models.GatewayEvent, error)
	Refund(ctx context.Context, gatewayPaymentID string) (*RefundResult, error)
	// ParseWebhook verifies the delivery's authenticity before decoding it
	// into a typed event. A SignatureError means the payload never touches
	// the ledger.
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*models.GatewayEvent, error)
}

// Registry holds the configured gateways, keyed by name.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	m := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		m[g.Name()] = g
	}
	return &Registry{gateways: m}
}

func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, apperrors.Validation("unsupported payment gateway: " + name)
	}
	return g, nil
}
