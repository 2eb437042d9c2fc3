package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"

	"github.com/coursekit/payments-service/internal/apperrors"
	"github.com/coursekit/payments-service/internal/metrics"
	"github.com/coursekit/payments-service/internal/models"
	"github.com/coursekit/payments-service/internal/telemetry"
)

const GatewayStripe = "stripe"

const (
	eventPaymentIntentSucceeded = "payment_intent.succeeded"
	eventPaymentIntentFailed    = "payment_intent.payment_failed"
	eventChargeRefunded         = "charge.refunded"
)

type StripeGateway struct {
	sc            *client.API
	webhookSecret string
}

func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	sc := client.New(secretKey, nil)
	return &StripeGateway{sc: sc, webhookSecret: webhookSecret}
}

func (g *StripeGateway) Name() string { return GatewayStripe }

func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Amount:   stripe.Int64(amountToMinorUnits(req.Amount)),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("transaction_id", req.TransactionID)
	params.AddMetadata("buyer_id", req.BuyerID)
	params.AddMetadata("product_id", req.ProductID)

	pi, err := g.sc.PaymentIntents.New(params)
	if err != nil {
		metrics.IncGatewayCall(GatewayStripe, "create_intent", "error")
		return nil, apperrors.Gateway("failed to create payment intent", err)
	}
	metrics.IncGatewayCall(GatewayStripe, "create_intent", "ok")

	return &Intent{
		GatewayPaymentID: pi.ID,
		ClientSecret:     pi.ClientSecret,
	}, nil
}

func (g *StripeGateway) RetrieveOutcome(ctx context.Context, gatewayPaymentID string) (*models.GatewayEvent, error) {
	params := &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}}
	pi, err := g.sc.PaymentIntents.Get(gatewayPaymentID, params)
	if err != nil {
		metrics.IncGatewayCall(GatewayStripe, "retrieve", "error")
		return nil, apperrors.Gateway("failed to retrieve payment intent", err)
	}
	metrics.IncGatewayCall(GatewayStripe, "retrieve", "ok")
	return g.eventFromIntent(pi, ""), nil
}

func (g *StripeGateway) Refund(ctx context.Context, gatewayPaymentID string) (*RefundResult, error) {
	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(gatewayPaymentID),
	}
	ref, err := g.sc.Refunds.New(params)
	if err != nil {
		metrics.IncGatewayCall(GatewayStripe, "refund", "error")
		return nil, apperrors.Gateway("failed to create refund", err)
	}
	metrics.IncGatewayCall(GatewayStripe, "refund", "ok")
	return &RefundResult{RefundID: ref.ID, Status: string(ref.Status)}, nil
}

func (g *StripeGateway) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*models.GatewayEvent, error) {
	event, err := webhook.ConstructEvent(payload, header.Get("Stripe-Signature"), g.webhookSecret)
	if err != nil {
		return nil, apperrors.Signature("invalid webhook signature", err)
	}

	switch event.Type {
	case eventPaymentIntentSucceeded, eventPaymentIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, apperrors.Validation("malformed payment_intent payload")
		}
		out := g.eventFromIntent(&pi, event.ID)
		// trust the event type over the snapshot status; a failed intent
		// may already be back in requires_payment_method
		out.Type = event.Type
		if event.Type == eventPaymentIntentFailed {
			out.Outcome = models.OutcomeFailed
		} else {
			out.Outcome = models.OutcomeSuccess
		}
		return out, nil
	case eventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, apperrors.Validation("malformed charge payload")
		}
		out := &models.GatewayEvent{
			EventID:         event.ID,
			Gateway:         GatewayStripe,
			Type:            event.Type,
			GatewayChargeID: ch.ID,
			Outcome:         models.OutcomeRefunded,
			ReceivedAt:      time.Now().UTC(),
		}
		if ch.PaymentIntent != nil {
			out.GatewayPaymentID = ch.PaymentIntent.ID
		}
		out.TransactionID = ch.Metadata["transaction_id"]
		return out, nil
	default:
		telemetry.Logger.Info("Unhandled stripe event type", zap.String("event_type", event.Type))
		return &models.GatewayEvent{
			EventID:    event.ID,
			Gateway:    GatewayStripe,
			Type:       event.Type,
			ReceivedAt: time.Now().UTC(),
		}, nil
	}
}

// eventFromIntent flattens the SDK's payment intent into the typed event
// the reconciliation engine consumes.
func (g *StripeGateway) eventFromIntent(pi *stripe.PaymentIntent, eventID string) *models.GatewayEvent {
	out := &models.GatewayEvent{
		EventID:          eventID,
		Gateway:          GatewayStripe,
		TransactionID:    pi.Metadata["transaction_id"],
		GatewayPaymentID: pi.ID,
		ReceivedAt:       time.Now().UTC(),
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		out.Type = eventPaymentIntentSucceeded
		out.Outcome = models.OutcomeSuccess
	case stripe.PaymentIntentStatusCanceled:
		out.Type = eventPaymentIntentFailed
		out.Outcome = models.OutcomeFailed
	default:
		// still in flight, no terminal outcome yet
	}

	if pi.Charges != nil && len(pi.Charges.Data) > 0 {
		out.GatewayChargeID = pi.Charges.Data[0].ID
	}
	if pi.LastPaymentError != nil && out.Outcome == "" {
		out.Type = eventPaymentIntentFailed
		out.Outcome = models.OutcomeFailed
	}
	return out
}

func amountToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}
