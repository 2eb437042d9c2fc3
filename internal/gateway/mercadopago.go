package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mercadopago/sdk-go/pkg/config"
	mppayment "github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/mercadopago/sdk-go/pkg/refund"
	"go.uber.org/zap"

	"github.com/coursekit/payments-service/internal/apperrors"
	"github.com/coursekit/payments-service/internal/metrics"
	"github.com/coursekit/payments-service/internal/models"
	"github.com/coursekit/payments-service/internal/telemetry"
)

const GatewayMercadoPago = "mercadopago"

type MercadoPagoGateway struct {
	preferences   preference.Client
	payments      mppayment.Client
	refunds       refund.Client
	webhookSecret string
	successURL    string
	failureURL    string
}

func NewMercadoPagoGateway(accessToken, webhookSecret, callbackBaseURL string) (*MercadoPagoGateway, error) {
	cfg, err := config.New(accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to configure mercadopago client: %w", err)
	}
	return &MercadoPagoGateway{
		preferences:   preference.NewClient(cfg),
		payments:      mppayment.NewClient(cfg),
		refunds:       refund.NewClient(cfg),
		webhookSecret: webhookSecret,
		successURL:    callbackBaseURL + "/payments/verify/mercadopago",
		failureURL:    callbackBaseURL + "/payments/verify/mercadopago",
	}, nil
}

func (g *MercadoPagoGateway) Name() string { return GatewayMercadoPago }

// CreateIntent creates a checkout preference. MercadoPago only assigns the
// payment id after the buyer completes checkout, so correlation runs
// through ExternalReference, which carries the transaction id.
func (g *MercadoPagoGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	amount, _ := req.Amount.Float64()
	pref, err := g.preferences.Create(ctx, preference.Request{
		Items: []preference.ItemRequest{
			{
				ID:         req.ProductID,
				Title:      req.ProductTitle,
				Quantity:   1,
				UnitPrice:  amount,
				CurrencyID: strings.ToUpper(req.Currency),
			},
		},
		ExternalReference: req.TransactionID,
		BackURLs: &preference.BackURLsRequest{
			Success: g.successURL,
			Failure: g.failureURL,
			Pending: g.successURL,
		},
		AutoReturn: "approved",
	})
	if err != nil {
		metrics.IncGatewayCall(GatewayMercadoPago, "create_intent", "error")
		return nil, apperrors.Gateway("failed to create checkout preference", err)
	}
	metrics.IncGatewayCall(GatewayMercadoPago, "create_intent", "ok")

	return &Intent{
		CheckoutURL: pref.InitPoint,
	}, nil
}

func (g *MercadoPagoGateway) RetrieveOutcome(ctx context.Context, gatewayPaymentID string) (*models.GatewayEvent, error) {
	id, err := strconv.Atoi(gatewayPaymentID)
	if err != nil {
		return nil, apperrors.Validation("invalid mercadopago payment id")
	}
	p, err := g.payments.Get(ctx, id)
	if err != nil {
		metrics.IncGatewayCall(GatewayMercadoPago, "retrieve", "error")
		return nil, apperrors.Gateway("failed to retrieve payment", err)
	}
	metrics.IncGatewayCall(GatewayMercadoPago, "retrieve", "ok")

	return &models.GatewayEvent{
		Gateway:          GatewayMercadoPago,
		Type:             "payment." + p.Status,
		TransactionID:    p.ExternalReference,
		GatewayPaymentID: strconv.Itoa(p.ID),
		Outcome:          outcomeFromMercadoPagoStatus(p.Status),
		ReceivedAt:       time.Now().UTC(),
	}, nil
}

func (g *MercadoPagoGateway) Refund(ctx context.Context, gatewayPaymentID string) (*RefundResult, error) {
	id, err := strconv.Atoi(gatewayPaymentID)
	if err != nil {
		return nil, apperrors.Validation("invalid mercadopago payment id")
	}
	ref, err := g.refunds.Create(ctx, id)
	if err != nil {
		metrics.IncGatewayCall(GatewayMercadoPago, "refund", "error")
		return nil, apperrors.Gateway("failed to create refund", err)
	}
	metrics.IncGatewayCall(GatewayMercadoPago, "refund", "ok")
	return &RefundResult{RefundID: strconv.Itoa(ref.ID), Status: ref.Status}, nil
}

// webhookNotification is the body MercadoPago posts on payment updates.
type webhookNotification struct {
	ID     int64  `json:"id"`
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ParseWebhook checks the x-signature HMAC and resolves the referenced
// payment. The SDK ships no webhook verifier, so the documented manifest
// scheme (id:<data.id>;request-id:<x-request-id>;ts:<ts>;) is computed
// here.
func (g *MercadoPagoGateway) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*models.GatewayEvent, error) {
	var note webhookNotification
	if err := json.Unmarshal(payload, &note); err != nil {
		return nil, apperrors.Validation("malformed webhook payload")
	}

	if err := VerifyMercadoPagoSignature(
		header.Get("x-signature"),
		header.Get("x-request-id"),
		note.Data.ID,
		g.webhookSecret,
	); err != nil {
		return nil, err
	}

	if note.Type != "payment" {
		telemetry.Logger.Info("Unhandled mercadopago notification type", zap.String("type", note.Type))
		return &models.GatewayEvent{
			EventID:    strconv.FormatInt(note.ID, 10),
			Gateway:    GatewayMercadoPago,
			Type:       note.Type,
			ReceivedAt: time.Now().UTC(),
		}, nil
	}

	// the notification only carries the payment id; fetch the payment to
	// learn its state and external reference
	event, err := g.RetrieveOutcome(ctx, note.Data.ID)
	if err != nil {
		return nil, err
	}
	event.EventID = strconv.FormatInt(note.ID, 10)
	event.Type = note.Action
	return event, nil
}

// VerifyMercadoPagoSignature validates the x-signature header
// ("ts=<ts>,v1=<hmac>") against the HMAC-SHA256 of the notification
// manifest.
func VerifyMercadoPagoSignature(signatureHeader, requestID, dataID, secret string) error {
	var ts, v1 string
	for _, part := range strings.Split(signatureHeader, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	if ts == "" || v1 == "" {
		return apperrors.Signature("missing x-signature header", nil)
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(v1)) {
		return apperrors.Signature("invalid webhook signature", nil)
	}
	return nil
}

func outcomeFromMercadoPagoStatus(status string) models.Outcome {
	switch status {
	case "approved":
		return models.OutcomeSuccess
	case "rejected", "cancelled":
		return models.OutcomeFailed
	case "refunded", "charged_back":
		return models.OutcomeRefunded
	default:
		// pending, in_process, authorized: no terminal outcome yet
		return ""
	}
}
