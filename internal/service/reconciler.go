package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coursekit/payments-service/internal/apperrors"
	"github.com/coursekit/payments-service/internal/config"
	"github.com/coursekit/payments-service/internal/gateway"
	"github.com/coursekit/payments-service/internal/interfaces"
	"github.com/coursekit/payments-service/internal/metrics"
	"github.com/coursekit/payments-service/internal/models"
	"github.com/coursekit/payments-service/internal/telemetry"
)

// ApplyResult reports what a reconciliation pass did with an event.
type ApplyResult string

const (
	// ResultApplied: this call won the conditional update and transitioned
	// the transaction.
	ResultApplied ApplyResult = "applied"
	// ResultAlreadyApplied: the transaction was already in the terminal
	// state the event asked for; no-op.
	ResultAlreadyApplied ApplyResult = "already_applied"
	// ResultIgnored: the event could not be matched to a transaction or
	// asked for a transition the ledger forbids; absorbed, never an error.
	ResultIgnored ApplyResult = "ignored"
)

const (
	entitlementsSubject = "entitlements.granted"
	eventDedupTTL       = 24 * time.Hour
)

// Reconciler applies gateway-originated and client-originated payment
// outcomes to the ledger. Correctness under duplicate and out-of-order
// delivery rests on the store's compare-and-set transition, not on any
// in-process lock.
type Reconciler struct {
	ledger       interfaces.LedgerRepository
	entitlements interfaces.EntitlementRepository
	gateways     *gateway.Registry
	cfg          *config.Config
	redisClient  *redis.Client
	nc           *nats.Conn
	kafkaWriter  *kafka.Writer
}

func NewReconciler(
	ledger interfaces.LedgerRepository,
	entitlements interfaces.EntitlementRepository,
	gateways *gateway.Registry,
	cfg *config.Config,
	redisClient *redis.Client,
	nc *nats.Conn,
	kafkaWriter *kafka.Writer,
) *Reconciler {
	return &Reconciler{
		ledger:       ledger,
		entitlements: entitlements,
		gateways:     gateways,
		cfg:          cfg,
		redisClient:  redisClient,
		nc:           nc,
		kafkaWriter:  kafkaWriter,
	}
}

// BeginResult is returned to the client after a transaction and gateway
// intent have been created.
type BeginResult struct {
	Transaction  *models.Transaction `json:"transaction"`
	PaymentID    string              `json:"payment_id"`
	ClientSecret string              `json:"client_secret,omitempty"`
	CheckoutURL  string              `json:"checkout_url,omitempty"`
}

// Begin creates the pending transaction and payment rows atomically, then
// asks the gateway for a payment intent.
func (r *Reconciler) Begin(ctx context.Context, buyerID, productID string, amount decimal.Decimal, currency, gatewayName string) (*BeginResult, error) {
	if !amount.IsPositive() {
		return nil, apperrors.Validation("amount must be greater than zero")
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if !r.cfg.CurrencySupported(currency) {
		return nil, apperrors.Validation("unsupported currency: " + currency)
	}

	gw, err := r.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	product, err := r.ledger.GetProduct(ctx, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("product not found")
	}
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, apperrors.Validation("product is not available for purchase")
	}

	owned, err := r.ledger.HasCompletedPurchase(ctx, buyerID, productID)
	if err != nil {
		return nil, err
	}
	if owned {
		return nil, apperrors.Validation("you already have access to this product")
	}

	now := time.Now().UTC()
	tx := &models.Transaction{
		ID:        uuid.NewString(),
		BuyerID:   buyerID,
		SellerID:  product.SellerID,
		ProductID: productID,
		Amount:    amount,
		Currency:  currency,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	pr := &models.PaymentRecord{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Gateway:       gw.Name(),
		Status:        models.StatusPending,
	}

	if err := r.ledger.CreateTransaction(ctx, tx, pr); err != nil {
		return nil, err
	}

	intent, err := gw.CreateIntent(ctx, gateway.IntentRequest{
		TransactionID: tx.ID,
		BuyerID:       buyerID,
		ProductID:     productID,
		ProductTitle:  product.Title,
		Amount:        amount,
		Currency:      currency,
	})
	if err != nil {
		telemetry.Logger.Error("Gateway intent creation failed",
			zap.String("transaction_id", tx.ID),
			zap.String("gateway", gw.Name()),
			zap.Error(err),
		)
		// the pending rows stay; the ledger is never mutated on gateway
		// failure and the transaction can still fail or succeed later
		return nil, err
	}

	if intent.GatewayPaymentID != "" {
		if err := r.AttachGatewayIntent(ctx, tx.ID, gw.Name(), intent.GatewayPaymentID); err != nil {
			return nil, err
		}
	}

	return &BeginResult{
		Transaction:  tx,
		PaymentID:    pr.ID,
		ClientSecret: intent.ClientSecret,
		CheckoutURL:  intent.CheckoutURL,
	}, nil
}

// AttachGatewayIntent records the gateway-side identifier before the
// gateway confirms, so webhook events can be correlated back to the row
// even if the synchronous confirm call never returns.
func (r *Reconciler) AttachGatewayIntent(ctx context.Context, transactionID, gatewayName, gatewayPaymentID string) error {
	return r.ledger.AttachGatewayPayment(ctx, transactionID, gatewayName, gatewayPaymentID)
}

// ApplyOutcome applies a verified gateway event to the ledger. It is
// idempotent: duplicate deliveries and events for unknown transactions are
// absorbed, and a nil error always means the caller should respond 2xx.
func (r *Reconciler) ApplyOutcome(ctx context.Context, event *models.GatewayEvent) (ApplyResult, error) {
	logger := telemetry.Logger.With(
		zap.String("gateway", event.Gateway),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.Type),
	)

	if event.Outcome == "" {
		logger.Info("Event carries no terminal outcome, ignoring")
		return ResultIgnored, nil
	}

	if dup := r.seenEvent(ctx, event); dup {
		logger.Info("Duplicate gateway event, skipping")
		return ResultAlreadyApplied, nil
	}

	tx, err := r.resolveTransaction(ctx, event)
	if err != nil {
		r.clearEvent(ctx, event)
		return "", err
	}
	if tx == nil {
		logger.Info("Event does not match any transaction, ignoring",
			zap.String("gateway_payment_id", event.GatewayPaymentID),
		)
		return ResultIgnored, nil
	}

	target := event.Outcome.Status()
	if tx.Status == target {
		logger.Info("Transaction already in target state",
			zap.String("transaction_id", tx.ID),
			zap.String("status", string(target)),
		)
		return ResultAlreadyApplied, nil
	}

	from := models.StatusPending
	if target == models.StatusRefunded {
		from = models.StatusSuccess
	}
	if !models.CanTransition(tx.Status, target) {
		// e.g. a late failure event after success; monotonicity wins
		logger.Warn("Conflicting outcome for settled transaction, absorbing",
			zap.String("transaction_id", tx.ID),
			zap.String("current_status", string(tx.Status)),
			zap.String("requested_status", string(target)),
		)
		return ResultIgnored, nil
	}

	rows, err := r.ledger.TransitionOutcome(ctx, tx.ID, from, target,
		event.GatewayPaymentID, event.GatewayPaymentID, event.GatewayChargeID)
	if err != nil {
		r.clearEvent(ctx, event)
		return "", err
	}
	if rows == 0 {
		// a concurrent writer won the compare-and-set; both callers still
		// report success
		current, err := r.ledger.GetTransaction(ctx, tx.ID)
		if err == nil && current.Status == target {
			return ResultAlreadyApplied, nil
		}
		logger.Warn("Lost transition race to a different outcome",
			zap.String("transaction_id", tx.ID),
		)
		return ResultIgnored, nil
	}

	metrics.IncTransition(string(from), string(target))
	r.publishStateChange(ctx, tx, event.Gateway, from, target)

	logger.Info("Transaction state transition",
		zap.String("transaction_id", tx.ID),
		zap.String("from_status", string(from)),
		zap.String("to_status", string(target)),
	)

	if target == models.StatusSuccess {
		r.grantEntitlement(ctx, tx)
	}

	return ResultApplied, nil
}

// Confirm is the client-side confirmation path: poll the gateway for the
// intent's outcome and feed it through ApplyOutcome. It races the webhook
// path; the store's compare-and-set decides the winner and both report
// success.
func (r *Reconciler) Confirm(ctx context.Context, buyerID, transactionID, gatewayPaymentID string) (*models.Transaction, ApplyResult, error) {
	tx, err := r.ledger.GetTransaction(ctx, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", apperrors.NotFound("transaction not found")
	}
	if err != nil {
		return nil, "", err
	}
	if tx.BuyerID != buyerID {
		return nil, "", apperrors.Authorization("transaction not found")
	}

	pr, err := r.ledger.GetPaymentByTransaction(ctx, transactionID)
	if err != nil {
		return nil, "", err
	}

	// redirect-style gateways hand the payment id to the client first. The
	// client's id is untrusted until the gateway's own record names this
	// transaction, so nothing is attached before the lookup below.
	paymentID := pr.GatewayPaymentID
	if paymentID == "" {
		paymentID = gatewayPaymentID
	}
	if paymentID == "" {
		return nil, "", apperrors.Validation("no gateway payment to confirm")
	}

	gw, err := r.gateways.Get(pr.Gateway)
	if err != nil {
		return nil, "", err
	}

	event, err := gw.RetrieveOutcome(ctx, paymentID)
	if err != nil {
		return nil, "", err
	}
	if event.TransactionID != "" && event.TransactionID != transactionID {
		telemetry.Logger.Warn("Confirm rejected: payment belongs to a different transaction",
			zap.String("transaction_id", transactionID),
			zap.String("gateway_transaction_id", event.TransactionID),
			zap.String("gateway_payment_id", paymentID),
		)
		return nil, "", apperrors.Authorization("transaction not found")
	}
	if event.Outcome == "" {
		return nil, "", apperrors.Validation("payment not completed")
	}

	if pr.GatewayPaymentID == "" {
		if err := r.AttachGatewayIntent(ctx, transactionID, pr.Gateway, paymentID); err != nil {
			return nil, "", err
		}
	}
	event.TransactionID = transactionID

	result, err := r.ApplyOutcome(ctx, event)
	if err != nil {
		return nil, "", err
	}

	tx, err = r.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, "", err
	}
	return tx, result, nil
}

// RequestRefund refunds a completed purchase. The gateway is called first;
// the ledger transitions to refunded only after the gateway confirms.
func (r *Reconciler) RequestRefund(ctx context.Context, transactionID, requesterID string) (*models.Transaction, error) {
	tx, err := r.ledger.GetTransaction(ctx, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("transaction not found")
	}
	if err != nil {
		return nil, err
	}
	if tx.BuyerID != requesterID {
		// hide existence from anyone but the buyer
		return nil, apperrors.Authorization("transaction not found")
	}
	if tx.Status != models.StatusSuccess {
		return nil, apperrors.NotFound("transaction not eligible for refund")
	}

	pr, err := r.ledger.GetPaymentByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if pr.GatewayPaymentID == "" {
		return nil, apperrors.NotFound("payment not found")
	}

	gw, err := r.gateways.Get(pr.Gateway)
	if err != nil {
		return nil, err
	}

	refund, err := gw.Refund(ctx, pr.GatewayPaymentID)
	if err != nil {
		telemetry.Logger.Error("Gateway refund failed",
			zap.String("transaction_id", transactionID),
			zap.String("gateway", pr.Gateway),
			zap.Error(err),
		)
		return nil, err
	}

	rows, err := r.ledger.TransitionOutcome(ctx, tx.ID,
		models.StatusSuccess, models.StatusRefunded, "", "", "")
	if err != nil {
		return nil, err
	}
	if rows > 0 {
		metrics.IncTransition(string(models.StatusSuccess), string(models.StatusRefunded))
		r.publishStateChange(ctx, tx, pr.Gateway, models.StatusSuccess, models.StatusRefunded)
	}

	telemetry.Logger.Info("Refund processed",
		zap.String("transaction_id", transactionID),
		zap.String("refund_id", refund.RefundID),
	)

	return r.ledger.GetTransaction(ctx, transactionID)
}

// History returns the buyer's purchases, newest first.
func (r *Reconciler) History(ctx context.Context, buyerID string, page, perPage int) ([]models.Transaction, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 10
	}
	txs, err := r.ledger.ListTransactionsByBuyer(ctx, buyerID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	return txs, nil
}

// seenEvent is a fast-path dedup on gateway event ids. It is an
// optimization only; exactly-once effect is guaranteed by the conditional
// update regardless.
func (r *Reconciler) seenEvent(ctx context.Context, event *models.GatewayEvent) bool {
	if r.redisClient == nil || event.EventID == "" {
		return false
	}
	key := fmt.Sprintf("gateway_event:%s:%s", event.Gateway, event.EventID)
	set, err := r.redisClient.SetNX(ctx, key, 1, eventDedupTTL).Result()
	if err != nil {
		telemetry.Logger.Warn("Event dedup check failed, proceeding", zap.Error(err))
		return false
	}
	return !set
}

// clearEvent releases the dedup key when processing fails after SetNX, so
// the gateway's retry is not wrongly absorbed as a duplicate.
func (r *Reconciler) clearEvent(ctx context.Context, event *models.GatewayEvent) {
	if r.redisClient == nil || event.EventID == "" {
		return
	}
	key := fmt.Sprintf("gateway_event:%s:%s", event.Gateway, event.EventID)
	r.redisClient.Del(ctx, key)
}

// grantEntitlement unlocks the purchased product for the buyer. The upsert
// is idempotent, so retries never duplicate access.
func (r *Reconciler) grantEntitlement(ctx context.Context, tx *models.Transaction) {
	granted, err := r.entitlements.GrantEntitlement(ctx, tx.BuyerID, tx.ProductID, tx.ID)
	if err != nil {
		telemetry.Logger.Error("Failed to grant entitlement",
			zap.String("transaction_id", tx.ID),
			zap.String("buyer_id", tx.BuyerID),
			zap.String("product_id", tx.ProductID),
			zap.Error(err),
		)
		return
	}
	if !granted {
		return
	}

	telemetry.Logger.Info("Entitlement granted",
		zap.String("buyer_id", tx.BuyerID),
		zap.String("product_id", tx.ProductID),
		zap.String("transaction_id", tx.ID),
	)

	if r.nc != nil {
		payload, _ := json.Marshal(models.EntitlementGrantedEvent{
			BuyerID:       tx.BuyerID,
			ProductID:     tx.ProductID,
			TransactionID: tx.ID,
			GrantedAt:     time.Now().UTC(),
		})
		if err := r.nc.Publish(entitlementsSubject, payload); err != nil {
			telemetry.Logger.Warn("Failed to publish entitlement notification", zap.Error(err))
		}
	}
}

func (r *Reconciler) publishStateChange(ctx context.Context, tx *models.Transaction, gatewayName string, from, to models.TransactionStatus) {
	if r.kafkaWriter == nil {
		return
	}
	payload, _ := json.Marshal(models.StateChangeEvent{
		TransactionID:  tx.ID,
		Gateway:        gatewayName,
		Status:         to,
		PreviousStatus: from,
		Timestamp:      time.Now().UTC(),
	})
	err := r.kafkaWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tx.ID),
		Value: payload,
	})
	if err != nil {
		telemetry.Logger.Warn("Failed to publish state change event",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
}

// resolveTransaction matches an event to a ledger row, first by the
// transaction id carried in gateway metadata, then by the gateway payment
// id. A nil transaction with nil error means the event is for unrelated or
// stale data.
func (r *Reconciler) resolveTransaction(ctx context.Context, event *models.GatewayEvent) (*models.Transaction, error) {
	if event.TransactionID != "" {
		tx, err := r.ledger.GetTransaction(ctx, event.TransactionID)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	if event.GatewayPaymentID != "" {
		tx, err := r.ledger.GetTransactionByGatewayPayment(ctx, event.Gateway, event.GatewayPaymentID)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return nil, nil
}
