package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coursekit/payments-service/internal/apperrors"
	"github.com/coursekit/payments-service/internal/gateway"
	"github.com/coursekit/payments-service/internal/models"
)

// fakeLedger is an in-memory LedgerRepository whose TransitionOutcome is a
// real compare-and-set under a mutex, so concurrent callers observe the
// same winner-takes-all behavior as the SQL conditional update.
type fakeLedger struct {
	mu           sync.Mutex
	transactions map[string]*models.Transaction
	payments     map[string]*models.PaymentRecord // keyed by transaction id
	products     map[string]*models.Product
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		transactions: make(map[string]*models.Transaction),
		payments:     make(map[string]*models.PaymentRecord),
		products:     make(map[string]*models.Product),
	}
}

func (f *fakeLedger) CreateTransaction(_ context.Context, t *models.Transaction, p *models.PaymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tc := *t
	pc := *p
	f.transactions[t.ID] = &tc
	f.payments[t.ID] = &pc
	return nil
}

func (f *fakeLedger) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transactions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	tc := *t
	return &tc, nil
}

func (f *fakeLedger) GetTransactionByGatewayPayment(_ context.Context, gw, gatewayPaymentID string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for txID, p := range f.payments {
		if p.Gateway == gw && p.GatewayPaymentID == gatewayPaymentID && gatewayPaymentID != "" {
			tc := *f.transactions[txID]
			return &tc, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeLedger) GetPaymentByTransaction(_ context.Context, transactionID string) (*models.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[transactionID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	pc := *p
	return &pc, nil
}

func (f *fakeLedger) ListTransactionsByBuyer(_ context.Context, buyerID string, limit, offset int) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, t := range f.transactions {
		if t.BuyerID == buyerID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLedger) HasCompletedPurchase(_ context.Context, buyerID, productID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transactions {
		if t.BuyerID == buyerID && t.ProductID == productID && t.Status == models.StatusSuccess {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) AttachGatewayPayment(_ context.Context, transactionID, gw, gatewayPaymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[transactionID]
	if !ok || p.Gateway != gw {
		return sql.ErrNoRows
	}
	if p.GatewayPaymentID != "" && p.GatewayPaymentID != gatewayPaymentID {
		return fmt.Errorf("a different gateway payment id is already attached for transaction %s", transactionID)
	}
	p.GatewayPaymentID = gatewayPaymentID
	return nil
}

func (f *fakeLedger) TransitionOutcome(_ context.Context, transactionID string, from, to models.TransactionStatus, referenceID, gatewayPaymentID, gatewayChargeID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transactions[transactionID]
	if !ok || t.Status != from {
		return 0, nil
	}
	t.Status = to
	if t.ReferenceID == "" {
		t.ReferenceID = referenceID
	}
	p := f.payments[transactionID]
	p.Status = to
	if p.GatewayPaymentID == "" {
		p.GatewayPaymentID = gatewayPaymentID
	}
	if p.GatewayChargeID == "" {
		p.GatewayChargeID = gatewayChargeID
	}
	return 1, nil
}

func (f *fakeLedger) GetProduct(_ context.Context, id string) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	pc := *p
	return &pc, nil
}

// fakeEntitlements counts grant upserts so tests can assert exactly-once
// behavior.
type fakeEntitlements struct {
	mu      sync.Mutex
	granted map[string]string // (buyer|product) -> transaction id
	inserts int
}

func newFakeEntitlements() *fakeEntitlements {
	return &fakeEntitlements{granted: make(map[string]string)}
}

func (f *fakeEntitlements) GrantEntitlement(_ context.Context, buyerID, productID, transactionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := buyerID + "|" + productID
	if _, ok := f.granted[key]; ok {
		return false, nil
	}
	f.granted[key] = transactionID
	f.inserts++
	return true, nil
}

func (f *fakeEntitlements) HasEntitlement(_ context.Context, buyerID, productID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.granted[buyerID+"|"+productID]
	return ok, nil
}

func (f *fakeEntitlements) grantCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

// fakeGateway serves scripted intents and outcomes. retrievedRefs maps a
// gateway payment id to the transaction reference the gateway's own record
// carries, mimicking metadata and external_reference round-trips.
type fakeGateway struct {
	name          string
	intent        *gateway.Intent
	intentErr     error
	outcome       models.Outcome
	retrievedRefs map[string]string
	refundErr     error
	refundCalls   int
	validSig      string
	mu            sync.Mutex
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) CreateIntent(_ context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	if g.intent != nil {
		return g.intent, nil
	}
	return &gateway.Intent{GatewayPaymentID: "pi_" + req.TransactionID, ClientSecret: "secret_" + req.TransactionID}, nil
}

func (g *fakeGateway) RetrieveOutcome(_ context.Context, gatewayPaymentID string) (*models.GatewayEvent, error) {
	return &models.GatewayEvent{
		Gateway:          g.name,
		TransactionID:    g.retrievedRefs[gatewayPaymentID],
		GatewayPaymentID: gatewayPaymentID,
		Outcome:          g.outcome,
	}, nil
}

func (g *fakeGateway) Refund(_ context.Context, gatewayPaymentID string) (*gateway.RefundResult, error) {
	g.mu.Lock()
	g.refundCalls++
	g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &gateway.RefundResult{RefundID: "re_1", Status: "succeeded"}, nil
}

func (g *fakeGateway) ParseWebhook(_ context.Context, payload []byte, header http.Header) (*models.GatewayEvent, error) {
	if header.Get("X-Signature") != g.validSig {
		return nil, apperrors.Signature("invalid webhook signature", nil)
	}
	return &models.GatewayEvent{Gateway: g.name, Outcome: g.outcome}, nil
}

func activeProduct(id, sellerID string) *models.Product {
	return &models.Product{
		ID:       id,
		SellerID: sellerID,
		Title:    "Intro to Distributed Systems",
		Price:    decimal.NewFromFloat(49.99),
		Active:   true,
	}
}
