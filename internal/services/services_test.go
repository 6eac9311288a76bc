package services

// Shared test fixtures: an in-file SQLite database per test and fakes for the
// external collaborators (print partner, payment gateway, upscaler).

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/printforge/go-orders-backend/internal/assets"
	"github.com/printforge/go-orders-backend/internal/domain"
	"github.com/printforge/go-orders-backend/internal/partner"
	"github.com/printforge/go-orders-backend/internal/payments"
	"github.com/printforge/go-orders-backend/internal/repo"
)

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("services_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA busy_timeout=5000;")

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedOrder(t *testing.T, db *gorm.DB, mutate ...func(*domain.Order)) *domain.Order {
	t.Helper()
	o := &domain.Order{
		UserID:         "u1",
		Status:         domain.OrderStatusPending,
		TotalPrice:     5897,
		Currency:       "EUR",
		ShippingMethod: domain.ShippingStandard,
		Recipient: domain.Recipient{
			Name: "Jane Doe", Address1: "Musterstr. 1", City: "Berlin",
			Country: "DE", Zip: "10115",
		},
		Items: []domain.OrderItem{
			{SKU: "US-TEE-SS-ABC123", Copies: 2, UnitPrice: 2499, Size: "m", Color: "black", DesignURL: "https://cdn.example.com/d1.png"},
		},
	}
	for _, fn := range mutate {
		fn(o)
	}
	if err := repo.CreateOrder(context.Background(), db, o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

// ----- Fake print partner -----

type fakePartner struct {
	mu sync.Mutex

	createCalls []partner.CreateOrderRequest
	createErr   error
	createResp  partner.CreateOrderResponse

	actions    partner.OrderActions
	actionsErr error

	canceled  []string
	cancelErr error

	recipients   []partner.Recipient
	recipientErr error

	shipping    []string
	shippingErr error

	metadata    []map[string]any
	metadataErr error
}

func newFakePartner() *fakePartner {
	available := partner.ActionAvailability{IsAvailable: true}
	return &fakePartner{
		createResp: partner.CreateOrderResponse{ID: "pf-1", Status: "draft"},
		actions: partner.OrderActions{
			Cancel:                 available,
			ChangeRecipientDetails: available,
			ChangeShippingMethod:   available,
		},
	}
}

func (p *fakePartner) CreateOrder(_ context.Context, req partner.CreateOrderRequest) (*partner.CreateOrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.createCalls = append(p.createCalls, req)
	resp := p.createResp
	return &resp, nil
}

func (p *fakePartner) GetActions(context.Context, string) (*partner.OrderActions, error) {
	if p.actionsErr != nil {
		return nil, p.actionsErr
	}
	a := p.actions
	return &a, nil
}

func (p *fakePartner) Cancel(_ context.Context, id string) error {
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.canceled = append(p.canceled, id)
	return nil
}

func (p *fakePartner) UpdateRecipient(_ context.Context, _ string, r partner.Recipient) error {
	if p.recipientErr != nil {
		return p.recipientErr
	}
	p.recipients = append(p.recipients, r)
	return nil
}

func (p *fakePartner) UpdateShippingMethod(_ context.Context, _ string, method string) error {
	if p.shippingErr != nil {
		return p.shippingErr
	}
	p.shipping = append(p.shipping, method)
	return nil
}

func (p *fakePartner) UpdateMetadata(_ context.Context, _ string, meta map[string]any) error {
	if p.metadataErr != nil {
		return p.metadataErr
	}
	p.metadata = append(p.metadata, meta)
	return nil
}

func partnerUnavailable(reason string) partner.ActionAvailability {
	return partner.ActionAvailability{IsAvailable: false, Reason: reason}
}

func (p *fakePartner) createCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.createCalls)
}

// ----- Fake upscaler -----

type fakeUpscaler struct {
	needs      bool
	inspectErr error

	upscaled   string
	upscaleErr error
	calls      int
}

func (u *fakeUpscaler) NeedsUpscaling(context.Context, string) (bool, error) {
	return u.needs, u.inspectErr
}

func (u *fakeUpscaler) Upscale(_ context.Context, sourceURL, _, _ string) (string, error) {
	u.calls++
	if u.upscaleErr != nil {
		return "", u.upscaleErr
	}
	if u.upscaled != "" {
		return u.upscaled, nil
	}
	return sourceURL + "?upscaled=1", nil
}

// ----- Fake payment gateway -----

type refundCall struct {
	paymentID string
	amount    int64
	key       string
	reason    string
}

type fakeGateway struct {
	charge     payments.Charge
	chargeErr  error
	chargeKeys []string

	refunds   []refundCall
	refundErr error

	order    payments.GatewayOrder
	orderErr error
}

func (g *fakeGateway) CreateCharge(_ context.Context, _ int64, _ string, _ string, idempotencyKey string) (*payments.Charge, error) {
	g.chargeKeys = append(g.chargeKeys, idempotencyKey)
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	c := g.charge
	return &c, nil
}

func (g *fakeGateway) Refund(_ context.Context, paymentID string, amount int64, _ string, reason, idempotencyKey string) (*payments.RefundResult, error) {
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds = append(g.refunds, refundCall{paymentID: paymentID, amount: amount, key: idempotencyKey, reason: reason})
	return &payments.RefundResult{ID: "re-" + idempotencyKey, Status: "succeeded"}, nil
}

func (g *fakeGateway) GetOrder(context.Context, string) (*payments.GatewayOrder, error) {
	if g.orderErr != nil {
		return nil, g.orderErr
	}
	o := g.order
	return &o, nil
}

// ----- Service builders -----

func newCompletion(db *gorm.DB, p partner.Client, u assets.Upscaler) *CompletionService {
	return &CompletionService{
		DB:        db,
		Assets:    &assets.Service{DB: db, Upscaler: u, Log: zerolog.Nop()},
		Partner:   p,
		Log:       zerolog.Nop(),
		SKUPrefix: "US-",
	}
}
