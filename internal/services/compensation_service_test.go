package services

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/printforge/go-orders-backend/internal/domain"
	"github.com/printforge/go-orders-backend/internal/repo"
)

func newCompensation(db *gorm.DB, p *fakePartner, g *fakeGateway) *CompensationService {
	return &CompensationService{
		DB:         db,
		Partner:    p,
		Gateway:    g,
		Completion: newCompletion(db, p, &fakeUpscaler{}),
		Log:        zerolog.Nop(),
	}
}

func seedFulfilledOrder(t *testing.T, db *gorm.DB, mutate ...func(*domain.Order)) *domain.Order {
	t.Helper()
	pfID := "pf-1"
	base := func(o *domain.Order) {
		o.Status = domain.OrderStatusCompleted
		o.FulfillmentOrderID = &pfID
		o.Metadata = domain.JSONMap{domain.MetaGatewayPaymentID: "pay-1"}
	}
	return seedOrder(t, db, append([]func(*domain.Order){base}, mutate...)...)
}

func TestCancel_RefundsAndCancels(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	g := &fakeGateway{}
	svc := newCompensation(db, p, g)

	o := seedFulfilledOrder(t, db)
	if err := svc.Cancel(context.Background(), o.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if len(p.canceled) != 1 || p.canceled[0] != "pf-1" {
		t.Fatalf("expected partner cancel for pf-1, got %v", p.canceled)
	}
	if len(g.refunds) != 1 {
		t.Fatalf("expected one refund, got %v", g.refunds)
	}
	r := g.refunds[0]
	if r.paymentID != "pay-1" || r.amount != o.TotalPrice || r.key != "cancel-refund-"+o.ID {
		t.Fatalf("unexpected refund call: %+v", r)
	}

	stored, _ := repo.GetOrder(context.Background(), db, o.ID)
	if stored.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected canceled, got %q", stored.Status)
	}
	if stored.Metadata.GetString(domain.MetaRefundID) == "" {
		t.Fatalf("expected refund breadcrumb, got %v", stored.Metadata)
	}
	rows, _ := repo.ListRefunds(context.Background(), db, o.ID)
	if len(rows) != 1 || rows[0].Amount != o.TotalPrice {
		t.Fatalf("expected persisted refund record, got %+v", rows)
	}

	// Canceled is terminal: a second cancel must not double-refund.
	if err := svc.Cancel(context.Background(), o.ID); !errors.Is(err, ErrOrderCanceled) {
		t.Fatalf("expected ErrOrderCanceled on re-cancel, got %v", err)
	}
	if len(g.refunds) != 1 {
		t.Fatalf("re-cancel must not refund again, got %v", g.refunds)
	}
}

func TestCancel_UnfulfilledOrderHasNothingToCancel(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	svc := newCompensation(db, p, &fakeGateway{})

	o := seedOrder(t, db, func(o *domain.Order) { o.Status = domain.OrderStatusCompleted })
	if err := svc.Cancel(context.Background(), o.ID); !errors.Is(err, ErrNothingToCancel) {
		t.Fatalf("expected ErrNothingToCancel, got %v", err)
	}
	if len(p.canceled) != 0 {
		t.Fatalf("partner must not be contacted, got %v", p.canceled)
	}
}

func TestCancel_RefundFailureDoesNotRollBackCancellation(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	g := &fakeGateway{refundErr: errors.New("gateway timeout")}
	svc := newCompensation(db, p, g)

	o := seedFulfilledOrder(t, db)
	err := svc.Cancel(context.Background(), o.ID)
	if err == nil {
		t.Fatalf("expected refund error to surface")
	}

	// The partner cancel stands and is recorded locally.
	stored, _ := repo.GetOrder(context.Background(), db, o.ID)
	if stored.Status != domain.OrderStatusCanceled {
		t.Fatalf("cancellation must stand, got %q", stored.Status)
	}

	errs, _ := repo.ListProcessingErrors(context.Background(), db, o.ID, 0, 10)
	if len(errs) != 1 || errs[0].Stage != StageRefund {
		t.Fatalf("expected durable refund error, got %+v", errs)
	}
}

func TestCancel_RetryAfterRefundFailureIssuesOnlyTheRefund(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	g := &fakeGateway{refundErr: errors.New("gateway timeout")}
	svc := newCompensation(db, p, g)

	o := seedFulfilledOrder(t, db)
	if err := svc.Cancel(context.Background(), o.ID); err == nil {
		t.Fatalf("expected refund error to surface")
	}
	if len(g.refunds) != 0 {
		t.Fatalf("failed refund must not be recorded, got %v", g.refunds)
	}

	// Gateway recovers; a second cancel finishes the refund step without
	// touching the partner again.
	g.refundErr = nil
	if err := svc.Cancel(context.Background(), o.ID); err != nil {
		t.Fatalf("retry cancel: %v", err)
	}
	if len(p.canceled) != 1 {
		t.Fatalf("retry must not re-cancel at the partner, got %v", p.canceled)
	}
	if len(g.refunds) != 1 {
		t.Fatalf("expected exactly one refund, got %v", g.refunds)
	}
	r := g.refunds[0]
	if r.paymentID != "pay-1" || r.amount != o.TotalPrice || r.key != "cancel-refund-"+o.ID {
		t.Fatalf("unexpected refund call: %+v", r)
	}

	stored, _ := repo.GetOrder(context.Background(), db, o.ID)
	if stored.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected canceled, got %q", stored.Status)
	}
	if stored.Metadata.GetString(domain.MetaRefundID) == "" {
		t.Fatalf("expected refund breadcrumb after recovery, got %v", stored.Metadata)
	}
	rows, _ := repo.ListRefunds(context.Background(), db, o.ID)
	if len(rows) != 1 || rows[0].Amount != o.TotalPrice {
		t.Fatalf("expected persisted refund record, got %+v", rows)
	}

	// Once refunded the cancellation is terminal again.
	if err := svc.Cancel(context.Background(), o.ID); !errors.Is(err, ErrOrderCanceled) {
		t.Fatalf("expected ErrOrderCanceled after recovery, got %v", err)
	}
	if len(g.refunds) != 1 {
		t.Fatalf("terminal cancel must not refund again, got %v", g.refunds)
	}
}

func TestCancel_PartnerSaysNo(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	p.actions.Cancel = partnerUnavailable("Items have been sent to production")
	svc := newCompensation(db, p, &fakeGateway{})

	o := seedFulfilledOrder(t, db)
	err := svc.Cancel(context.Background(), o.ID)

	var ua *ActionUnavailableError
	if !errors.As(err, &ua) {
		t.Fatalf("expected ActionUnavailableError, got %v", err)
	}
	if ua.Reason != "Items have been sent to production" {
		t.Fatalf("partner reason must be passed through verbatim, got %q", ua.Reason)
	}
	if len(p.canceled) != 0 {
		t.Fatalf("unavailable action must not be attempted, got %v", p.canceled)
	}
}

func TestUpdateRecipient_RejectsPostalCodeChange(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	svc := newCompensation(db, p, &fakeGateway{})

	o := seedFulfilledOrder(t, db)
	r := o.Recipient
	r.Zip = "80331"
	if err := svc.UpdateRecipient(context.Background(), o.ID, r); !errors.Is(err, ErrPostalCodeChange) {
		t.Fatalf("expected ErrPostalCodeChange, got %v", err)
	}
	if len(p.recipients) != 0 {
		t.Fatalf("rejected update must not reach the partner, got %v", p.recipients)
	}
}

func TestUpdateRecipient_PropagatesAndPersists(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	svc := newCompensation(db, p, &fakeGateway{})

	o := seedFulfilledOrder(t, db)
	r := o.Recipient
	r.Name = "Max Mustermann"
	r.Address1 = "Neue Str. 2"
	if err := svc.UpdateRecipient(context.Background(), o.ID, r); err != nil {
		t.Fatalf("UpdateRecipient: %v", err)
	}

	if len(p.recipients) != 1 || p.recipients[0].Name != "Max Mustermann" {
		t.Fatalf("expected partner update, got %v", p.recipients)
	}
	stored, _ := repo.GetOrder(context.Background(), db, o.ID)
	if stored.Recipient.Address1 != "Neue Str. 2" || stored.Recipient.Zip != o.Recipient.Zip {
		t.Fatalf("unexpected stored recipient: %+v", stored.Recipient)
	}
}

func TestDowngradeShipping_RefundsExactDelta(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	g := &fakeGateway{}
	svc := newCompensation(db, p, g)

	o := seedFulfilledOrder(t, db) // standard
	if err := svc.DowngradeShipping(context.Background(), o.ID, domain.ShippingBudget); err != nil {
		t.Fatalf("DowngradeShipping: %v", err)
	}

	if len(p.shipping) != 1 || p.shipping[0] != domain.ShippingBudget {
		t.Fatalf("expected partner shipping update, got %v", p.shipping)
	}
	if len(g.refunds) != 1 {
		t.Fatalf("expected one refund, got %v", g.refunds)
	}
	// standard 899 - budget 499.
	if g.refunds[0].amount != 400 {
		t.Fatalf("expected delta refund of 400, got %d", g.refunds[0].amount)
	}

	stored, _ := repo.GetOrder(context.Background(), db, o.ID)
	if stored.ShippingMethod != domain.ShippingBudget {
		t.Fatalf("expected budget shipping persisted, got %q", stored.ShippingMethod)
	}
	if stored.Metadata.GetString(domain.MetaShippingRefundID) == "" {
		t.Fatalf("expected shipping refund breadcrumb, got %v", stored.Metadata)
	}
}

func TestDowngradeShipping_OnlyStrictlyCheaper(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	svc := newCompensation(db, p, &fakeGateway{})

	o := seedFulfilledOrder(t, db) // standard

	if err := svc.DowngradeShipping(context.Background(), o.ID, domain.ShippingExpress); !errors.Is(err, ErrShippingNotCheaper) {
		t.Fatalf("upgrade must be rejected, got %v", err)
	}
	if err := svc.DowngradeShipping(context.Background(), o.ID, domain.ShippingStandard); !errors.Is(err, ErrShippingNotCheaper) {
		t.Fatalf("same method must be rejected, got %v", err)
	}
	if err := svc.DowngradeShipping(context.Background(), o.ID, "teleport"); !errors.Is(err, ErrUnknownShippingMethod) {
		t.Fatalf("unknown method must be rejected, got %v", err)
	}
	if len(p.shipping) != 0 {
		t.Fatalf("rejected changes must not reach the partner, got %v", p.shipping)
	}
}

func TestPatchMetadata_EchoesToPartnerWhenFulfilled(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	svc := newCompensation(db, p, &fakeGateway{})

	o := seedFulfilledOrder(t, db)
	merged, err := svc.PatchMetadata(context.Background(), o.ID, domain.JSONMap{"gift_note": "happy birthday"})
	if err != nil {
		t.Fatalf("PatchMetadata: %v", err)
	}
	if merged.GetString("gift_note") != "happy birthday" {
		t.Fatalf("unexpected merge result: %v", merged)
	}
	if merged.GetString(domain.MetaGatewayPaymentID) != "pay-1" {
		t.Fatalf("existing keys must survive the patch: %v", merged)
	}
	if len(p.metadata) != 1 {
		t.Fatalf("expected partner metadata echo, got %v", p.metadata)
	}
}

func TestPatchMetadata_LocalOnlyBeforeFulfillment(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	svc := newCompensation(db, p, &fakeGateway{})

	o := seedOrder(t, db)
	if _, err := svc.PatchMetadata(context.Background(), o.ID, domain.JSONMap{"note": "x"}); err != nil {
		t.Fatalf("PatchMetadata: %v", err)
	}
	if len(p.metadata) != 0 {
		t.Fatalf("unfulfilled order must not contact the partner, got %v", p.metadata)
	}
	stored, _ := repo.GetOrder(context.Background(), db, o.ID)
	if stored.Metadata.GetString("note") != "x" {
		t.Fatalf("local patch missing: %v", stored.Metadata)
	}
}

func TestRetryFulfillment_CompletesAFailedOrder(t *testing.T) {
	db := newServiceDB(t)
	p := newFakePartner()
	svc := newCompensation(db, p, &fakeGateway{})

	// Completed but unfulfilled, as left behind by a failed attempt.
	o := seedOrder(t, db, func(o *domain.Order) {
		o.Status = domain.OrderStatusCompleted
		o.Metadata = domain.JSONMap{domain.MetaGatewayPaymentID: "pay-1"}
	})

	outcome, err := svc.RetryFulfillment(context.Background(), o.ID)
	if err != nil || outcome != OutcomeFulfilled {
		t.Fatalf("RetryFulfillment: %v err=%v", outcome, err)
	}
	stored, _ := repo.GetOrder(context.Background(), db, o.ID)
	if stored.FulfillmentOrderID == nil {
		t.Fatalf("expected fulfillment id after retry")
	}

	// A second retry is a no-op.
	outcome, err = svc.RetryFulfillment(context.Background(), o.ID)
	if err != nil || outcome != OutcomeAlreadyFulfilled {
		t.Fatalf("expected already_fulfilled, got %v err=%v", outcome, err)
	}
	if got := p.createCount(); got != 1 {
		t.Fatalf("expected exactly one submission, got %d", got)
	}
}

func TestRetryFulfillment_Rejections(t *testing.T) {
	db := newServiceDB(t)
	svc := newCompensation(db, newFakePartner(), &fakeGateway{})

	if _, err := svc.RetryFulfillment(context.Background(), "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	canceled := seedOrder(t, db, func(o *domain.Order) { o.Status = domain.OrderStatusCanceled })
	if _, err := svc.RetryFulfillment(context.Background(), canceled.ID); !errors.Is(err, ErrOrderCanceled) {
		t.Fatalf("expected ErrOrderCanceled, got %v", err)
	}
}

func TestListErrors_ClampsPaging(t *testing.T) {
	db := newServiceDB(t)
	svc := newCompensation(db, newFakePartner(), &fakeGateway{})

	o := seedOrder(t, db)
	for i := 0; i < 3; i++ {
		if _, err := repo.AppendProcessingError(context.Background(), db, o.ID, StageSubmit, "boom"); err != nil {
			t.Fatalf("seed error: %v", err)
		}
	}

	out, err := svc.ListErrors(context.Background(), o.ID, -5, 0)
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected all three rows under clamped paging, got %d", len(out))
	}
}
