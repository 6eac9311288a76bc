// Package services – CheckoutService
//
// This file implements order creation and the synchronous completion
// trigger. Checkout creates a PENDING order with a financial snapshot;
// CompletePayment charges the gateway and, on success, hands off to the
// shared completion pipeline. A fulfillment failure never fails the
// customer-visible checkout response — the checkout experience is decoupled
// from fulfillment success.
package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/printforge/go-orders-backend/internal/domain"
	"github.com/printforge/go-orders-backend/internal/payments"
	"github.com/printforge/go-orders-backend/internal/repo"
)

// OutcomePending is returned by CompletePayment when the gateway reports a
// pending (asynchronous) charge; the webhook will complete the order later.
const OutcomePending CompletionOutcome = 101

// CheckoutItem is one requested line at checkout.
type CheckoutItem struct {
	SKU       string
	Copies    int
	UnitPrice int64
	Size      string
	Color     string
	DesignURL string
}

// CheckoutInput is the normalized create-order request.
type CheckoutInput struct {
	Currency       string
	ShippingMethod string
	DiscountCode   string
	Recipient      domain.Recipient
	Items          []CheckoutItem
}

// CheckoutService creates orders and drives the synchronous completion path.
type CheckoutService struct {
	DB         *gorm.DB
	Gateway    payments.Gateway
	Completion *CompletionService
	Log        zerolog.Logger
}

// CreateOrder persists a PENDING order owned by userID with an immutable
// financial snapshot. A discount code, when given, is resolved and priced
// now; its usage row is only recorded at completion (alongside the charge),
// so abandoned checkouts never consume codes.
func (s *CheckoutService) CreateOrder(ctx context.Context, userID string, in CheckoutInput) (*domain.Order, error) {
	if len(in.Items) == 0 {
		return nil, ErrEmptyOrder
	}

	o := &domain.Order{
		UserID:         userID,
		Status:         domain.OrderStatusPending,
		Currency:       strings.ToUpper(in.Currency),
		ShippingMethod: in.ShippingMethod,
		Recipient:      in.Recipient,
		Metadata:       domain.JSONMap{},
	}
	if o.Currency == "" {
		o.Currency = "EUR"
	}
	if o.ShippingMethod == "" {
		o.ShippingMethod = domain.ShippingStandard
	}
	if _, ok := ShippingPrices[o.ShippingMethod]; !ok {
		return nil, ErrUnknownShippingMethod
	}

	var subtotal int64
	for _, it := range in.Items {
		copies := it.Copies
		if copies <= 0 {
			copies = 1
		}
		subtotal += it.UnitPrice * int64(copies)
		o.Items = append(o.Items, domain.OrderItem{
			SKU:       it.SKU,
			Copies:    copies,
			UnitPrice: it.UnitPrice,
			Size:      it.Size,
			Color:     it.Color,
			DesignURL: it.DesignURL,
		})
	}
	subtotal += ShippingPrices[o.ShippingMethod]

	if code := strings.TrimSpace(in.DiscountCode); code != "" {
		dc, err := repo.GetDiscountCode(ctx, s.DB, code)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ErrDiscountNotFound
			}
			return nil, err
		}
		o.DiscountCodeID = &dc.ID
		o.DiscountAmount = dc.AmountOff
		if o.DiscountAmount > subtotal {
			o.DiscountAmount = subtotal
		}
	}
	o.TotalPrice = subtotal - o.DiscountAmount

	if err := repo.CreateOrder(ctx, s.DB, o); err != nil {
		return nil, err
	}
	s.Log.Info().
		Str("order_id", o.ID).
		Int64("total_price", o.TotalPrice).
		Int("items", len(o.Items)).
		Msg("order created")
	return o, nil
}

// GetOrder fetches an order enforcing ownership.
func (s *CheckoutService) GetOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	o, err := repo.GetOrderForUser(ctx, s.DB, orderID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return o, nil
}

// CompletePayment is the synchronous completion trigger. It charges the
// gateway (idempotently, keyed on the order id) and, when the charge
// succeeds, runs the shared completion pipeline.
//
// Error contract: a failed or non-succeeded charge returns ErrChargeFailed —
// that IS a payment failure and the customer must see it. A fulfillment
// failure after a successful charge is NOT surfaced: the outcome is
// returned alongside the refreshed order and the error stays internal
// (recorded durably by the pipeline), because the webhook or an operator
// retry owns recovery.
func (s *CheckoutService) CompletePayment(ctx context.Context, userID, orderID, sourceToken string) (*domain.Order, CompletionOutcome, error) {
	o, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, OutcomeFailed, err
	}
	if o.Status == domain.OrderStatusCanceled {
		return nil, OutcomeFailed, ErrOrderCanceled
	}

	charge, err := s.Gateway.CreateCharge(ctx, o.TotalPrice, o.Currency, sourceToken, "charge-"+o.ID)
	if err != nil {
		s.Log.Warn().Err(err).Str("order_id", o.ID).Msg("charge attempt failed")
		return nil, OutcomeFailed, ErrChargeFailed
	}
	if charge.Status != payments.ChargeStatusSucceeded {
		// Pending charges (asynchronous payment methods) settle via the
		// webhook; anything else is a hard decline.
		if charge.Status == payments.ChargeStatusPending {
			s.Log.Info().Str("order_id", o.ID).Str("charge_id", charge.ID).Msg("charge pending, webhook will complete")
			return o, OutcomePending, nil
		}
		return nil, OutcomeFailed, ErrChargeFailed
	}

	outcome, err := s.Completion.Complete(ctx, PaymentConfirmed{
		OrderID:          o.ID,
		GatewayPaymentID: charge.ID,
	})
	if err != nil {
		// Recorded by the pipeline; never a payment failure.
		s.Log.Warn().Err(err).Str("order_id", o.ID).Msg("fulfillment deferred after successful charge")
	}

	refreshed, gerr := repo.GetOrder(ctx, s.DB, o.ID)
	if gerr != nil {
		refreshed = o
	}
	return refreshed, outcome, nil
}
