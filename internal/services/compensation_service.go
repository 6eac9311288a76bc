// Package services – CompensationService
//
// This file implements the post-fulfillment compensating actions: cancel
// with full refund, recipient update, shipping downgrade with partial
// refund, metadata patch, and the operator fulfillment retry. Every
// partner-affecting action is gated by the partner's per-order
// action-availability check; a "No" refuses the action with the partner's
// reason verbatim.
//
// Ordering rule for multi-step actions: the partner is updated before the
// local store, and a partner-side success is never rolled back because a
// later step failed — the failure surfaces explicitly for retry instead.
package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/printforge/go-orders-backend/internal/domain"
	"github.com/printforge/go-orders-backend/internal/partner"
	"github.com/printforge/go-orders-backend/internal/payments"
	"github.com/printforge/go-orders-backend/internal/repo"
)

// ShippingPrices is the price table, in minor units, used both for the
// checkout shipping line and for computing the downgrade refund delta.
// Strictly ordered: budget < standard < express < overnight.
var ShippingPrices = map[string]int64{
	domain.ShippingBudget:    499,
	domain.ShippingStandard:  899,
	domain.ShippingExpress:   1899,
	domain.ShippingOvernight: 2999,
}

// CompensationService executes operator/customer-initiated corrections on
// fulfilled orders. Unlike the completion pipeline, failures here surface
// synchronously — the caller asked and needs an immediate answer.
type CompensationService struct {
	DB         *gorm.DB
	Partner    partner.Client
	Gateway    refundGateway
	Completion *CompletionService
	Log        zerolog.Logger
}

// refundGateway is the slice of the payment gateway compensations need.
type refundGateway interface {
	Refund(ctx context.Context, paymentID string, amount int64, currency, reason, idempotencyKey string) (*payments.RefundResult, error)
}

// loadFulfilled fetches the order and enforces the common preconditions of
// partner-affecting actions: not canceled, fulfillment order id present.
func (s *CompensationService) loadFulfilled(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := repo.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if o.Status == domain.OrderStatusCanceled {
		return nil, ErrOrderCanceled
	}
	if o.FulfillmentOrderID == nil {
		return nil, ErrNotFulfilled
	}
	return o, nil
}

// checkAction consults the partner's availability map for one action and
// refuses with the partner's reason when it is not available.
func (s *CompensationService) checkAction(ctx context.Context, partnerOrderID, action string) error {
	actions, err := s.Partner.GetActions(ctx, partnerOrderID)
	if err != nil {
		return err
	}
	var a partner.ActionAvailability
	switch action {
	case "cancel":
		a = actions.Cancel
	case "changeRecipientDetails":
		a = actions.ChangeRecipientDetails
	case "changeShippingMethod":
		a = actions.ChangeShippingMethod
	}
	if !a.IsAvailable {
		return &ActionUnavailableError{Action: action, Reason: a.Reason}
	}
	return nil
}

// cancelRefundReason tags the full refund issued for a cancellation; the
// recovery path uses it to recognize an already-issued cancel refund.
const cancelRefundReason = "order canceled"

// Cancel cancels the partner order and refunds the full charge, then marks
// the order canceled. Step order matters: partner cancel → refund → local
// state, so a partner-cancel success is always recorded even when the
// refund fails. A refund failure is logged durably and returned for retry;
// the cancellation stands.
//
// Cancel is re-entrant for exactly that retry: calling it again on an
// already-canceled order whose refund never landed re-issues only the
// refund step (the deterministic idempotency key makes a gateway-side
// duplicate impossible). An order that is canceled and refunded stays
// terminal and returns ErrOrderCanceled.
func (s *CompensationService) Cancel(ctx context.Context, orderID string) error {
	o, err := s.loadFulfilled(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderCanceled) {
			return s.retryCancelRefund(ctx, orderID)
		}
		if errors.Is(err, ErrNotFulfilled) {
			return ErrNothingToCancel
		}
		return err
	}
	if err := s.checkAction(ctx, *o.FulfillmentOrderID, "cancel"); err != nil {
		return err
	}

	if err := s.Partner.Cancel(ctx, *o.FulfillmentOrderID); err != nil {
		return err
	}

	patch := domain.JSONMap{}
	var refundErr error
	paymentID := o.Metadata.GetString(domain.MetaGatewayPaymentID)
	if paymentID != "" {
		patch, refundErr = s.issueCancelRefund(ctx, o, paymentID)
	}

	// The partner cancel succeeded; record it regardless of the refund.
	if err := repo.CancelOrder(ctx, s.DB, o.ID, patch); err != nil {
		return err
	}
	s.Log.Info().Str("order_id", o.ID).Bool("refunded", refundErr == nil && paymentID != "").Msg("order canceled")
	return refundErr
}

// issueCancelRefund refunds the full charge for a cancellation and persists
// the refund record plus the metadata breadcrumb. The returned patch is
// empty when the refund failed; the error is the refund failure, already
// logged durably.
func (s *CompensationService) issueCancelRefund(ctx context.Context, o *domain.Order, paymentID string) (domain.JSONMap, error) {
	patch := domain.JSONMap{}
	res, err := s.Gateway.Refund(ctx, paymentID, o.TotalPrice, o.Currency, cancelRefundReason, "cancel-refund-"+o.ID)
	if err != nil {
		if _, lerr := repo.AppendProcessingError(ctx, s.DB, o.ID, StageRefund, err.Error()); lerr != nil {
			s.Log.Error().Err(lerr).Str("order_id", o.ID).Msg("failed to log refund error")
		}
		return patch, err
	}
	patch[domain.MetaRefundID] = res.ID
	if _, cerr := repo.CreateRefund(ctx, s.DB, o.ID, res.ID, o.TotalPrice, o.Currency, cancelRefundReason, res.Status); cerr != nil {
		s.Log.Error().Err(cerr).Str("order_id", o.ID).Msg("failed to persist refund record")
	}
	return patch, nil
}

// retryCancelRefund finishes a cancellation whose refund step failed: the
// order is already canceled at the partner and locally, but the charge is
// still captured. Only the refund is re-issued. When the refund already
// exists (breadcrumb or refund row) the cancellation is terminal and the
// caller gets ErrOrderCanceled, exactly like any other re-cancel.
func (s *CompensationService) retryCancelRefund(ctx context.Context, orderID string) error {
	o, err := repo.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrOrderNotFound
		}
		return err
	}

	paymentID := o.Metadata.GetString(domain.MetaGatewayPaymentID)
	if paymentID == "" || o.Metadata.GetString(domain.MetaRefundID) != "" {
		return ErrOrderCanceled
	}
	refunds, err := repo.ListRefunds(ctx, s.DB, o.ID)
	if err != nil {
		return err
	}
	for i := range refunds {
		if refunds[i].Reason == cancelRefundReason {
			return ErrOrderCanceled
		}
	}

	patch, refundErr := s.issueCancelRefund(ctx, o, paymentID)
	if refundErr != nil {
		return refundErr
	}
	if _, err := repo.PatchOrderMetadata(ctx, s.DB, o.ID, patch); err != nil {
		s.Log.Error().Err(err).Str("order_id", o.ID).Msg("failed to stamp refund breadcrumb")
	}
	s.Log.Info().Str("order_id", o.ID).Msg("cancel refund recovered")
	return nil
}

// UpdateRecipient changes the shipping address. Postal-code changes are
// rejected outright (tax/jurisdiction implications) — only free-text fields
// may change. Partner first, then store.
func (s *CompensationService) UpdateRecipient(ctx context.Context, orderID string, r domain.Recipient) error {
	o, err := s.loadFulfilled(ctx, orderID)
	if err != nil {
		return err
	}
	if r.Zip != o.Recipient.Zip {
		return ErrPostalCodeChange
	}
	if err := s.checkAction(ctx, *o.FulfillmentOrderID, "changeRecipientDetails"); err != nil {
		return err
	}

	if err := s.Partner.UpdateRecipient(ctx, *o.FulfillmentOrderID, partner.Recipient{
		Name:     r.Name,
		Address1: r.Address1,
		Address2: r.Address2,
		City:     r.City,
		State:    r.State,
		Country:  r.Country,
		Zip:      r.Zip,
		Email:    r.Email,
		Phone:    r.Phone,
	}); err != nil {
		return err
	}
	return repo.UpdateOrderRecipient(ctx, s.DB, o.ID, r)
}

// DowngradeShipping moves the order to a strictly cheaper shipping method
// and refunds exactly the price delta. Sequence: partner method update →
// partial refund → persist method and breadcrumb. A refund failure after a
// successful partner update persists the method anyway and surfaces the
// refund error for retry.
func (s *CompensationService) DowngradeShipping(ctx context.Context, orderID, newMethod string) error {
	o, err := s.loadFulfilled(ctx, orderID)
	if err != nil {
		return err
	}
	newPrice, ok := ShippingPrices[newMethod]
	if !ok {
		return ErrUnknownShippingMethod
	}
	oldPrice := ShippingPrices[o.ShippingMethod]
	if newPrice >= oldPrice {
		return ErrShippingNotCheaper
	}
	if err := s.checkAction(ctx, *o.FulfillmentOrderID, "changeShippingMethod"); err != nil {
		return err
	}

	if err := s.Partner.UpdateShippingMethod(ctx, *o.FulfillmentOrderID, newMethod); err != nil {
		return err
	}

	delta := oldPrice - newPrice
	patch := domain.JSONMap{}
	var refundErr error
	paymentID := o.Metadata.GetString(domain.MetaGatewayPaymentID)
	if paymentID != "" {
		res, err := s.Gateway.Refund(ctx, paymentID, delta, o.Currency, "shipping downgrade", "shipping-refund-"+o.ID)
		if err != nil {
			refundErr = err
			if _, lerr := repo.AppendProcessingError(ctx, s.DB, o.ID, StageRefund, err.Error()); lerr != nil {
				s.Log.Error().Err(lerr).Str("order_id", o.ID).Msg("failed to log refund error")
			}
		} else {
			patch[domain.MetaShippingRefundID] = res.ID
			if _, err := repo.CreateRefund(ctx, s.DB, o.ID, res.ID, delta, o.Currency, "shipping downgrade", res.Status); err != nil {
				s.Log.Error().Err(err).Str("order_id", o.ID).Msg("failed to persist refund record")
			}
		}
	}

	if err := repo.UpdateOrderShipping(ctx, s.DB, o.ID, newMethod, patch); err != nil {
		return err
	}
	s.Log.Info().
		Str("order_id", o.ID).
		Str("shipping_method", newMethod).
		Int64("refund_delta", delta).
		Msg("shipping downgraded")
	return refundErr
}

// PatchMetadata merge-patches the local metadata bag and echoes the patch
// to the partner order when one exists. No business invariant beyond merge
// semantics.
func (s *CompensationService) PatchMetadata(ctx context.Context, orderID string, patch domain.JSONMap) (domain.JSONMap, error) {
	o, err := repo.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if o.FulfillmentOrderID != nil {
		if err := s.Partner.UpdateMetadata(ctx, *o.FulfillmentOrderID, patch); err != nil {
			return nil, err
		}
	}
	return repo.PatchOrderMetadata(ctx, s.DB, orderID, patch)
}

// RetryFulfillment is the operator-driven re-trigger for an order that is
// completed but unfulfilled (a prior attempt failed and cleared its claim).
// It reuses the gateway references stamped in metadata and runs the shared
// completion pipeline; claim semantics apply unchanged.
func (s *CompensationService) RetryFulfillment(ctx context.Context, orderID string) (CompletionOutcome, error) {
	o, err := repo.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return OutcomeFailed, ErrOrderNotFound
		}
		return OutcomeFailed, err
	}
	if o.Status == domain.OrderStatusCanceled {
		return OutcomeFailed, ErrOrderCanceled
	}
	if o.FulfillmentOrderID != nil {
		return OutcomeAlreadyFulfilled, nil
	}
	return s.Completion.Complete(ctx, PaymentConfirmed{
		OrderID:          o.ID,
		GatewayPaymentID: o.Metadata.GetString(domain.MetaGatewayPaymentID),
		GatewayOrderID:   o.Metadata.GetString(domain.MetaGatewayOrderID),
	})
}

// ListErrors returns a page of the durable error log for an order.
func (s *CompensationService) ListErrors(ctx context.Context, orderID string, offset, limit int) ([]domain.ProcessingError, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return repo.ListProcessingErrors(ctx, s.DB, orderID, offset, limit)
}
