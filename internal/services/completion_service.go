// Package services – CompletionService
//
// This file implements the shared payment-completion pipeline that both
// triggers (the synchronous complete-payment request and the asynchronous
// gateway webhook) converge on. The two handlers normalize their differing
// inputs into one canonical PaymentConfirmed event; everything after that is
// identical, which is what keeps the claim/asset/submit logic from being
// duplicated.
//
// Exactly-once fulfillment rests on three mechanisms, in order of strength:
// the processing claim (repo.TryClaimOrder, an atomic compare-and-set over
// the order row), the set-once fulfillment order id (conditional write), and
// the deterministic partner-side idempotency key. Claim contention is not an
// error — AlreadyClaimed/AlreadyFulfilled are normal concurrent outcomes and
// always silent no-ops.
package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/printforge/go-orders-backend/internal/assets"
	"github.com/printforge/go-orders-backend/internal/domain"
	"github.com/printforge/go-orders-backend/internal/partner"
	"github.com/printforge/go-orders-backend/internal/repo"
)

// Pipeline stage names recorded on ProcessingError rows.
const (
	StagePrepareAssets   = "prepare_assets"
	StageBuildSubmission = "build_submission"
	StageSubmit          = "submit_fulfillment"
	StageRefund          = "refund"
)

// PaymentConfirmed is the canonical completion event both handlers produce.
type PaymentConfirmed struct {
	OrderID          string
	GatewayPaymentID string
	GatewayOrderID   string
}

// CompletionOutcome is the result of one run of the completion pipeline.
type CompletionOutcome int

const (
	// OutcomeFulfilled: this run won the claim and recorded the partner
	// order id.
	OutcomeFulfilled CompletionOutcome = iota
	// OutcomeAlreadyFulfilled: the other path finished first. No-op.
	OutcomeAlreadyFulfilled
	// OutcomeAlreadyClaimed: another run holds a live claim. No-op.
	OutcomeAlreadyClaimed
	// OutcomeFailed: this run won the claim but fulfillment failed; the
	// claim was cleared and the failure durably recorded, so a later
	// trigger can retry.
	OutcomeFailed
)

// String returns the metric label for an outcome.
func (o CompletionOutcome) String() string {
	switch o {
	case OutcomeFulfilled:
		return "fulfilled"
	case OutcomeAlreadyFulfilled:
		return "already_fulfilled"
	case OutcomeAlreadyClaimed:
		return "already_claimed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomePending:
		return "pending"
	default:
		return "failed"
	}
}

// CompletionService runs the completion pipeline: mark paid, record discount
// usage, claim, prepare assets, submit fulfillment, record the partner id.
type CompletionService struct {
	DB        *gorm.DB
	Assets    *assets.Service
	Partner   partner.Client
	Log       zerolog.Logger
	SKUPrefix string
	Lease     time.Duration // claim lease; defaults to domain.ClaimLease

	// now is a test seam; defaults to time.Now.
	now func() time.Time
}

func (s *CompletionService) lease() time.Duration {
	if s.Lease > 0 {
		return s.Lease
	}
	return domain.ClaimLease
}

func (s *CompletionService) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// Complete processes a payment-confirmed signal for an order.
//
// The sequence mirrors the direct handler's responsibilities from "record
// discount usage" onward, so the webhook path reuses it verbatim:
//
//  1. mark the order completed and stamp the gateway ids into metadata
//     (idempotent; a canceled order rejects the whole run);
//  2. record discount usage (unique per (code, order); duplicate → no-op);
//  3. try to acquire the processing claim;
//  4. on success: prepare assets, submit to the partner, record the partner
//     order id. Any failure clears the claim (never the fulfillment id),
//     appends a ProcessingError, and leaves an error breadcrumb in
//     metadata, so the next trigger can retry.
//
// The returned error is non-nil only for OutcomeFailed and for hard
// bookkeeping failures; callers decide whether it may surface (webhook and
// direct completion must not fail the customer-facing response over it).
func (s *CompletionService) Complete(ctx context.Context, evt PaymentConfirmed) (CompletionOutcome, error) {
	stamp := domain.JSONMap{}
	if evt.GatewayPaymentID != "" {
		stamp[domain.MetaGatewayPaymentID] = evt.GatewayPaymentID
	}
	if evt.GatewayOrderID != "" {
		stamp[domain.MetaGatewayOrderID] = evt.GatewayOrderID
	}
	if err := repo.MarkOrderCompleted(ctx, s.DB, evt.OrderID, stamp); err != nil {
		return OutcomeFailed, err
	}

	o, err := repo.GetOrder(ctx, s.DB, evt.OrderID)
	if err != nil {
		return OutcomeFailed, err
	}

	if o.DiscountCodeID != nil {
		err := repo.RecordDiscountUsage(ctx, s.DB, *o.DiscountCodeID, o.ID, o.UserID, o.DiscountAmount)
		if err != nil && err != repo.ErrDuplicate {
			return OutcomeFailed, err
		}
	}

	return s.claimAndFulfill(ctx, o)
}

// claimAndFulfill runs steps 3–4 of the pipeline.
func (s *CompletionService) claimAndFulfill(ctx context.Context, o *domain.Order) (CompletionOutcome, error) {
	token := uuid.NewString()
	res, err := repo.TryClaimOrder(ctx, s.DB, o.ID, token, s.clock(), s.lease())
	if err != nil {
		return OutcomeFailed, err
	}
	switch res {
	case repo.ClaimAlreadyFulfilled:
		s.Log.Debug().Str("order_id", o.ID).Msg("fulfillment already recorded, skipping")
		return OutcomeAlreadyFulfilled, nil
	case repo.ClaimAlreadyHeld:
		s.Log.Debug().Str("order_id", o.ID).Msg("claim held by another trigger, skipping")
		return OutcomeAlreadyClaimed, nil
	}

	if err := s.fulfill(ctx, o); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeFulfilled, nil
}

// fulfill performs the claimed work. On any error it clears the claim,
// records the failure, and returns the error.
func (s *CompletionService) fulfill(ctx context.Context, o *domain.Order) error {
	assetsByItem, err := s.Assets.PrepareItems(ctx, o)
	if err != nil {
		return s.failFulfillment(ctx, o.ID, StagePrepareAssets, err)
	}

	req, err := partner.BuildSubmission(o, assetsByItem, s.SKUPrefix)
	if err != nil {
		return s.failFulfillment(ctx, o.ID, StageBuildSubmission, err)
	}

	resp, err := s.Partner.CreateOrder(ctx, req)
	if err != nil {
		return s.failFulfillment(ctx, o.ID, StageSubmit, err)
	}

	err = repo.SetFulfillmentOrder(ctx, s.DB, o.ID, resp.ID, domain.JSONMap{
		domain.MetaFulfillmentStatus: resp.Status,
	})
	if err == repo.ErrAlreadyFulfilled {
		// Extreme race: a stale-lease override finished first. The partner
		// collapsed both submissions onto one order via the idempotency
		// key, so nothing was duplicated remotely.
		s.Log.Warn().Str("order_id", o.ID).Msg("fulfillment id raced, partner submission was idempotent")
		return nil
	}
	if err != nil {
		return s.failFulfillment(ctx, o.ID, StageSubmit, err)
	}

	s.Log.Info().
		Str("order_id", o.ID).
		Str("partner_order_id", resp.ID).
		Msg("fulfillment order created")
	return nil
}

// failFulfillment clears the claim so a later trigger can retry, appends the
// error to the durable log, and leaves a breadcrumb on the order. The
// fulfillment order id is never touched here.
func (s *CompletionService) failFulfillment(ctx context.Context, orderID, stage string, cause error) error {
	now := s.clock()
	breadcrumb := domain.JSONMap{
		domain.MetaFulfillmentError:     cause.Error(),
		domain.MetaFulfillmentErrorTime: now.Format(time.RFC3339Nano),
	}
	if err := repo.ClearClaim(ctx, s.DB, orderID, breadcrumb); err != nil {
		s.Log.Error().Err(err).Str("order_id", orderID).Msg("failed to clear processing claim")
	}
	if _, err := repo.AppendProcessingError(ctx, s.DB, orderID, stage, cause.Error()); err != nil {
		s.Log.Error().Err(err).Str("order_id", orderID).Msg("failed to append processing error")
	}
	s.Log.Error().Err(cause).
		Str("order_id", orderID).
		Str("stage", stage).
		Msg("fulfillment attempt failed")
	return cause
}
