// Package services – WebhookService
//
// This file implements the asynchronous completion trigger: the payment
// gateway's webhook. It must be idempotent under redelivery — the gateway
// retries until acknowledged, and may redeliver an event it already saw
// acknowledged. Authenticity is verified before anything else; a bad
// signature mutates no state.
package services

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/printforge/go-orders-backend/internal/dedup"
	"github.com/printforge/go-orders-backend/internal/payments"
)

// EventTypePaymentCompleted is the only event type that drives the
// completion pipeline; all other types are acknowledged and ignored.
const EventTypePaymentCompleted = "payment.completed"

// OutcomeDuplicate is returned by WebhookService.Process when the event id
// was already seen inside the dedup window. Not produced by Complete.
const OutcomeDuplicate CompletionOutcome = 100

// WebhookService verifies, deduplicates, resolves, and dispatches gateway
// webhook events into the shared completion pipeline. All persistence happens
// inside the completion pipeline; this service never touches the store.
type WebhookService struct {
	Dedup       dedup.Cache
	Gateway     payments.Gateway
	Completion  *CompletionService
	Secret      string
	CallbackURL string
	Log         zerolog.Logger
}

// Process handles one webhook delivery.
//
// Sequence: verify the signature against the raw body (constant-time);
// check the event id against the dedup cache — a redelivery acknowledges
// immediately; resolve the local order (directly from the event, or via a
// gateway lookup for flows where the synchronous path never stamped a
// reference); run the shared completion pipeline.
//
// Error contract for the handler: ErrBadSignature must become 401 with no
// state change; every other error after successful dedup must still be
// acknowledged with 200 — failures are tracked durably for retry rather
// than provoking a gateway redelivery storm.
func (s *WebhookService) Process(ctx context.Context, rawBody []byte, signature string) (CompletionOutcome, error) {
	if !payments.VerifySignature(s.Secret, s.CallbackURL, rawBody, signature) {
		return OutcomeFailed, ErrBadSignature
	}

	var evt payments.Event
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return OutcomeFailed, err
	}
	if evt.Type != EventTypePaymentCompleted {
		s.Log.Debug().Str("event_id", evt.ID).Str("type", evt.Type).Msg("ignoring webhook event type")
		return OutcomeDuplicate, nil
	}

	first, err := s.Dedup.FirstSeen(ctx, evt.ID)
	if err != nil {
		// A broken dedup backend must not block completion; the claim is
		// the correctness mechanism, the cache only saves work.
		s.Log.Warn().Err(err).Str("event_id", evt.ID).Msg("dedup cache unavailable, proceeding")
	} else if !first {
		s.Log.Debug().Str("event_id", evt.ID).Msg("duplicate webhook event, acknowledging")
		return OutcomeDuplicate, nil
	}

	orderID, err := s.resolveOrderID(ctx, &evt)
	if err != nil {
		return OutcomeFailed, err
	}

	return s.Completion.Complete(ctx, PaymentConfirmed{
		OrderID:          orderID,
		GatewayPaymentID: evt.Data.PaymentID,
		GatewayOrderID:   evt.Data.GatewayOrderID,
	})
}

// resolveOrderID ties the event to a local order: directly when the event
// carries our order id, otherwise by asking the gateway for the metadata the
// checkout flow stamped on its side.
func (s *WebhookService) resolveOrderID(ctx context.Context, evt *payments.Event) (string, error) {
	if evt.Data.OrderID != "" {
		return evt.Data.OrderID, nil
	}
	if evt.Data.GatewayOrderID == "" {
		return "", ErrUnresolvableEvent
	}
	gwo, err := s.Gateway.GetOrder(ctx, evt.Data.GatewayOrderID)
	if err != nil {
		return "", err
	}
	if id := gwo.Metadata["order_id"]; id != "" {
		return id, nil
	}
	return "", ErrUnresolvableEvent
}
