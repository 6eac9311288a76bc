// Package services defines the business logic for checkout, payment
// completion, and the post-fulfillment compensating actions. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import (
	"errors"
	"fmt"
)

// Checkout and completion errors.
var (
	// ErrOrderNotFound indicates that the requested order does not exist or
	// is not accessible to the current user.
	ErrOrderNotFound = errors.New("order not found")

	// ErrEmptyOrder is returned when a checkout request carries no items.
	ErrEmptyOrder = errors.New("order has no items")

	// ErrDiscountNotFound is returned when a checkout references an unknown
	// discount code.
	ErrDiscountNotFound = errors.New("discount code not found")

	// ErrChargeFailed is returned when the gateway reports a failed charge.
	// This is a payment failure visible to the customer, unlike fulfillment
	// failures which never surface through checkout.
	ErrChargeFailed = errors.New("charge failed")

	// ErrBadSignature is returned when a webhook's authenticity signature
	// does not verify. No state is mutated in that case.
	ErrBadSignature = errors.New("invalid webhook signature")

	// ErrUnresolvableEvent is returned when a webhook event cannot be tied
	// to a local order, even after a gateway lookup.
	ErrUnresolvableEvent = errors.New("cannot resolve order for event")
)

// Compensating-action errors.
var (
	// ErrNothingToCancel is returned by cancel-with-refund when the order
	// has no fulfillment order id — there is nothing at the partner to
	// cancel.
	ErrNothingToCancel = errors.New("order has no fulfillment to cancel")

	// ErrOrderCanceled is returned when an action targets an order already
	// in the terminal canceled state.
	ErrOrderCanceled = errors.New("order is canceled")

	// ErrNotFulfilled is returned when an action requires a fulfillment
	// order that does not exist yet.
	ErrNotFulfilled = errors.New("order has not been fulfilled")

	// ErrPostalCodeChange is returned when a recipient update attempts to
	// change the postal code; only free-text address fields may change.
	ErrPostalCodeChange = errors.New("postal code changes are not allowed")

	// ErrShippingNotCheaper is returned when a shipping change targets a
	// method that is not strictly cheaper than the current one.
	ErrShippingNotCheaper = errors.New("new shipping method must be strictly cheaper")

	// ErrUnknownShippingMethod is returned for a method outside the
	// supported set.
	ErrUnknownShippingMethod = errors.New("unknown shipping method")
)

// ActionUnavailableError is returned when the partner's action-availability
// check says No; the partner's reason is surfaced verbatim.
type ActionUnavailableError struct {
	Action string
	Reason string
}

// Error implements the error interface.
func (e *ActionUnavailableError) Error() string {
	return fmt.Sprintf("action %s unavailable: %s", e.Action, e.Reason)
}
