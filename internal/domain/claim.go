// Package domain defines the core persistence models for the application.
// This file formalizes the coordination substrate layered over Order.Metadata:
// the JSONMap column type and the ProcessingClaim lease that arbitrates
// between the two payment-completion triggers.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Metadata keys written into Order.Metadata by the completion pipeline and
// the compensating actions. The bag has no fixed schema; these are the keys
// this codebase owns.
const (
	MetaClaimKey             = "processing_claim_key"
	MetaClaimStartedAt       = "processing_claim_started_at"
	MetaGatewayPaymentID     = "gateway_payment_id"
	MetaGatewayOrderID       = "gateway_order_id"
	MetaFulfillmentStatus    = "fulfillment_status"
	MetaFulfillmentError     = "fulfillment_error"
	MetaFulfillmentErrorTime = "fulfillment_error_time"
	MetaRefundID             = "refund_id"
	MetaShippingRefundID     = "shipping_refund_id"
)

// ClaimLease is how long a processing claim is considered live. A claim
// older than this is treated as stale (the claimant crashed) and may be
// overridden by a new claimant. This is a pragmatic heuristic, not a proof
// of exclusivity; the conditional fulfillment-id write and the partner-side
// idempotency key are the backstops.
const ClaimLease = 5 * time.Minute

// JSONMap is a free-form string-keyed JSON object stored in a TEXT column.
// encoding/json marshals map keys in sorted order, so the serialized form is
// deterministic. The repo layer relies on that: the claim write is a
// compare-and-set on the serialized metadata text.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("domain: unsupported metadata column type")
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// Merge returns a copy of m with patch applied on top (shallow merge-patch).
// A nil value in patch deletes the key. Neither input is mutated.
func (m JSONMap) Merge(patch JSONMap) JSONMap {
	out := make(JSONMap, len(m)+len(patch))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// GetString returns the string value stored under key, or "" when the key is
// absent or holds a non-string value.
func (m JSONMap) GetString(key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ProcessingClaim is the lease a completion trigger takes before performing
// the fulfillment side effects. It lives inside Order.Metadata (MetaClaimKey
// and MetaClaimStartedAt), is cleared explicitly on hard failure, and is
// superseded implicitly when FulfillmentOrderID is set.
type ProcessingClaim struct {
	Token     string
	StartedAt time.Time
}

// ClaimFromMetadata extracts the processing claim from a metadata bag.
// The second return value is false when no claim is present or the stored
// timestamp does not parse.
func ClaimFromMetadata(m JSONMap) (ProcessingClaim, bool) {
	token := m.GetString(MetaClaimKey)
	if token == "" {
		return ProcessingClaim{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, m.GetString(MetaClaimStartedAt))
	if err != nil {
		return ProcessingClaim{}, false
	}
	return ProcessingClaim{Token: token, StartedAt: ts}, true
}

// Expired reports whether the claim is older than lease at instant now.
func (c ProcessingClaim) Expired(now time.Time, lease time.Duration) bool {
	return now.Sub(c.StartedAt) >= lease
}

// Stamp returns the metadata patch that records this claim.
func (c ProcessingClaim) Stamp() JSONMap {
	return JSONMap{
		MetaClaimKey:       c.Token,
		MetaClaimStartedAt: c.StartedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ClearClaimPatch is the metadata patch that removes a claim.
func ClearClaimPatch() JSONMap {
	return JSONMap{MetaClaimKey: nil, MetaClaimStartedAt: nil}
}
