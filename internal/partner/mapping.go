// Package partner – submission mapping.
//
// This file translates internal order items into the partner's request
// shape: the internal SKU namespace prefix is stripped, the color/size
// vocabulary is normalized to the partner's enumerated values, and the
// print-ready asset URL is attached. Missing or unmappable fields are fatal
// validation errors for the submission attempt — the whole order fails
// together, partial submission is not supported.
package partner

import (
	"fmt"
	"strings"

	"github.com/printforge/go-orders-backend/internal/domain"
)

// ValidationError marks a submission that can never succeed as-is (missing
// asset, unresolvable SKU, unknown attribute value). It is not retried
// automatically.
type ValidationError struct {
	ItemID string
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("item %s: invalid %s: %s", e.ItemID, e.Field, e.Reason)
}

// shippingMethods maps internal shipping methods to the partner's codes.
var shippingMethods = map[string]string{
	domain.ShippingBudget:    "BUDGET",
	domain.ShippingStandard:  "STANDARD",
	domain.ShippingExpress:   "EXPRESS",
	domain.ShippingOvernight: "OVERNIGHT",
}

// sizes maps internal size labels (case-insensitive) to partner size codes.
var sizes = map[string]string{
	"xs":  "XS",
	"s":   "S",
	"m":   "M",
	"l":   "L",
	"xl":  "XL",
	"2xl": "2XL",
	"3xl": "3XL",
}

// colors maps internal color names (case-insensitive) to partner color codes.
var colors = map[string]string{
	"black":        "BLACK",
	"white":        "WHITE",
	"navy":         "NAVY",
	"red":          "RED",
	"heather grey": "HEATHER_GREY",
	"heather-grey": "HEATHER_GREY",
	"forest":       "FOREST",
	"sand":         "SAND",
}

// IdempotencyKey derives the deterministic submission key for an order.
// Re-submissions of the same order always carry the same key, so the partner
// collapses them into one order.
func IdempotencyKey(orderID string) string { return "order-" + orderID }

// BuildSubmission maps an order and its prepared per-item asset URLs into a
// CreateOrderRequest. assetsByItem is keyed by item id and must contain a
// non-empty URL for every item (the asset preparation step guarantees a
// fallback URL at minimum).
func BuildSubmission(o *domain.Order, assetsByItem map[string]string, skuPrefix string) (CreateOrderRequest, error) {
	req := CreateOrderRequest{
		IdempotencyKey: IdempotencyKey(o.ID),
		Recipient: Recipient{
			Name:     o.Recipient.Name,
			Address1: o.Recipient.Address1,
			Address2: o.Recipient.Address2,
			City:     o.Recipient.City,
			State:    o.Recipient.State,
			Country:  o.Recipient.Country,
			Zip:      o.Recipient.Zip,
			Email:    o.Recipient.Email,
			Phone:    o.Recipient.Phone,
		},
	}

	method, ok := shippingMethods[o.ShippingMethod]
	if !ok {
		return req, &ValidationError{Field: "shipping_method", Reason: "unknown method " + o.ShippingMethod}
	}
	req.ShippingMethod = method

	if len(o.Items) == 0 {
		return req, &ValidationError{Field: "items", Reason: "order has no items"}
	}

	req.Items = make([]Item, 0, len(o.Items))
	for _, it := range o.Items {
		sku := strings.TrimPrefix(it.SKU, skuPrefix)
		if sku == "" {
			return req, &ValidationError{ItemID: it.ID, Field: "sku", Reason: "unresolvable sku " + it.SKU}
		}

		url := assetsByItem[it.ID]
		if url == "" {
			return req, &ValidationError{ItemID: it.ID, Field: "asset", Reason: "missing print asset url"}
		}

		item := Item{
			SKU:    sku,
			Copies: it.Copies,
			Assets: []Asset{{Area: "front", URL: url}},
		}
		if item.Copies <= 0 {
			item.Copies = 1
		}
		if it.Size != "" {
			size, ok := sizes[strings.ToLower(strings.TrimSpace(it.Size))]
			if !ok {
				return req, &ValidationError{ItemID: it.ID, Field: "size", Reason: "unknown size " + it.Size}
			}
			item.Size = size
		}
		if it.Color != "" {
			color, ok := colors[strings.ToLower(strings.TrimSpace(it.Color))]
			if !ok {
				return req, &ValidationError{ItemID: it.ID, Field: "color", Reason: "unknown color " + it.Color}
			}
			item.Color = color
		}
		req.Items = append(req.Items, item)
	}
	return req, nil
}
