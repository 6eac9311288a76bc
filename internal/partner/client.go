// Package partner wraps the print partner's HTTP API: order creation,
// per-order action availability, cancellation, recipient updates, and
// shipping method updates. The wrapper is deliberately thin — request and
// response shapes mirror the partner's wire format, and business rules
// (vocabulary normalization, downgrade checks) live in mapping.go and the
// service layer.
package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Asset is a print file attached to an item placement area.
type Asset struct {
	Area string `json:"area"`
	URL  string `json:"url"`
}

// Item is one line of a partner order. SKU is the partner's product code
// (internal prefix already stripped), and attributes use the partner's
// enumerated vocabulary.
type Item struct {
	SKU    string  `json:"sku"`
	Copies int     `json:"copies"`
	Size   string  `json:"size,omitempty"`
	Color  string  `json:"color,omitempty"`
	Assets []Asset `json:"assets"`
}

// Recipient is the shipping destination in the partner's shape.
type Recipient struct {
	Name     string `json:"name"`
	Address1 string `json:"address1"`
	Address2 string `json:"address2,omitempty"`
	City     string `json:"city"`
	State    string `json:"state,omitempty"`
	Country  string `json:"country"`
	Zip      string `json:"zip"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// CreateOrderRequest is the order submission payload. IdempotencyKey is
// derived deterministically from the order id, so a retried submission maps
// to the same partner order.
type CreateOrderRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	Recipient      Recipient `json:"recipient"`
	ShippingMethod string    `json:"shipping_method"`
	Items          []Item    `json:"items"`
}

// CreateOrderResponse is the partner's acknowledgment of a submission.
type CreateOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ActionAvailability is the partner's yes/no answer for one compensating
// action, with the production-state reason when unavailable.
type ActionAvailability struct {
	IsAvailable bool   `json:"is_available"`
	Reason      string `json:"reason,omitempty"`
}

// OrderActions reports which compensating actions the partner currently
// permits for an order.
type OrderActions struct {
	Cancel                 ActionAvailability `json:"cancel"`
	ChangeRecipientDetails ActionAvailability `json:"change_recipient_details"`
	ChangeShippingMethod   ActionAvailability `json:"change_shipping_method"`
}

// Client is the interface consumed by the service layer. The HTTP
// implementation below is the production one; tests substitute fakes.
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error)
	GetActions(ctx context.Context, partnerOrderID string) (*OrderActions, error)
	Cancel(ctx context.Context, partnerOrderID string) error
	UpdateRecipient(ctx context.Context, partnerOrderID string, r Recipient) error
	UpdateShippingMethod(ctx context.Context, partnerOrderID, method string) error
	UpdateMetadata(ctx context.Context, partnerOrderID string, meta map[string]any) error
}

// APIError is a non-2xx partner response. Status 5xx (and transport errors)
// are transient and eligible for retry by a later trigger; 4xx are not.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("partner api: status %d: %s", e.Status, e.Message)
}

// IsTransient reports whether err represents a retryable partner failure
// (network error or 5xx response).
func IsTransient(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 500
	}
	// Transport-level failures are transient by definition.
	return err != nil
}

// HTTPClient talks to the partner REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

// NewHTTPClient builds a client for the partner API at baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// CreateOrder submits a fulfillment order. The partner deduplicates on the
// request's idempotency key, so gateway-level retries of the same submission
// cannot create two partner orders.
func (c *HTTPClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error) {
	var out CreateOrderResponse
	if err := c.do(ctx, http.MethodPost, "/orders", req, &out); err != nil {
		return nil, err
	}
	c.log.Info().
		Str("partner_order_id", out.ID).
		Str("status", out.Status).
		Msg("partner order created")
	return &out, nil
}

// GetActions fetches the per-order action-availability map.
func (c *HTTPClient) GetActions(ctx context.Context, partnerOrderID string) (*OrderActions, error) {
	var out OrderActions
	if err := c.do(ctx, http.MethodGet, "/orders/"+partnerOrderID+"/actions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel cancels a partner order.
func (c *HTTPClient) Cancel(ctx context.Context, partnerOrderID string) error {
	return c.do(ctx, http.MethodPost, "/orders/"+partnerOrderID+"/cancel", nil, nil)
}

// UpdateRecipient replaces the shipping destination of a partner order.
func (c *HTTPClient) UpdateRecipient(ctx context.Context, partnerOrderID string, r Recipient) error {
	return c.do(ctx, http.MethodPut, "/orders/"+partnerOrderID+"/recipient", r, nil)
}

// UpdateShippingMethod changes the shipping method of a partner order.
func (c *HTTPClient) UpdateShippingMethod(ctx context.Context, partnerOrderID, method string) error {
	body := map[string]string{"shipping_method": method}
	return c.do(ctx, http.MethodPut, "/orders/"+partnerOrderID+"/shipping", body, nil)
}

// UpdateMetadata merge-patches the partner-side metadata for an order.
func (c *HTTPClient) UpdateMetadata(ctx context.Context, partnerOrderID string, meta map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/orders/"+partnerOrderID+"/metadata", meta, nil)
}

// do executes one request/response round trip. Non-2xx responses become
// *APIError with the partner's message when one is present in the body.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// readErrorMessage extracts {"message": "..."} from an error body, falling
// back to the raw (truncated) body text.
func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Message != "" {
		return e.Message
	}
	return string(raw)
}
