// Package payments wraps the payment gateway's charge, refund, and order
// lookup operations, plus the webhook signature scheme. The gateway's own
// ledger is out of scope; this package treats it as an opaque API.
package payments

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

// Charge statuses as reported by the gateway.
const (
	ChargeStatusSucceeded = "succeeded"
	ChargeStatusPending   = "pending"
	ChargeStatusFailed    = "failed"
)

// Charge is the gateway's record of a charge attempt.
type Charge struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RefundResult is the gateway's acknowledgment of a refund.
type RefundResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// GatewayOrder is the gateway-side order object; only its metadata bag is
// consumed (to resolve the local order id when the synchronous completion
// path never ran).
type GatewayOrder struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// Event is the webhook payload delivered by the gateway.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		OrderID        string `json:"order_id,omitempty"`
		PaymentID      string `json:"payment_id"`
		GatewayOrderID string `json:"gateway_order_id,omitempty"`
		Status         string `json:"status"`
	} `json:"data"`
}

// Gateway is the interface consumed by the service layer and handlers.
type Gateway interface {
	CreateCharge(ctx context.Context, amount int64, currency, sourceToken, idempotencyKey string) (*Charge, error)
	Refund(ctx context.Context, paymentID string, amount int64, currency, reason, idempotencyKey string) (*RefundResult, error)
	GetOrder(ctx context.Context, gatewayOrderID string) (*GatewayOrder, error)
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("payment gateway: status %d: %s", e.Status, e.Message)
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 500
	}
	return err != nil
}

// HTTPGateway talks to the payment gateway's REST API.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

// NewHTTPGateway builds a gateway client for baseURL.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// CreateCharge attempts to capture amount from sourceToken. The idempotency
// key makes client retries safe on the gateway side.
func (g *HTTPGateway) CreateCharge(ctx context.Context, amount int64, currency, sourceToken, idempotencyKey string) (*Charge, error) {
	body := map[string]any{
		"amount":   amount,
		"currency": currency,
		"source":   sourceToken,
	}
	var out Charge
	if err := g.do(ctx, http.MethodPost, "/charges", idempotencyKey, body, &out); err != nil {
		return nil, err
	}
	g.log.Info().Str("charge_id", out.ID).Str("status", out.Status).Msg("charge created")
	return &out, nil
}

// Refund issues a (full or partial) refund against paymentID.
func (g *HTTPGateway) Refund(ctx context.Context, paymentID string, amount int64, currency, reason, idempotencyKey string) (*RefundResult, error) {
	body := map[string]any{
		"payment_id": paymentID,
		"amount":     amount,
		"currency":   currency,
		"reason":     reason,
	}
	var out RefundResult
	if err := g.do(ctx, http.MethodPost, "/refunds", idempotencyKey, body, &out); err != nil {
		return nil, err
	}
	g.log.Info().Str("refund_id", out.ID).Int64("amount", amount).Msg("refund created")
	return &out, nil
}

// GetOrder fetches the gateway-side order, used to resolve a local order id
// from gateway metadata for checkout flows the synchronous path never saw.
func (g *HTTPGateway) GetOrder(ctx context.Context, gatewayOrderID string) (*GatewayOrder, error) {
	var out GatewayOrder
	if err := g.do(ctx, http.MethodGet, "/orders/"+gatewayOrderID, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Message string `json:"message"`
		}
		msg := string(raw)
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			msg = e.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
