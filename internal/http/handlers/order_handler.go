// Order HTTP handlers.
//
// This file exposes REST endpoints for order resources:
//   - POST /orders                (create a pending order)
//   - GET  /orders/{id}           (fetch one order, owner only)
//   - POST /orders/{id}/complete  (charge and trigger fulfillment)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. The complete endpoint supports
// idempotency via the Idempotency-Key header (same key → same order returned).
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/printforge/go-orders-backend/internal/domain"
	"github.com/printforge/go-orders-backend/internal/http/middleware"
	"github.com/printforge/go-orders-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// OrderService defines the customer-facing order operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type OrderService interface {
	// CreateOrder persists a new pending order for userID.
	CreateOrder(ctx context.Context, userID string, in services.CheckoutInput) (*domain.Order, error)
	// GetOrder returns an order that belongs to userID.
	GetOrder(ctx context.Context, userID, orderID string) (*domain.Order, error)
	// CompletePayment charges the order and triggers fulfillment.
	CompletePayment(ctx context.Context, userID, orderID, sourceToken string) (*domain.Order, services.CompletionOutcome, error)
}

// WebhookProcessor handles raw payment-gateway webhook deliveries.
type WebhookProcessor interface {
	// Process verifies, deduplicates, and dispatches one webhook delivery.
	Process(ctx context.Context, rawBody []byte, signature string) (services.CompletionOutcome, error)
}

// ReplayStore records which order a (user, endpoint, Idempotency-Key) triple
// produced and returns it on a retried request. A nil store disables replay;
// the endpoints still work, retries just create fresh resources.
type ReplayStore interface {
	// FindOrder returns the order a previous request with the same key
	// produced, or an error when no live record exists.
	FindOrder(ctx context.Context, userID, scope, key string) (*domain.Order, error)
	// Record remembers the (key → order) binding together with the status
	// the original response carried.
	Record(ctx context.Context, userID, scope, key, orderID string, status int) error
}

// AdminOrderService defines operator-facing corrections on existing orders.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type AdminOrderService interface {
	// Cancel cancels the partner order and refunds the charge.
	Cancel(ctx context.Context, orderID string) error
	// UpdateRecipient changes the shipping address (postal code immutable).
	UpdateRecipient(ctx context.Context, orderID string, r domain.Recipient) error
	// DowngradeShipping moves to a strictly cheaper method and refunds the delta.
	DowngradeShipping(ctx context.Context, orderID, newMethod string) error
	// PatchMetadata merge-patches the order metadata bag.
	PatchMetadata(ctx context.Context, orderID string, patch domain.JSONMap) (domain.JSONMap, error)
	// RetryFulfillment re-runs the completion pipeline for a paid, unfulfilled order.
	RetryFulfillment(ctx context.Context, orderID string) (services.CompletionOutcome, error)
	// ListErrors returns a page of the durable processing-error log.
	ListErrors(ctx context.Context, orderID string, offset, limit int) ([]domain.ProcessingError, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for orders, webhooks, and admin corrections.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	orderSvc   OrderService
	webhookSvc WebhookProcessor
	adminSvc   AdminOrderService
	replays    ReplayStore
}

// New constructs and returns a Handlers instance bound to the given services.
// replays may be nil, which disables idempotent replay on the POST endpoints.
func New(orderSvc OrderService, webhookSvc WebhookProcessor, adminSvc AdminOrderService, replays ReplayStore) *Handlers {
	return &Handlers{orderSvc: orderSvc, webhookSvc: webhookSvc, adminSvc: adminSvc, replays: replays}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// OrderItemRequest is one requested line in a create-order payload.
type OrderItemRequest struct {
	// SKU is the internal product code, including the internal prefix.
	SKU string `json:"sku" binding:"required,min=1" example:"US-TEE-SS-ABC123"`
	// Copies defaults to 1 when omitted or non-positive.
	Copies int `json:"copies" example:"2"`
	// UnitPrice is the per-copy price in minor units.
	UnitPrice int64 `json:"unit_price" binding:"required,min=0" example:"2499"`
	// Size is the internal size code (e.g. s, m, l, xl).
	Size string `json:"size" example:"m"`
	// Color is the internal color name (e.g. black, heather-gray).
	Color string `json:"color" example:"black"`
	// DesignURL points at the customer's uploaded artwork.
	DesignURL string `json:"design_url" binding:"required,url" example:"https://cdn.example.com/designs/abc.png"`
}

// RecipientRequest is the shipping address in order payloads.
type RecipientRequest struct {
	Name     string `json:"name" binding:"required" example:"Jane Doe"`
	Address1 string `json:"address1" binding:"required" example:"Musterstr. 1"`
	Address2 string `json:"address2" example:""`
	City     string `json:"city" binding:"required" example:"Berlin"`
	State    string `json:"state" example:""`
	Country  string `json:"country" binding:"required,len=2" example:"DE"`
	Zip      string `json:"zip" binding:"required" example:"10115"`
	Email    string `json:"email" example:"jane@example.com"`
	Phone    string `json:"phone" example:""`
}

// CreateOrderRequest is the JSON payload for creating an order.
type CreateOrderRequest struct {
	Currency       string             `json:"currency" example:"EUR"`
	ShippingMethod string             `json:"shipping_method" example:"standard"`
	DiscountCode   string             `json:"discount_code" example:"WELCOME10"`
	Recipient      RecipientRequest   `json:"recipient" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
}

// CompletePaymentRequest is the JSON payload for the complete endpoint.
type CompletePaymentRequest struct {
	// SourceToken is the tokenized payment instrument from the client SDK.
	SourceToken string `json:"source_token" binding:"required" example:"tok_visa_4242"`
}

// CompletePaymentResponse wraps the refreshed order and the pipeline outcome.
type CompletePaymentResponse struct {
	Order *domain.Order `json:"order"`
	// Outcome is one of: fulfilled, already_fulfilled, already_claimed,
	// pending, failed.
	Outcome string `json:"outcome" example:"fulfilled"`
}

func (r RecipientRequest) toDomain() domain.Recipient {
	return domain.Recipient{
		Name:     strings.TrimSpace(r.Name),
		Address1: strings.TrimSpace(r.Address1),
		Address2: strings.TrimSpace(r.Address2),
		City:     strings.TrimSpace(r.City),
		State:    strings.TrimSpace(r.State),
		Country:  strings.ToUpper(strings.TrimSpace(r.Country)),
		Zip:      strings.TrimSpace(r.Zip),
		Email:    strings.TrimSpace(r.Email),
		Phone:    strings.TrimSpace(r.Phone),
	}
}

//
// Handlers
//

// CreateOrder godoc
// @ID          createOrder
// @Summary     Create a new order
// @Description Creates a pending order for the current user and returns the order resource.
// @Description Supports idempotency via the Idempotency-Key header (same key → same order).
// @Tags        Orders
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.CreateOrderRequest  true  "Create order payload"
//
// @Success     201  {object}  domain.Order
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /orders [post]
func (h *Handlers) CreateOrder(c *gin.Context) {
	ctx := c.Request.Context()
	currentUser := userID(c)

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" && h.replays != nil {
		if prev, err := h.replays.FindOrder(ctx, currentUser, c.FullPath(), idemKey); err == nil && prev != nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, prev)
			return
		}
	}

	o, err := h.orderSvc.CreateOrder(ctx, currentUser, services.CheckoutInput{
		Currency:       req.Currency,
		ShippingMethod: req.ShippingMethod,
		DiscountCode:   req.DiscountCode,
		Recipient:      req.Recipient.toDomain(),
		Items:          toCheckoutItems(req.Items),
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyOrder):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "at least one item required")
		case errors.Is(err, services.ErrUnknownShippingMethod):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown shipping method")
		case errors.Is(err, services.ErrDiscountNotFound):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown discount code")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && h.replays != nil {
		_ = h.replays.Record(ctx, currentUser, c.FullPath(), idemKey, o.ID, http.StatusCreated)
	}

	ok(c, http.StatusCreated, o)
}

// toCheckoutItems maps request lines to service inputs.
func toCheckoutItems(in []OrderItemRequest) []services.CheckoutItem {
	out := make([]services.CheckoutItem, 0, len(in))
	for _, it := range in {
		out = append(out, services.CheckoutItem{
			SKU:       strings.TrimSpace(it.SKU),
			Copies:    it.Copies,
			UnitPrice: it.UnitPrice,
			Size:      strings.ToLower(strings.TrimSpace(it.Size)),
			Color:     strings.ToLower(strings.TrimSpace(it.Color)),
			DesignURL: strings.TrimSpace(it.DesignURL),
		})
	}
	return out
}

// GetOrder godoc
// @ID          getOrder
// @Summary     Fetch one order
// @Description Returns the order with its items. Owner only.
// @Tags        Orders
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Order ID (UUID)"        format(uuid)
//
// @Success     200  {object}  domain.Order
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Order not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /orders/{id} [get]
func (h *Handlers) GetOrder(c *gin.Context) {
	orderID := c.Param("id")
	if _, err := uuid.Parse(orderID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order id must be a UUID")
		return
	}

	o, err := h.orderSvc.GetOrder(c.Request.Context(), userID(c), orderID)
	if err != nil {
		if errors.Is(err, services.ErrOrderNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "order not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, o)
}

// CompletePayment godoc
// @ID          completePayment
// @Summary     Complete payment for an order
// @Description Charges the payment gateway and, on success, submits the order for fulfillment.
// @Description A fulfillment failure after a successful charge still returns 200; recovery is asynchronous.
// @Tags        Orders
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"
// @Param       id               path    string  true  "Order ID (UUID)"        format(uuid)
// @Param       body             body    handlers.CompletePaymentRequest  true  "Payment payload"
//
// @Success     200  {object}  handlers.CompletePaymentResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     402  {object}  handlers.ErrorResponse  "Payment failed"
// @Failure     404  {object}  handlers.ErrorResponse  "Order not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Order canceled"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /orders/{id}/complete [post]
func (h *Handlers) CompletePayment(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := c.Param("id")
	if _, err := uuid.Parse(orderID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order id must be a UUID")
		return
	}

	var req CompletePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "source_token required")
		return
	}

	currentUser := userID(c)

	// Idempotency (replay path): a replayed completion returns the current
	// order state. The charge itself is also idempotent gateway-side.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" && h.replays != nil {
		if prev, err := h.replays.FindOrder(ctx, currentUser, c.FullPath(), idemKey); err == nil && prev != nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, CompletePaymentResponse{Order: prev, Outcome: services.OutcomeAlreadyFulfilled.String()})
			return
		}
	}

	o, outcome, err := h.orderSvc.CompletePayment(ctx, currentUser, orderID, req.SourceToken)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrOrderNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "order not found")
		case errors.Is(err, services.ErrOrderCanceled):
			fail(c, http.StatusConflict, ErrCodeConflict, "order is canceled")
		case errors.Is(err, services.ErrChargeFailed):
			fail(c, http.StatusPaymentRequired, ErrCodePaymentFailed, "payment was declined")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && h.replays != nil {
		_ = h.replays.Record(ctx, currentUser, c.FullPath(), idemKey, o.ID, http.StatusOK)
	}

	middleware.ObserveCompletion("request", outcome.String())
	ok(c, http.StatusOK, CompletePaymentResponse{Order: o, Outcome: outcome.String()})
}
