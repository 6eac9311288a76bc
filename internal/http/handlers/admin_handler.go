// Admin HTTP handlers.
//
// This file exposes operator endpoints for correcting orders after
// fulfillment has been submitted:
//   - POST  /admin/orders/{id}/cancel     (cancel at the partner + full refund)
//   - PUT   /admin/orders/{id}/recipient  (change address, postal code immutable)
//   - PUT   /admin/orders/{id}/shipping   (downgrade method + partial refund)
//   - PATCH /admin/orders/{id}/metadata   (merge-patch the metadata bag)
//   - POST  /admin/orders/{id}/retry      (re-run fulfillment for a paid order)
//   - GET   /admin/orders/{id}/errors     (page through the processing-error log)
//
// Partner-gated actions surface the partner's availability reason verbatim in
// a 409 so operators see exactly why an action was refused.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/printforge/go-orders-backend/internal/domain"
	"github.com/printforge/go-orders-backend/internal/http/middleware"
	"github.com/printforge/go-orders-backend/internal/services"
	"github.com/printforge/go-orders-backend/internal/utils"
)

//
// DTOs
//

// UpdateShippingRequest is the JSON payload for the shipping downgrade.
type UpdateShippingRequest struct {
	// Method must be strictly cheaper than the order's current method.
	Method string `json:"method" binding:"required" example:"budget"`
}

// PatchMetadataRequest is the JSON payload for the metadata merge-patch.
// A null value deletes the key.
type PatchMetadataRequest map[string]any

// ListErrorsResponse wraps a page of processing errors.
type ListErrorsResponse struct {
	Errors []domain.ProcessingError `json:"errors"`
	Offset int                      `json:"offset"`
	Limit  int                      `json:"limit"`
}

// RetryResponse reports the outcome of a manual fulfillment retry.
type RetryResponse struct {
	Outcome string `json:"outcome" example:"fulfilled"`
}

// adminOrderID validates the path parameter shared by all admin endpoints.
func adminOrderID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order id must be a UUID")
		return "", false
	}
	return id, true
}

// failCompensation maps the shared compensating-action error taxonomy onto
// HTTP responses. Returns true when the error was handled.
func failCompensation(c *gin.Context, err error) bool {
	var unavailable *services.ActionUnavailableError
	switch {
	case err == nil:
		return false
	case errors.Is(err, services.ErrOrderNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "order not found")
	case errors.Is(err, services.ErrOrderCanceled):
		fail(c, http.StatusConflict, ErrCodeConflict, "order is canceled")
	case errors.Is(err, services.ErrNotFulfilled):
		fail(c, http.StatusConflict, ErrCodeConflict, "order has no fulfillment yet")
	case errors.As(err, &unavailable):
		fail(c, http.StatusConflict, ErrCodeActionUnavailable, unavailable.Reason)
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
	return true
}

//
// Handlers
//

// CancelOrder godoc
// @ID          cancelOrder
// @Summary     Cancel a fulfilled order
// @Description Cancels the partner order and refunds the full charge. The local
// @Description cancellation is recorded even when the refund fails; the refund
// @Description error is then reported for retry.
// @Tags        Admin
// @Produce     json
//
// @Param       id  path  string  true  "Order ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Order not found"
// @Failure     409  {object} handlers.ErrorResponse "Action unavailable"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/orders/{id}/cancel [post]
func (h *Handlers) CancelOrder(c *gin.Context) {
	orderID, okID := adminOrderID(c)
	if !okID {
		return
	}

	err := h.adminSvc.Cancel(c.Request.Context(), orderID)
	if errors.Is(err, services.ErrNothingToCancel) {
		fail(c, http.StatusConflict, ErrCodeConflict, "order has no fulfillment to cancel")
		return
	}
	if failCompensation(c, err) {
		return
	}
	noContent(c)
}

// UpdateRecipient godoc
// @ID          updateRecipient
// @Summary     Update the shipping address
// @Description Changes the recipient on the partner order and locally. Postal
// @Description code changes are rejected; create a new order instead.
// @Tags        Admin
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Order ID (UUID)"  format(uuid)
// @Param       body  body  handlers.RecipientRequest  true  "New recipient"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request or postal code change"
// @Failure     404  {object} handlers.ErrorResponse "Order not found"
// @Failure     409  {object} handlers.ErrorResponse "Action unavailable"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/orders/{id}/recipient [put]
func (h *Handlers) UpdateRecipient(c *gin.Context) {
	orderID, okID := adminOrderID(c)
	if !okID {
		return
	}

	var req RecipientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid recipient payload")
		return
	}

	err := h.adminSvc.UpdateRecipient(c.Request.Context(), orderID, req.toDomain())
	if errors.Is(err, services.ErrPostalCodeChange) {
		fail(c, http.StatusBadRequest, ErrCodePostalCodeChange, "postal code cannot be changed on an existing order")
		return
	}
	if failCompensation(c, err) {
		return
	}
	noContent(c)
}

// UpdateShipping godoc
// @ID          updateShipping
// @Summary     Downgrade the shipping method
// @Description Moves the order to a strictly cheaper shipping method at the
// @Description partner and refunds the price difference.
// @Tags        Admin
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Order ID (UUID)"  format(uuid)
// @Param       body  body  handlers.UpdateShippingRequest  true  "New shipping method"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request or not a downgrade"
// @Failure     404  {object} handlers.ErrorResponse "Order not found"
// @Failure     409  {object} handlers.ErrorResponse "Action unavailable"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/orders/{id}/shipping [put]
func (h *Handlers) UpdateShipping(c *gin.Context) {
	orderID, okID := adminOrderID(c)
	if !okID {
		return
	}

	var req UpdateShippingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "method required")
		return
	}

	err := h.adminSvc.DowngradeShipping(c.Request.Context(), orderID, strings.ToLower(strings.TrimSpace(req.Method)))
	switch {
	case errors.Is(err, services.ErrUnknownShippingMethod):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown shipping method")
		return
	case errors.Is(err, services.ErrShippingNotCheaper):
		fail(c, http.StatusBadRequest, ErrCodeShippingNotCheaper, "new method must be cheaper than the current one")
		return
	}
	if failCompensation(c, err) {
		return
	}
	noContent(c)
}

// PatchMetadata godoc
// @ID          patchOrderMetadata
// @Summary     Merge-patch order metadata
// @Description Merges the given keys into the order metadata bag and echoes the
// @Description patch to the partner order when one exists. Null values delete keys.
// @Tags        Admin
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Order ID (UUID)"  format(uuid)
// @Param       body  body  handlers.PatchMetadataRequest  true  "Metadata patch"
//
// @Success     200  {object} domain.JSONMap "Resulting metadata"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Order not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/orders/{id}/metadata [patch]
func (h *Handlers) PatchMetadata(c *gin.Context) {
	orderID, okID := adminOrderID(c)
	if !okID {
		return
	}

	var req PatchMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "non-empty JSON object required")
		return
	}

	merged, err := h.adminSvc.PatchMetadata(c.Request.Context(), orderID, domain.JSONMap(req))
	if failCompensation(c, err) {
		return
	}
	ok(c, http.StatusOK, merged)
}

// RetryFulfillment godoc
// @ID          retryFulfillment
// @Summary     Retry fulfillment for a paid order
// @Description Re-runs the fulfillment pipeline for an order that is completed
// @Description but has no partner order yet (a prior attempt failed).
// @Tags        Admin
// @Produce     json
//
// @Param       id  path  string  true  "Order ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.RetryResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Order not found"
// @Failure     409  {object} handlers.ErrorResponse "Order canceled"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/orders/{id}/retry [post]
func (h *Handlers) RetryFulfillment(c *gin.Context) {
	orderID, okID := adminOrderID(c)
	if !okID {
		return
	}

	outcome, err := h.adminSvc.RetryFulfillment(c.Request.Context(), orderID)
	if err != nil && outcome == services.OutcomeFailed && !errors.Is(err, services.ErrOrderNotFound) && !errors.Is(err, services.ErrOrderCanceled) {
		// A failed attempt is recorded durably; report it but keep the
		// response shape so operators can inspect and retry again.
		middleware.ObserveCompletion("retry", outcome.String())
		ok(c, http.StatusOK, RetryResponse{Outcome: outcome.String()})
		return
	}
	if failCompensation(c, err) {
		return
	}
	middleware.ObserveCompletion("retry", outcome.String())
	ok(c, http.StatusOK, RetryResponse{Outcome: outcome.String()})
}

// ListProcessingErrors godoc
// @ID          listProcessingErrors
// @Summary     List processing errors for an order
// @Description Returns a page of the durable error log, newest first.
// @Tags        Admin
// @Produce     json
//
// @Param       id      path   string  true  "Order ID (UUID)"  format(uuid)
// @Param       offset  query  int     false "Rows to skip"     minimum(0) default(0)
// @Param       limit   query  int     false "Page size"        minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListErrorsResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/orders/{id}/errors [get]
func (h *Handlers) ListProcessingErrors(c *gin.Context) {
	orderID, okID := adminOrderID(c)
	if !okID {
		return
	}

	offset := utils.AtoiDefault(c.Query("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	limit := utils.ClampLimit(c.Query("limit"), 20, 100)

	items, err := h.adminSvc.ListErrors(c.Request.Context(), orderID, offset, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if items == nil {
		items = []domain.ProcessingError{}
	}
	ok(c, http.StatusOK, ListErrorsResponse{Errors: items, Offset: offset, Limit: limit})
}
