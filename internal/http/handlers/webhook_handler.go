// Payment webhook HTTP handler.
//
// This file exposes the payment gateway's callback endpoint:
//   - POST /webhooks/payment
//
// The gateway delivers events at least once and retries until it receives a
// 2xx, so the response contract is deliberately asymmetric:
//   - a bad signature is rejected with 401 (the delivery is not ours),
//   - everything after a verified signature is acknowledged with 200, even
//     when processing failed. Failures are recorded durably and recovered by
//     a later trigger; returning 5xx here would only provoke a redelivery
//     storm for work the claim protocol already serializes.
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/printforge/go-orders-backend/internal/http/middleware"
	"github.com/printforge/go-orders-backend/internal/payments"
	"github.com/printforge/go-orders-backend/internal/services"
)

// WebhookAck is the acknowledgment body returned to the gateway.
type WebhookAck struct {
	// Received is always true on a 200 response.
	Received bool `json:"received" example:"true"`
	// Outcome reports what processing did with the event (informational).
	Outcome string `json:"outcome" example:"fulfilled"`
}

// PaymentWebhook godoc
// @ID          paymentWebhook
// @Summary     Payment gateway webhook
// @Description Receives signed payment events from the gateway. The signature covers the raw body.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       X-Gateway-Signature  header  string  true  "Hex HMAC-SHA256 of callback URL + raw body"
//
// @Success     200  {object}  handlers.WebhookAck
// @Failure     400  {object}  handlers.ErrorResponse  "Unreadable body"
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid signature"
// @Router      /webhooks/payment [post]
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	// The signature is computed over the exact bytes on the wire, so the body
	// must be read raw before any JSON binding.
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable request body")
		return
	}

	sig := c.GetHeader(payments.SignatureHeader)
	outcome, err := h.webhookSvc.Process(c.Request.Context(), rawBody, sig)
	if err != nil {
		if errors.Is(err, services.ErrBadSignature) {
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid webhook signature")
			return
		}
		// Verified but failed: acknowledge anyway, the failure is recorded
		// durably and will be retried by another trigger.
		lg := middleware.LoggerFrom(c)
		lg.Warn().Err(err).Msg("webhook processing failed, acknowledging")
	}

	middleware.ObserveCompletion("webhook", outcome.String())
	ok(c, http.StatusOK, WebhookAck{Received: true, Outcome: outcome.String()})
}
