// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements Idempotency-Key handling for the unsafe order
// endpoints. Checkout and completion requests are retried by storefront
// clients on timeouts, so a stable key lets a retry replay the stored
// outcome instead of creating a second order or double-submitting to the
// print partner. The middleware validates the header, stashes the key in the
// request context, and asks a caller-supplied lookup whether a completed
// result already exists for (user, route, key). Serving the replayed payload
// stays with the handler.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header carrying the client's
// idempotency key. Clients keep the value stable across retries of the same
// semantic operation, e.g. one checkout attempt.
const HeaderIdempotencyKey = "Idempotency-Key"

// Context keys stashed by the validator and read back via the helpers below.
const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: a stored result exists for this key
	ctxKeyRateBypass = "rate.bypass" // bool: skip rate limiting for this request
)

// GetIdempotencyKey returns the validated key stored by IdempotencyValidator.
// Handlers read the key through this helper rather than the raw header so
// they only ever see values that passed validation.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether this request repeats an already completed
// operation. Handlers use it to return the persisted order instead of
// running checkout or the completion pipeline again.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures header validation. TTL enforcement lives in
// the lookup, not here; the middleware only decides whether the header is
// well formed.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
}

// IdempotencyLookup reports whether a successful, unexpired result exists for
// (userID, scope, key) at now. Scope is the matched route pattern, so one key
// can be reused across different operations without colliding. Errors mean
// the lookup itself failed and must not block the request.
type IdempotencyLookup func(ctx context.Context, userID, scope, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator validates the Idempotency-Key header when present,
// stashes the key, and flags the request as a replay when the lookup finds a
// prior result. Replays also get the rate-limit bypass flag: a storefront
// retrying a timed-out checkout should not be pushed into 429s, which would
// only produce more retries.
//
// Requests without the header pass through untouched. A malformed header is
// rejected with 400 before any handler runs.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}

		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			uid := userIDFromCtx(c)
			scope := c.FullPath() // e.g. /api/v1/orders/:id/complete
			now := time.Now().UTC()

			if exists, _ := lookup(c.Request.Context(), uid, scope, key, now); exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}

		c.Next()
	}
}

// userIDFromCtx extracts the authenticated user id set by upstream auth
// middleware, falling back to "demo-user" when the service runs without auth
// in development.
func userIDFromCtx(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "demo-user"
}
