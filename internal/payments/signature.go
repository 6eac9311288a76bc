// Package payments – webhook signature verification.
//
// The gateway signs every webhook with a keyed hash over the callback URL
// concatenated with the raw request body, delivered in a header. The
// comparison is constant-time; a bad signature must be rejected outright
// with no state mutation.
package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader is the request header carrying the webhook signature.
const SignatureHeader = "X-Gateway-Signature"

// Sign computes the hex-encoded HMAC-SHA256 of callbackURL+body under secret.
// Exposed so tests (and outbound sandbox tooling) can produce valid headers.
func Sign(secret, callbackURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(callbackURL))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the expected keyed hash
// for the raw body. The check is constant-time.
func VerifySignature(secret, callbackURL string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(secret, callbackURL, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
