// Package auth signs and verifies request bodies with a shared secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// HeaderSignature carries the base64 HMAC of the raw request body.
const HeaderSignature = "X-HMAC-Signature"

// Sign returns base64(HMAC-SHA256(secret, body)).
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body. The comparison is constant time.
func Verify(secret, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
