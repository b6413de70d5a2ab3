package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

const (
	SignatureHeader     = "X-Webhook-Signature"
	InternalTokenHeader = "X-Internal-Token"

	maxWebhookBody = 1 << 20
)

// SignBody returns the hex HMAC-SHA256 of body, prefixed the way providers
// send it.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WebhookSignature rejects requests whose body does not match the
// X-Webhook-Signature HMAC. The verified body is restored for the handler.
func WebhookSignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "webhooks are not configured")
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
			if err != nil || len(body) > maxWebhookBody {
				writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
				return
			}
			got := strings.ToLower(strings.TrimSpace(r.Header.Get(SignatureHeader)))
			if !strings.HasPrefix(got, "sha256=") {
				got = "sha256=" + got
			}
			if !hmac.Equal([]byte(got), []byte(SignBody(secret, body))) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// InternalToken guards service-to-service endpoints with a shared token.
func InternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid internal token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
