package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mediajobs/internal/domain"
)

// OwnerClaims is the payload of an owner token: an HS256 JWT whose subject
// is the account that submits jobs.
type OwnerClaims struct {
	Owner     string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

type ownerCtxKey struct{}

var ownerTokenHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// IssueOwnerToken mints a token naming owner. A non-positive ttl never expires.
func IssueOwnerToken(secret, owner string, ttl time.Duration, now time.Time) (string, error) {
	owner = strings.TrimSpace(owner)
	if secret == "" || owner == "" {
		return "", fmt.Errorf("owner token needs a secret and an owner: %w", domain.ErrInvalidRequest)
	}
	claims := OwnerClaims{Owner: owner, IssuedAt: now.Unix()}
	if ttl > 0 {
		claims.ExpiresAt = now.Add(ttl).Unix()
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signed := ownerTokenHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signed + "." + ownerTokenMAC(secret, signed), nil
}

// ParseOwnerToken verifies token and returns its owner. Every failure wraps
// domain.ErrUnauthorized.
func ParseOwnerToken(secret, token string, now time.Time) (string, error) {
	header, payload, sig, ok := splitToken(token)
	if !ok || header != ownerTokenHeader {
		return "", fmt.Errorf("malformed owner token: %w", domain.ErrUnauthorized)
	}
	if !hmac.Equal([]byte(sig), []byte(ownerTokenMAC(secret, header+"."+payload))) {
		return "", fmt.Errorf("owner token signature: %w", domain.ErrUnauthorized)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("owner token payload: %w", domain.ErrUnauthorized)
	}
	var claims OwnerClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return "", fmt.Errorf("owner token payload: %w", domain.ErrUnauthorized)
	}
	if claims.ExpiresAt != 0 && now.Unix() >= claims.ExpiresAt {
		return "", fmt.Errorf("owner token expired: %w", domain.ErrUnauthorized)
	}
	if strings.TrimSpace(claims.Owner) == "" {
		return "", fmt.Errorf("owner token without subject: %w", domain.ErrUnauthorized)
	}
	return claims.Owner, nil
}

func splitToken(token string) (header, payload, sig string, ok bool) {
	header, rest, ok := strings.Cut(token, ".")
	if !ok {
		return "", "", "", false
	}
	payload, sig, ok = strings.Cut(rest, ".")
	if !ok || strings.Contains(sig, ".") {
		return "", "", "", false
	}
	return header, payload, sig, true
}

func ownerTokenMAC(secret, signed string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// OptionalAuth attaches the owner named by a bearer token to the request.
// Anonymous requests pass through since jobs are scoped by session; a token
// that is present but invalid is rejected. An empty secret disables it.
func OptionalAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if authz == "" {
				next.ServeHTTP(w, r)
				return
			}
			scheme, token, _ := strings.Cut(authz, " ")
			if !strings.EqualFold(scheme, "Bearer") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "expected a bearer token")
				return
			}
			owner, err := ParseOwnerToken(secret, strings.TrimSpace(token), time.Now())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid owner token")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithOwnerID(r.Context(), owner)))
		})
	}
}

// OwnerIDFromContext returns the authenticated owner, or "" for anonymous
// requests.
func OwnerIDFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerCtxKey{}).(string)
	return owner
}

func ContextWithOwnerID(ctx context.Context, ownerID string) context.Context {
	if strings.TrimSpace(ownerID) == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerCtxKey{}, ownerID)
}

func writeError(w http.ResponseWriter, code int, codeStr, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": codeStr, "message": msg},
	})
}
