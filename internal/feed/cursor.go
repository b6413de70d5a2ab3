package feed

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediajobs/internal/domain"
)

// Codec turns page boundaries into opaque signed tokens. Clients round-trip
// them verbatim; anything that does not verify decodes as "no cursor".
type Codec struct {
	secret []byte
}

type cursorPayload struct {
	CreatedAt string `json:"t"`
	ID        string `json:"i"`
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Encode signs key.
func (c *Codec) Encode(key domain.PageKey) string {
	raw, _ := json.Marshal(cursorPayload{
		CreatedAt: key.CreatedAt.UTC().Format(time.RFC3339Nano),
		ID:        key.ID,
	})
	body := base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + base64.RawURLEncoding.EncodeToString(c.sign(body))
}

// Decode verifies token and returns the boundary it carries.
func (c *Codec) Decode(token string) (*domain.PageKey, bool) {
	body, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || body == "" {
		return nil, false
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(gotSig, c.sign(body)) {
		return nil, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, false
	}
	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	createdAt, err := time.Parse(time.RFC3339Nano, payload.CreatedAt)
	if err != nil {
		return nil, false
	}
	if _, err := uuid.Parse(payload.ID); err != nil {
		return nil, false
	}
	return &domain.PageKey{CreatedAt: createdAt.UTC(), ID: payload.ID}, true
}

func (c *Codec) sign(body string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte("feed-cursor:v1:"))
	mac.Write([]byte(body))
	return mac.Sum(nil)[:16]
}
