package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"mediajobs/internal/domain"
)

// Webhook is a decoded provider push notification.
type Webhook struct {
	IdempotencyKey string
	ProviderJobID  string
	Result         domain.ProviderResult
}

type remoteOutput struct {
	URL             string   `json:"url"`
	MIME            string   `json:"mime"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	DurationSeconds *float64 `json:"duration_seconds"`
}

type remoteStatus struct {
	IdempotencyKey string         `json:"idempotency_key"`
	RequestID      string         `json:"request_id"`
	Status         string         `json:"status"`
	Outputs        []remoteOutput `json:"outputs"`
	Error          string         `json:"error"`
}

// DecodeWebhook parses a queue-protocol status document. Deliveries without an
// idempotency key are keyed by request id and status, which is stable across
// provider retries of the same transition.
func DecodeWebhook(body []byte) (Webhook, error) {
	var payload remoteStatus
	if err := json.Unmarshal(body, &payload); err != nil {
		return Webhook{}, fmt.Errorf("decode webhook: %w", domain.ErrInvalidRequest)
	}
	result, err := payload.result()
	if err != nil {
		return Webhook{}, err
	}
	key := strings.TrimSpace(payload.IdempotencyKey)
	if key == "" {
		if payload.RequestID == "" {
			return Webhook{}, fmt.Errorf("webhook without idempotency key or request id: %w", domain.ErrInvalidRequest)
		}
		key = payload.RequestID + ":" + strings.ToLower(strings.TrimSpace(payload.Status))
	}
	return Webhook{
		IdempotencyKey: key,
		ProviderJobID:  strings.TrimSpace(payload.RequestID),
		Result:         result,
	}, nil
}

func (s remoteStatus) result() (domain.ProviderResult, error) {
	state, ok := normalizeState(s.Status)
	if !ok {
		return domain.ProviderResult{}, fmt.Errorf("unknown provider status %q: %w", s.Status, domain.ErrInvalidRequest)
	}
	res := domain.ProviderResult{State: state, Error: strings.TrimSpace(s.Error)}
	for _, out := range s.Outputs {
		url := strings.TrimSpace(out.URL)
		if url == "" {
			continue
		}
		res.Outputs = append(res.Outputs, domain.OutputDescriptor{
			URL:             url,
			MIME:            out.MIME,
			Kind:            domain.KindForMIME(out.MIME),
			Width:           out.Width,
			Height:          out.Height,
			DurationSeconds: out.DurationSeconds,
		})
	}
	if (state == domain.ResultFailed || state == domain.ResultCancelled) && res.Error == "" {
		res.Error = "provider reported " + string(state)
	}
	return res, nil
}

func normalizeState(raw string) (domain.ResultState, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending", "running", "in_progress", "processing", "starting":
		return domain.ResultPending, true
	case "succeeded", "success", "completed", "done":
		return domain.ResultSucceeded, true
	case "failed", "error":
		return domain.ResultFailed, true
	case "cancelled", "canceled":
		return domain.ResultCancelled, true
	default:
		return "", false
	}
}
