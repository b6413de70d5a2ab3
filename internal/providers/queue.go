package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
)

// ErrMissingAPIKey indicates that the queue client has no credentials.
var ErrMissingAPIKey = errors.New("queue: api key is required")

// KeySource resolves the API key lazily, e.g. from the integration token store.
type KeySource func(ctx context.Context) (string, error)

// QueueOptions configures the HTTP queue provider client.
type QueueOptions struct {
	BaseURL        string
	APIKey         string
	KeySource      KeySource
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Queue talks to a generic JSON job-queue API:
// POST {base}/requests submits, GET {base}/requests/{id} reports status.
type Queue struct {
	baseURL    string
	apiKey     string
	keySource  KeySource
	httpClient *http.Client
	logger     *infra.Logger
}

type queueSubmitRequest struct {
	Model          string         `json:"model"`
	Prompt         string         `json:"prompt"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	WebhookURL     string         `json:"webhook_url,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type queueErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewQueue constructs a client with defaults for unset options.
func NewQueue(opts QueueOptions) (*Queue, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("queue: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("queue: invalid base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	return &Queue{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		keySource:  opts.KeySource,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Submit enqueues the job. Providers may answer with a terminal status right
// away; that is returned as a synchronous result.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	payload := queueSubmitRequest{
		Model:          req.ModelID,
		Prompt:         req.Prompt,
		Parameters:     req.Parameters,
		WebhookURL:     req.CallbackURL,
		IdempotencyKey: req.JobID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Submission{}, fmt.Errorf("queue: encode request: %w", err)
	}

	var status remoteStatus
	if err := q.do(ctx, http.MethodPost, q.baseURL+"/requests", body, &status); err != nil {
		return Submission{}, err
	}
	if strings.TrimSpace(status.RequestID) == "" {
		return Submission{}, errors.New("queue: response without request_id")
	}
	q.logger.Debug().
		Str("job_id", req.JobID).
		Str("request_id", status.RequestID).
		Str("status", status.Status).
		Msg("queue: submitted")

	sub := Submission{ProviderJobID: status.RequestID}
	if status.Status != "" {
		res, err := status.result()
		if err != nil {
			return Submission{}, err
		}
		if res.State != domain.ResultPending {
			sub.Result = &res
		}
	}
	return sub, nil
}

// Poll fetches the current status of a request.
func (q *Queue) Poll(ctx context.Context, providerJobID string) (domain.ProviderResult, error) {
	if strings.TrimSpace(providerJobID) == "" {
		return domain.ProviderResult{}, errors.New("queue: request id is required")
	}
	var status remoteStatus
	endpoint := q.baseURL + "/requests/" + url.PathEscape(providerJobID)
	if err := q.do(ctx, http.MethodGet, endpoint, nil, &status); err != nil {
		return domain.ProviderResult{}, err
	}
	return status.result()
}

func (q *Queue) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	key, err := q.key(ctx)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("queue: build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := q.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("queue: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("queue: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail queueErrorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return fmt.Errorf("queue: %s (%s)", detail.Message, detail.Code)
		}
		return fmt.Errorf("queue: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("queue: decode response: %w", err)
	}
	return nil
}

func (q *Queue) key(ctx context.Context) (string, error) {
	if q.apiKey != "" {
		return q.apiKey, nil
	}
	if q.keySource != nil {
		key, err := q.keySource(ctx)
		if err != nil {
			return "", fmt.Errorf("queue: load api key: %w", err)
		}
		if key = strings.TrimSpace(key); key != "" {
			return key, nil
		}
	}
	return "", ErrMissingAPIKey
}

var (
	_ Backend = (*Queue)(nil)
	_ Poller  = (*Queue)(nil)
)
