// Package apiclient talks to the job API over HTTP. Its SSE subscription
// satisfies domain.EventSubscriber so remote viewers can drive the same
// merge as in-process ones.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mediajobs/internal/domain"
)

// Error is a non-2xx API answer.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps API error codes back onto the domain sentinels.
func (e *Error) Unwrap() error {
	switch e.Code {
	case "not_found":
		return domain.ErrNotFound
	case "bad_request":
		return domain.ErrInvalidRequest
	case "unknown_model":
		return domain.ErrUnknownModel
	case "not_terminal":
		return domain.ErrNotTerminal
	case "already_terminal":
		return domain.ErrAlreadyTerminal
	case "unsupported":
		return domain.ErrCapability
	case "provider_failure":
		return domain.ErrProviderFailure
	case "unauthorized":
		return domain.ErrUnauthorized
	}
	return nil
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client for baseURL. token, when set, is sent as a bearer
// token and recorded by the server as the job owner.
func New(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

type CreateRequest struct {
	SessionID  string         `json:"sessionId"`
	ModelID    string         `json:"modelId"`
	Prompt     string         `json:"prompt"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Page is one feed page.
type Page struct {
	Data       []domain.Job
	NextCursor string
	HasMore    bool
}

// Reconciled is the answer of resync and continue.
type Reconciled struct {
	Outcome string
	Job     *domain.Job
}

type jobWire struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"sessionId"`
	OwnerID    string            `json:"ownerId"`
	ModelID    string            `json:"modelId"`
	Prompt     string            `json:"prompt"`
	Status     domain.JobStatus  `json:"status"`
	Parameters domain.Parameters `json:"parameters"`
	Outputs    []domain.Output   `json:"outputs"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

func (w jobWire) job() *domain.Job {
	return &domain.Job{
		ID:         w.ID,
		SessionID:  w.SessionID,
		OwnerID:    w.OwnerID,
		ModelID:    w.ModelID,
		Prompt:     w.Prompt,
		Parameters: w.Parameters,
		Status:     w.Status,
		Outputs:    w.Outputs,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
	}
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (*domain.Job, error) {
	var out jobWire
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &out); err != nil {
		return nil, err
	}
	return out.job(), nil
}

func (c *Client) Page(ctx context.Context, sessionID, cursor string, limit int) (Page, error) {
	q := url.Values{"sessionId": {sessionID}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Data       []jobWire `json:"data"`
		NextCursor *string   `json:"nextCursor"`
		HasMore    bool      `json:"hasMore"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/jobs?"+q.Encode(), nil, &out); err != nil {
		return Page{}, err
	}
	page := Page{Data: make([]domain.Job, 0, len(out.Data)), HasMore: out.HasMore}
	for _, w := range out.Data {
		page.Data = append(page.Data, *w.job())
	}
	if out.NextCursor != nil {
		page.NextCursor = *out.NextCursor
	}
	return page, nil
}

// All walks every page of a session's feed.
func (c *Client) All(ctx context.Context, sessionID string, limit int) ([]domain.Job, error) {
	var (
		all    []domain.Job
		cursor string
	)
	for {
		page, err := c.Page(ctx, sessionID, cursor, limit)
		if err != nil {
			return all, err
		}
		all = append(all, page.Data...)
		if !page.HasMore || page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var out jobWire
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return out.job(), nil
}

func (c *Client) Resync(ctx context.Context, jobID string) (Reconciled, error) {
	var out struct {
		Outcome string   `json:"outcome"`
		Job     *jobWire `json:"job"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/resync", nil, &out); err != nil {
		return Reconciled{}, err
	}
	res := Reconciled{Outcome: out.Outcome}
	if out.Job != nil {
		res.Job = out.Job.job()
	}
	return res, nil
}

func (c *Client) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	var out jobWire
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return out.job(), nil
}

func (c *Client) Delete(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode, Code: "http_error", Message: resp.Status}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) == nil && body.Error.Code != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	return apiErr
}
