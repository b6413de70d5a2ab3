package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
)

// maxDownloadBytes caps a single provider artifact.
const maxDownloadBytes = 512 << 20

// Transferer copies provider artifacts into the FileStore.
type Transferer struct {
	store      *FileStore
	httpClient *http.Client
	baseURL    string
	retries    int
	backoff    time.Duration
	logger     zerolog.Logger
}

// TransferOptions configures a Transferer.
type TransferOptions struct {
	// BaseURL is the public prefix stored keys are served under.
	BaseURL    string
	Retries    int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

func NewTransferer(store *FileStore, opts TransferOptions) *Transferer {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	return &Transferer{
		store:      store,
		httpClient: client,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		retries:    retries,
		backoff:    backoff,
		logger:     opts.Logger,
	}
}

// Transfer stores one output and returns its public file reference. Inline
// data is written directly; otherwise the URL is downloaded with retries.
func (t *Transferer) Transfer(ctx context.Context, jobID string, index int, desc domain.OutputDescriptor) (string, error) {
	data := desc.Data
	mime := desc.MIME
	if len(data) == 0 {
		if strings.TrimSpace(desc.URL) == "" {
			return "", errors.New("storage: output has neither data nor url")
		}
		var (
			contentType string
			err         error
		)
		data, contentType, err = t.downloadWithRetry(ctx, desc.URL)
		if err != nil {
			return "", err
		}
		if mime == "" {
			mime = contentType
		}
	}

	key := EnsureExtension(OutputKey(jobID, mime, index), mime)
	saved, err := t.store.Write(ctx, key, data)
	if err != nil {
		return "", err
	}
	return t.PublicURL(saved), nil
}

// PublicURL renders the URL a stored key is served at.
func (t *Transferer) PublicURL(key string) string {
	if t.baseURL == "" {
		return key
	}
	return t.baseURL + "/" + key
}

// KeyFromURL recovers the storage key from a reference produced by
// PublicURL. Provider URLs kept after a failed transfer yield false.
func (t *Transferer) KeyFromURL(ref string) (string, bool) {
	if t.baseURL == "" {
		if ref == "" || strings.Contains(ref, "://") {
			return "", false
		}
		return ref, true
	}
	if !strings.HasPrefix(ref, t.baseURL+"/") {
		return "", false
	}
	return strings.TrimPrefix(ref, t.baseURL+"/"), true
}

func (t *Transferer) downloadWithRetry(ctx context.Context, url string) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			wait := t.backoff * time.Duration(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}
		data, contentType, err := t.download(ctx, url)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err
		t.logger.Debug().Err(err).Str("url", url).Int("attempt", attempt+1).Msg("storage: download attempt failed")
	}
	return nil, "", fmt.Errorf("storage: download %s: %w", url, lastErr)
}

func (t *Transferer) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, "", errors.New("artifact too large")
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty artifact")
	}
	contentType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	return data, contentType, nil
}
