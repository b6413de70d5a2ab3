package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediajobs/internal/infra"
	"mediajobs/internal/sqlinline"
)

// ProviderQueue names the HTTP queue provider's key.
const ProviderQueue = "queue"

// Store keeps provider API keys in integration_tokens so operators can rotate
// them without redeploying.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// QueueAPIKey returns the stored queue provider key, or "" if none is set.
func (s *Store) QueueAPIKey(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderQueue)
}

func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// SetToken stores token for provider with optional properties.
func (s *Store) SetToken(ctx context.Context, provider, token string, props map[string]any) error {
	provider = strings.TrimSpace(provider)
	token = strings.TrimSpace(token)
	if provider == "" {
		return errors.New("provider is required")
	}
	if token == "" {
		return fmt.Errorf("%s api key is required", provider)
	}
	return s.upsert(ctx, provider, token, props)
}

// Delete forgets the key of provider. ok is false when nothing was stored.
func (s *Store) Delete(ctx context.Context, provider string) (bool, error) {
	tag, err := s.sql.Exec(ctx, sqlinline.QDeleteIntegrationToken, strings.TrimSpace(provider))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Entry describes a stored key without revealing it.
type Entry struct {
	Provider   string
	Properties map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// List returns the stored keys' metadata ordered by provider.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QListIntegrationTokens)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			props []byte
		)
		if err := rows.Scan(&e.Provider, &props, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan integration token: %w", err)
		}
		if len(props) > 0 {
			if err := json.Unmarshal(props, &e.Properties); err != nil {
				return nil, fmt.Errorf("decode %s properties: %w", e.Provider, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}
