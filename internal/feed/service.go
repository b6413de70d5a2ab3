package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Observer is notified of the jobs a page returned. The stuck-job detector
// uses it to inspect processing jobs whenever someone looks at them.
type Observer interface {
	Observe(ctx context.Context, jobs []domain.Job)
}

// Page is one slice of a session's feed.
type Page struct {
	Data       []domain.Job
	NextCursor string
	HasMore    bool
}

// Service serves a session's jobs newest first with keyset pagination on
// (createdAt, id).
type Service struct {
	repo     domain.JobRepository
	codec    *Codec
	observer Observer
	logger   zerolog.Logger
}

func NewService(repo domain.JobRepository, codec *Codec, observer Observer, logger zerolog.Logger) *Service {
	return &Service{repo: repo, codec: codec, observer: observer, logger: logger}
}

// List returns up to limit jobs after cursor. One extra row is fetched to
// learn whether another page exists.
func (s *Service) List(ctx context.Context, sessionID, cursor string, limit int) (Page, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Page{}, fmt.Errorf("sessionId is required: %w", domain.ErrInvalidRequest)
	}
	limit = ClampLimit(limit)

	var after *domain.PageKey
	if cursor != "" {
		key, ok := s.codec.Decode(cursor)
		if ok {
			after = key
		} else {
			s.logger.Debug().Str("session_id", sessionID).Msg("feed: ignoring malformed cursor")
		}
	}

	rows, err := s.repo.ListPage(ctx, sessionID, after, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("list feed: %w", err)
	}
	page := Page{Data: rows}
	if len(rows) > limit {
		page.Data = rows[:limit]
		page.HasMore = true
		last := page.Data[len(page.Data)-1]
		page.NextCursor = s.codec.Encode(domain.PageKey{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Data == nil {
		page.Data = []domain.Job{}
	}
	if s.observer != nil {
		s.observer.Observe(ctx, page.Data)
	}
	return page, nil
}

// ClampLimit applies the default and the bounds to a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
