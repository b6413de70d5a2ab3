package viewer

import (
	"context"
	"sync"
	"time"

	"mediajobs/internal/domain"
)

// DefaultResyncDelay is how long a requested full resync waits, so that it
// lands after the dispatcher's own response for a freshly created job.
const DefaultResyncDelay = 3 * time.Second

type eventKey struct {
	typ    domain.EventType
	jobID  string
	status domain.JobStatus
}

// Session is the per-viewer state consulted by every merge: ids the viewer
// dismissed, events already applied, and the debounced resync trigger. It is
// carried in the context rather than held globally.
type Session struct {
	mu        sync.Mutex
	id        string
	dismissed map[string]struct{}
	seen      map[eventKey]struct{}
	delay     time.Duration
	resync    func()
	timer     *time.Timer
	stopped   bool
}

// NewSession builds the state of one viewing session. resync runs at most once
// per quiet period after RequestResync calls.
func NewSession(id string, delay time.Duration, resync func()) *Session {
	if delay <= 0 {
		delay = DefaultResyncDelay
	}
	return &Session{
		id:        id,
		dismissed: make(map[string]struct{}),
		seen:      make(map[eventKey]struct{}),
		delay:     delay,
		resync:    resync,
	}
}

func (s *Session) ID() string { return s.id }

// Dismiss records that the viewer removed id.
func (s *Session) Dismiss(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dismissed[id] = struct{}{}
}

// IsDismissed reports whether updates for id must be dropped.
func (s *Session) IsDismissed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dismissed[id]
	return ok
}

// firstDelivery reports whether ev has not been applied before.
func (s *Session) firstDelivery(ev domain.JobEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey{typ: ev.Type, jobID: ev.JobID, status: ev.Status}
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// RequestResync schedules a full refetch, restarting the quiet period.
func (s *Session) RequestResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.resync == nil {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, s.fire)
}

// Stop cancels any pending resync.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) fire() {
	s.mu.Lock()
	s.timer = nil
	stopped := s.stopped
	s.mu.Unlock()
	if !stopped {
		s.resync()
	}
}

type sessionKey struct{}

// WithSession attaches s to ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session carried by ctx.
func SessionFrom(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
