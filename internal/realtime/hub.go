package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
)

const subscriberBuffer = 64

// Hub fans events out to in-process subscribers, keyed by session. Slow
// subscribers lose events rather than block publishers; viewers recover
// through their periodic refetch.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan domain.JobEvent
	nextID int
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{subs: make(map[string]map[int]chan domain.JobEvent), logger: logger}
}

// Publish delivers ev to the subscribers of its session.
func (h *Hub) Publish(_ context.Context, ev domain.JobEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn().Str("session_id", ev.SessionID).Str("job_id", ev.JobID).Msg("realtime: subscriber full, dropping event")
		}
	}
	return nil
}

// SubscribeSession registers a subscriber for sessionID.
func (h *Hub) SubscribeSession(_ context.Context, sessionID string) (<-chan domain.JobEvent, func(), error) {
	ch := make(chan domain.JobEvent, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]chan domain.JobEvent)
	}
	h.subs[sessionID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[sessionID], id)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(ch)
		})
	}
	return ch, stop, nil
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}

var (
	_ domain.EventPublisher  = (*Hub)(nil)
	_ domain.EventSubscriber = (*Hub)(nil)
)
