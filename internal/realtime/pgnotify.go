package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
	"mediajobs/internal/sqlinline"
)

// NotifyChannel is the Postgres channel job events are sent on.
const NotifyChannel = "gen_job_events"

// maxNotifyPayload stays under the 8000 byte NOTIFY limit.
const maxNotifyPayload = 7900

// PGNotifyPublisher sends job events with pg_notify.
type PGNotifyPublisher struct {
	sql infra.SQLExecutor
}

func NewPGNotifyPublisher(sql infra.SQLExecutor) *PGNotifyPublisher {
	return &PGNotifyPublisher{sql: sql}
}

// Publish sends ev. Oversized events are sent without outputs; listeners
// refetch the job when a completion arrives without them.
func (p *PGNotifyPublisher) Publish(ctx context.Context, ev domain.JobEvent) error {
	payload, err := encodeNotifyPayload(ev)
	if err != nil {
		return err
	}
	if _, err := p.sql.Exec(ctx, sqlinline.QNotifyJobEvent, NotifyChannel, payload); err != nil {
		return fmt.Errorf("notify job event: %w", err)
	}
	return nil
}

func encodeNotifyPayload(ev domain.JobEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	if len(data) > maxNotifyPayload {
		ev.Outputs = nil
		if data, err = json.Marshal(ev); err != nil {
			return "", fmt.Errorf("marshal event: %w", err)
		}
	}
	return string(data), nil
}

// PGListener receives job events with LISTEN and fans them out per session.
type PGListener struct {
	listener *pq.Listener
	hub      *Hub
	logger   zerolog.Logger
	done     chan struct{}
}

// NewPGListener connects a dedicated LISTEN connection to dsn.
func NewPGListener(dsn string, logger zerolog.Logger) (*PGListener, error) {
	listener := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			logger.Warn().Err(err).Msg("pglisten: connection lost")
		case pq.ListenerEventReconnected:
			logger.Info().Msg("pglisten: reconnected")
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	l := &PGListener{
		listener: listener,
		hub:      NewHub(logger),
		logger:   logger,
		done:     make(chan struct{}),
	}
	go l.loop()
	return l, nil
}

func (l *PGListener) SubscribeSession(ctx context.Context, sessionID string) (<-chan domain.JobEvent, func(), error) {
	return l.hub.SubscribeSession(ctx, sessionID)
}

// Close stops listening.
func (l *PGListener) Close() error {
	close(l.done)
	return l.listener.Close()
}

func (l *PGListener) loop() {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect; events sent meanwhile are lost.
			if n == nil {
				continue
			}
			var ev domain.JobEvent
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				l.logger.Warn().Err(err).Msg("pglisten: undecodable event")
				continue
			}
			_ = l.hub.Publish(context.Background(), ev)
		case <-ping.C:
			go func() { _ = l.listener.Ping() }()
		}
	}
}

var (
	_ domain.EventPublisher  = (*PGNotifyPublisher)(nil)
	_ domain.EventSubscriber = (*PGListener)(nil)
)
