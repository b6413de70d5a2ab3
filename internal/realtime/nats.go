package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
)

const sessionSubjectPrefix = "gen.events.session."

// SessionSubject is the NATS subject carrying one session's events. Session
// ids are encoded so that dots or wildcards cannot leak into the subject.
func SessionSubject(sessionID string) string {
	return sessionSubjectPrefix + base64.RawURLEncoding.EncodeToString([]byte(sessionID))
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("mediajobs"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSBroker publishes and subscribes to job events over NATS core pub/sub.
type NATSBroker struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

func NewNATSBroker(nc *nats.Conn, logger zerolog.Logger) *NATSBroker {
	return &NATSBroker{nc: nc, logger: logger}
}

func (b *NATSBroker) Publish(_ context.Context, ev domain.JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(SessionSubject(ev.SessionID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *NATSBroker) SubscribeSession(_ context.Context, sessionID string) (<-chan domain.JobEvent, func(), error) {
	subject := SessionSubject(sessionID)
	ch := make(chan domain.JobEvent, subscriberBuffer)
	var (
		mu     sync.Mutex
		closed bool
	)

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev domain.JobEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn().Err(err).Str("subject", subject).Msg("nats: undecodable event")
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			b.logger.Warn().Str("subject", subject).Msg("nats: subscriber channel full, dropping event")
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, stop, nil
}

var (
	_ domain.EventPublisher  = (*NATSBroker)(nil)
	_ domain.EventSubscriber = (*NATSBroker)(nil)
)
