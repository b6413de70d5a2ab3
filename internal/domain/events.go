package domain

import (
	"context"
	"time"
)

// EventType classifies realtime job notifications.
type EventType string

const (
	EventJobCreated EventType = "job.created"
	EventJobUpdated EventType = "job.updated"
	EventJobDeleted EventType = "job.deleted"
)

// JobEvent is published after every effective change to a job. Delivery is
// unordered and may duplicate; Outputs may be omitted by transports with
// payload limits.
type JobEvent struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId"`
	SessionID string    `json:"sessionId"`
	Status    JobStatus `json:"status,omitempty"`
	Outputs   []Output  `json:"outputs,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// NewJobEvent snapshots job into an event of the given type.
func NewJobEvent(t EventType, job *Job, at time.Time) JobEvent {
	ev := JobEvent{
		Type:      t,
		JobID:     job.ID,
		SessionID: job.SessionID,
		Status:    job.Status,
		Error:     job.ErrorMessage(),
		At:        at,
	}
	if len(job.Outputs) > 0 {
		ev.Outputs = append([]Output(nil), job.Outputs...)
	}
	return ev
}

// EventPublisher fans job events out to realtime subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event JobEvent) error
}

// EventSubscriber streams events for one session. The returned func stops the
// subscription and closes the channel.
type EventSubscriber interface {
	SubscribeSession(ctx context.Context, sessionID string) (<-chan JobEvent, func(), error)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, JobEvent) error { return nil }
