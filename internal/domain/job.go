package domain

import (
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return s == JobStatusProcessing || s.IsTerminal()
}

// Keys of the operational metadata stored in Job.Parameters.
const (
	ParamLastStep        = "lastStep"
	ParamLastHeartbeatAt = "lastHeartbeatAt"
	ParamProviderJobID   = "providerJobId"
	ParamError           = "error"
	ParamSyncedAt        = "syncedAt"
	ParamSyncReason      = "syncReason"
	// ParamLastPollError holds the most recent failed poll. Terminal reasons
	// live under ParamError only.
	ParamLastPollError = "lastPollError"
)

// Values of ParamLastStep.
const (
	StepCreated   = "created"
	StepSubmitted = "submitted"
	StepPolling   = "polling"
	StepFinished  = "finished"
)

// Parameters is the free-form bag persisted as JSON next to each job. It
// carries both the caller's request parameters and the operational keys above.
type Parameters map[string]any

// String returns the string value stored at key, or "".
func (p Parameters) String(key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Time parses an RFC3339 timestamp stored at key.
func (p Parameters) Time(key string) (time.Time, bool) {
	raw := p.String(key)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Clone returns a shallow copy.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge copies patch over p and returns p.
func (p Parameters) Merge(patch Parameters) Parameters {
	if p == nil {
		p = Parameters{}
	}
	for k, v := range patch {
		p[k] = v
	}
	return p
}

// FormatTime renders t the way timestamps are stored in Parameters.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Job encapsulates the lifecycle of one image/video generation request.
type Job struct {
	ID         string
	SessionID  string
	OwnerID    string
	ModelID    string
	Prompt     string
	Parameters Parameters
	Status     JobStatus
	Outputs    []Output
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (j *Job) LastStep() string      { return j.Parameters.String(ParamLastStep) }
func (j *Job) ProviderJobID() string { return j.Parameters.String(ParamProviderJobID) }
func (j *Job) ErrorMessage() string  { return j.Parameters.String(ParamError) }

// Clone returns a deep enough copy for callers to mutate freely.
func (j Job) Clone() Job {
	j.Parameters = j.Parameters.Clone()
	if j.Outputs != nil {
		j.Outputs = append([]Output(nil), j.Outputs...)
	}
	return j
}

// PageKey is the keyset boundary of a feed page: the (createdAt, id) tuple of
// the last job returned.
type PageKey struct {
	CreatedAt time.Time
	ID        string
}

// Admits reports whether a row keyed (createdAt, id) sorts strictly after the
// boundary in (createdAt DESC, id DESC) order, i.e. belongs to a later page.
// Ids compare as canonical lowercase UUID text, which matches byte order.
func (k PageKey) Admits(createdAt time.Time, id string) bool {
	if createdAt.Before(k.CreatedAt) {
		return true
	}
	return createdAt.Equal(k.CreatedAt) && id < k.ID
}
