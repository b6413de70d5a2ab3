package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"mediajobs/internal/domain"
)

// Capability is a bitset of the operations an adapter instance supports.
type Capability uint8

const (
	// CapSync adapters may resolve a job inside Submit.
	CapSync Capability = 1 << iota
	// CapPoll adapters answer Poll for a provider job handle.
	CapPoll
	// CapWebhook adapters push completion to the webhook endpoint.
	CapWebhook
)

// Has reports whether every bit of other is set.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	var parts []string
	if c.Has(CapSync) {
		parts = append(parts, "sync")
	}
	if c.Has(CapPoll) {
		parts = append(parts, "poll")
	}
	if c.Has(CapWebhook) {
		parts = append(parts, "webhook")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// SpeedClass groups providers that share stuck-job thresholds.
type SpeedClass string

const (
	ClassFast     SpeedClass = "fast"
	ClassStandard SpeedClass = "standard"
	ClassSlow     SpeedClass = "slow"
)

// SubmitRequest is the provider-neutral generation request.
type SubmitRequest struct {
	JobID       string
	ModelID     string
	Prompt      string
	Parameters  map[string]any
	CallbackURL string
}

// Submission is the outcome of a successful submit. Result is set when the
// provider resolved the job synchronously; otherwise ProviderJobID is the
// handle to poll or to correlate webhooks with.
type Submission struct {
	ProviderJobID string
	Result        *domain.ProviderResult
}

// Backend is implemented by each concrete provider integration.
type Backend interface {
	Submit(ctx context.Context, req SubmitRequest) (Submission, error)
}

// Poller is implemented by backends that can report status on demand.
type Poller interface {
	Poll(ctx context.Context, providerJobID string) (domain.ProviderResult, error)
}

// Adapter is the single provider type: a backend plus the capabilities and
// speed class declared for this instance.
type Adapter struct {
	name    string
	class   SpeedClass
	caps    Capability
	backend Backend
}

// NewAdapter declares a provider. Poll capability requires the backend to
// implement Poller.
func NewAdapter(name string, class SpeedClass, caps Capability, backend Backend) (*Adapter, error) {
	if backend == nil {
		return nil, errors.New("providers: backend is required")
	}
	if caps.Has(CapPoll) {
		if _, ok := backend.(Poller); !ok {
			return nil, fmt.Errorf("providers: %s declares poll but cannot poll", name)
		}
	}
	if class == "" {
		class = ClassStandard
	}
	return &Adapter{name: name, class: class, caps: caps, backend: backend}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Class() SpeedClass { return a.class }

func (a *Adapter) Capabilities() Capability { return a.caps }

// Can reports whether the adapter declares capability.
func (a *Adapter) Can(capability Capability) bool { return a.caps.Has(capability) }

// Submit forwards the request to the backend and checks the response shape.
func (a *Adapter) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	sub, err := a.backend.Submit(ctx, req)
	if err != nil {
		return Submission{}, err
	}
	if sub.Result != nil && !a.Can(CapSync) {
		return Submission{}, fmt.Errorf("%s resolved synchronously without sync capability: %w", a.name, domain.ErrCapability)
	}
	if sub.Result == nil && strings.TrimSpace(sub.ProviderJobID) == "" {
		return Submission{}, fmt.Errorf("%s returned neither a result nor a job handle: %w", a.name, domain.ErrProviderFailure)
	}
	return sub, nil
}

// Poll asks the provider for the current state of a submitted job.
func (a *Adapter) Poll(ctx context.Context, providerJobID string) (domain.ProviderResult, error) {
	if !a.Can(CapPoll) {
		return domain.ProviderResult{}, fmt.Errorf("%s poll: %w", a.name, domain.ErrCapability)
	}
	return a.backend.(Poller).Poll(ctx, providerJobID)
}

// Registry maps model ids onto adapters.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Adapter
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Adapter)}
}

// Register binds modelID to adapter, replacing any previous binding.
func (r *Registry) Register(modelID string, adapter *Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[modelID] = adapter
}

// Lookup returns the adapter serving modelID.
func (r *Registry) Lookup(modelID string) (*Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.models[modelID]
	if !ok {
		return nil, fmt.Errorf("%q: %w", modelID, domain.ErrUnknownModel)
	}
	return adapter, nil
}

// Models lists registered model ids in sorted order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for id := range r.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
