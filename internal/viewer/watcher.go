package viewer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
)

// Fetcher reloads the viewer's first feed page.
type Fetcher func(ctx context.Context) ([]domain.Job, error)

// WatcherOptions wires a Watcher.
type WatcherOptions struct {
	View        *View
	SessionID   string
	Events      domain.EventSubscriber
	Fetch       Fetcher
	PollEvery   time.Duration
	ResyncDelay time.Duration
	Logger      zerolog.Logger
	// OnChange is called after every merge that changed the view.
	OnChange func([]Item)
}

// Watcher keeps a View converged from realtime events, a periodic refetch
// and debounced resyncs requested by the merge.
type Watcher struct {
	opts    WatcherOptions
	session *Session
	resync  chan struct{}
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.PollEvery <= 0 {
		opts.PollEvery = 10 * time.Second
	}
	w := &Watcher{opts: opts, resync: make(chan struct{}, 1)}
	w.session = NewSession(opts.SessionID, opts.ResyncDelay, w.requestRefetch)
	return w
}

// Session is the per-viewer state; callers attach it with WithSession when
// they apply their own updates to the view.
func (w *Watcher) Session() *Session { return w.session }

// Context returns ctx carrying the watcher's session.
func (w *Watcher) Context(ctx context.Context) context.Context {
	return WithSession(ctx, w.session)
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ctx = w.Context(ctx)
	defer w.session.Stop()

	var events <-chan domain.JobEvent
	if w.opts.Events != nil {
		ch, stop, err := w.opts.Events.SubscribeSession(ctx, w.opts.SessionID)
		if err != nil {
			w.opts.Logger.Warn().Err(err).Msg("viewer: realtime unavailable, polling only")
		} else {
			defer stop()
			events = ch
		}
	}

	w.refetch(ctx)
	ticker := time.NewTicker(w.opts.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if w.opts.View.ApplyEvent(ctx, ev) {
				w.changed()
			}
		case <-ticker.C:
			w.refetch(ctx)
		case <-w.resync:
			w.refetch(ctx)
		}
	}
}

func (w *Watcher) requestRefetch() {
	select {
	case w.resync <- struct{}{}:
	default:
	}
}

func (w *Watcher) refetch(ctx context.Context) {
	if w.opts.Fetch == nil {
		return
	}
	jobs, err := w.opts.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.opts.Logger.Warn().Err(err).Msg("viewer: refetch failed")
		}
		return
	}
	if w.opts.View.ApplyPage(ctx, jobs) > 0 {
		w.changed()
	}
}

func (w *Watcher) changed() {
	if w.opts.OnChange != nil {
		w.opts.OnChange(w.opts.View.Items())
	}
}
