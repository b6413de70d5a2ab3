package viewer_test

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
	"mediajobs/internal/viewer"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func serverJob(id string, status domain.JobStatus, outputs ...domain.Output) *domain.Job {
	return &domain.Job{
		ID:        id,
		SessionID: "s1",
		ModelID:   "img",
		Prompt:    "a fox",
		Status:    status,
		Outputs:   outputs,
		CreatedAt: t0,
	}
}

func output(jobID string, n int) domain.Output {
	return domain.Output{ID: uuid.NewString(), JobID: jobID, FileRef: "https://files.test/" + jobID + "/" + string(rune('a'+n)), Kind: domain.OutputKindImage}
}

var _ = Describe("View", func() {
	var (
		view    *viewer.View
		session *viewer.Session
		ctx     context.Context
		resyncs atomic.Int32
	)

	BeforeEach(func() {
		resyncs.Store(0)
		view = viewer.NewView()
		session = viewer.NewSession("s1", 30*time.Millisecond, func() { resyncs.Add(1) })
		ctx = viewer.WithSession(context.Background(), session)
	})

	AfterEach(func() {
		session.Stop()
	})

	Describe("identity resolution", func() {
		It("replaces the temporary id in place and keeps the local key", func() {
			view.AddOptimistic(ctx, "tmp-1", "img", "a fox", t0)
			id := uuid.NewString()

			Expect(view.ResolveDispatch(ctx, "tmp-1", serverJob(id, domain.JobStatusProcessing))).To(BeTrue())

			items := view.Items()
			Expect(items).To(HaveLen(1))
			Expect(items[0].Key).To(Equal("tmp-1"))
			Expect(items[0].ID).To(Equal(id))
			Expect(items[0].Temp).To(BeFalse())
			Expect(items[0].SessionID).To(Equal("s1"))
		})

		It("folds a record that a refetch brought in ahead of the dispatcher response", func() {
			view.AddOptimistic(ctx, "tmp-1", "img", "a fox", t0)
			id := uuid.NewString()
			out := output(id, 0)
			view.ApplyJob(ctx, serverJob(id, domain.JobStatusCompleted, out))
			Expect(view.Items()).To(HaveLen(2))

			view.ResolveDispatch(ctx, "tmp-1", serverJob(id, domain.JobStatusProcessing))

			items := view.Items()
			Expect(items).To(HaveLen(1))
			Expect(items[0].Key).To(Equal("tmp-1"))
			Expect(items[0].Status).To(Equal(domain.JobStatusCompleted))
			Expect(items[0].Outputs).To(ConsistOf(out))
		})

		It("marks rejected placeholders as failed", func() {
			view.AddOptimistic(ctx, "tmp-1", "img", "a fox", t0)
			view.FailOptimistic("tmp-1", "prompt is required")

			item, ok := view.Get("tmp-1")
			Expect(ok).To(BeTrue())
			Expect(item.Status).To(Equal(domain.JobStatusFailed))
			Expect(item.Error).To(Equal("prompt is required"))
		})
	})

	Describe("monotonic merge", func() {
		It("never shows fewer outputs or an earlier status, whatever the order", func() {
			id := uuid.NewString()
			a, b := output(id, 0), output(id, 1)
			updates := []func(){
				func() {
					view.ApplyEvent(ctx, domain.JobEvent{Type: domain.EventJobUpdated, JobID: id, Status: domain.JobStatusCompleted, Outputs: []domain.Output{a, b}})
				},
				func() {
					view.ApplyEvent(ctx, domain.JobEvent{Type: domain.EventJobCreated, JobID: id, Status: domain.JobStatusProcessing})
				},
				func() { view.ApplyJob(ctx, serverJob(id, domain.JobStatusProcessing)) },
				func() { view.ApplyJob(ctx, serverJob(id, domain.JobStatusCompleted, a, b)) },
				func() { view.ApplyPage(ctx, []domain.Job{*serverJob(id, domain.JobStatusCompleted)}) },
				func() { view.ApplyJob(ctx, serverJob(id, domain.JobStatusFailed)) },
			}

			rng := rand.New(rand.NewSource(42))
			for round := 0; round < 50; round++ {
				view = viewer.NewView()
				fresh := viewer.NewSession("s1", time.Hour, nil)
				ctx = viewer.WithSession(context.Background(), fresh)
				view.ApplyJob(ctx, serverJob(id, domain.JobStatusCompleted, a, b))

				for _, i := range rng.Perm(len(updates)) {
					updates[i]()
					item, ok := view.Get(id)
					Expect(ok).To(BeTrue())
					Expect(item.Outputs).To(HaveLen(2))
					Expect(item.Status).To(Equal(domain.JobStatusCompleted))
				}
			}
		})

		It("advances processing to terminal and collects outputs", func() {
			id := uuid.NewString()
			view.ApplyJob(ctx, serverJob(id, domain.JobStatusProcessing))
			out := output(id, 0)

			Expect(view.ApplyEvent(ctx, domain.JobEvent{Type: domain.EventJobUpdated, JobID: id, Status: domain.JobStatusCompleted, Outputs: []domain.Output{out}})).To(BeTrue())

			item, _ := view.Get(id)
			Expect(item.Status).To(Equal(domain.JobStatusCompleted))
			Expect(item.Outputs).To(ConsistOf(out))
		})

		It("drops duplicate deliveries of the same event", func() {
			id := uuid.NewString()
			view.ApplyJob(ctx, serverJob(id, domain.JobStatusProcessing))
			ev := domain.JobEvent{Type: domain.EventJobUpdated, JobID: id, Status: domain.JobStatusFailed, Error: "boom"}

			Expect(view.ApplyEvent(ctx, ev)).To(BeTrue())
			Expect(view.ApplyEvent(ctx, ev)).To(BeFalse())
		})

		It("removes deleted jobs", func() {
			id := uuid.NewString()
			view.ApplyJob(ctx, serverJob(id, domain.JobStatusFailed))

			Expect(view.ApplyEvent(ctx, domain.JobEvent{Type: domain.EventJobDeleted, JobID: id})).To(BeTrue())
			Expect(view.Items()).To(BeEmpty())
		})
	})

	Describe("dismissed set", func() {
		It("keeps a dismissed id out of the view on every channel", func() {
			id := uuid.NewString()
			view.ApplyJob(ctx, serverJob(id, domain.JobStatusProcessing))
			view.Dismiss(ctx, id)
			Expect(view.Items()).To(BeEmpty())

			view.ApplyEvent(ctx, domain.JobEvent{Type: domain.EventJobUpdated, JobID: id, Status: domain.JobStatusCompleted, Outputs: []domain.Output{output(id, 0)}})
			view.ApplyJob(ctx, serverJob(id, domain.JobStatusCompleted))
			view.ApplyPage(ctx, []domain.Job{*serverJob(id, domain.JobStatusCompleted)})
			view.AddOptimistic(ctx, "tmp-9", "img", "x", t0)
			view.ResolveDispatch(ctx, "tmp-9", serverJob(id, domain.JobStatusCompleted))

			_, found := view.Get(id)
			Expect(found).To(BeFalse())
			Consistently(resyncs.Load, 100*time.Millisecond).Should(BeZero())
		})

		It("keeps a placeholder dismissed before the dispatcher answered out after resolution", func() {
			view.AddOptimistic(ctx, "tmp-1", "img", "a fox", t0)
			view.Dismiss(ctx, "tmp-1")
			id := uuid.NewString()

			Expect(view.ResolveDispatch(ctx, "tmp-1", serverJob(id, domain.JobStatusProcessing))).To(BeFalse())
			view.ApplyPage(ctx, []domain.Job{*serverJob(id, domain.JobStatusCompleted, output(id, 0))})
			view.ApplyEvent(ctx, domain.JobEvent{Type: domain.EventJobUpdated, JobID: id, Status: domain.JobStatusCompleted})

			_, found := view.Get(id)
			Expect(found).To(BeFalse())
			Expect(view.Items()).To(BeEmpty())
			Expect(session.IsDismissed(id)).To(BeTrue())
		})

		It("dismisses a resolved item by its local key", func() {
			view.AddOptimistic(ctx, "tmp-2", "img", "a fox", t0)
			id := uuid.NewString()
			Expect(view.ResolveDispatch(ctx, "tmp-2", serverJob(id, domain.JobStatusProcessing))).To(BeTrue())

			item, found := view.Get(id)
			Expect(found).To(BeTrue())
			view.Dismiss(ctx, item.Key)
			Expect(view.Items()).To(BeEmpty())

			view.ApplyPage(ctx, []domain.Job{*serverJob(id, domain.JobStatusCompleted)})
			Expect(view.Items()).To(BeEmpty())
			Expect(session.IsDismissed(id)).To(BeTrue())
			Expect(session.IsDismissed("tmp-2")).To(BeTrue())
		})

		It("is scoped to the session in the context", func() {
			id := uuid.NewString()
			view.Dismiss(ctx, id)
			other := viewer.WithSession(context.Background(), viewer.NewSession("s2", time.Hour, nil))

			Expect(view.ApplyJob(other, serverJob(id, domain.JobStatusProcessing))).To(BeTrue())
		})
	})

	Describe("debounced fallback", func() {
		It("requests one resync for a burst of unresolvable events", func() {
			for i := 0; i < 5; i++ {
				Expect(view.ApplyEvent(ctx, domain.JobEvent{Type: domain.EventJobUpdated, JobID: uuid.NewString(), Status: domain.JobStatusCompleted})).To(BeFalse())
			}
			Expect(resyncs.Load()).To(BeZero())
			Eventually(resyncs.Load).Should(Equal(int32(1)))
			Consistently(resyncs.Load, 100*time.Millisecond).Should(Equal(int32(1)))
		})

		It("resyncs when a completion arrives without its outputs", func() {
			id := uuid.NewString()
			view.ApplyJob(ctx, serverJob(id, domain.JobStatusProcessing))

			Expect(view.ApplyEvent(ctx, domain.JobEvent{Type: domain.EventJobUpdated, JobID: id, Status: domain.JobStatusCompleted})).To(BeTrue())
			Eventually(resyncs.Load).Should(Equal(int32(1)))
		})
	})
})

type fakeSubscriber struct {
	ch chan domain.JobEvent
}

func (f *fakeSubscriber) SubscribeSession(context.Context, string) (<-chan domain.JobEvent, func(), error) {
	return f.ch, func() {}, nil
}

var _ = Describe("Watcher", func() {
	It("converges the view from events and refetches", func() {
		id := uuid.NewString()
		sub := &fakeSubscriber{ch: make(chan domain.JobEvent, 4)}

		var (
			mu      sync.Mutex
			fetches int
			latest  []viewer.Item
		)
		view := viewer.NewView()
		w := viewer.NewWatcher(viewer.WatcherOptions{
			View:        view,
			SessionID:   "s1",
			Events:      sub,
			PollEvery:   time.Hour,
			ResyncDelay: 20 * time.Millisecond,
			Logger:      zerolog.Nop(),
			Fetch: func(context.Context) ([]domain.Job, error) {
				mu.Lock()
				defer mu.Unlock()
				fetches++
				if fetches == 1 {
					return nil, nil
				}
				return []domain.Job{*serverJob(id, domain.JobStatusCompleted, output(id, 0))}, nil
			},
			OnChange: func(items []viewer.Item) {
				mu.Lock()
				defer mu.Unlock()
				latest = items
			},
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		sub.ch <- domain.JobEvent{Type: domain.EventJobCreated, JobID: id, SessionID: "s1", Status: domain.JobStatusProcessing}

		Eventually(func() []viewer.Item {
			mu.Lock()
			defer mu.Unlock()
			return latest
		}).Should(ContainElement(HaveField("Status", domain.JobStatusCompleted)))

		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
	})
})
