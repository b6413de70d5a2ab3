package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine holds the job lifecycle collectors.
type Engine struct {
	JobsCreated      *prometheus.CounterVec
	Reconciliations  *prometheus.CounterVec
	WebhookDuplicate prometheus.Counter
	TransferFailures prometheus.Counter
	SweepActions     *prometheus.CounterVec
	SubmitDuration   *prometheus.HistogramVec
	EventsPublished  *prometheus.CounterVec
}

// NewEngine registers the collectors on reg. Passing a fresh registry keeps
// tests isolated from the default one.
func NewEngine(reg prometheus.Registerer) *Engine {
	f := promauto.With(reg)
	return &Engine{
		JobsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediajobs",
			Name:      "jobs_created_total",
			Help:      "Jobs accepted by the dispatcher.",
		}, []string{"model"}),
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediajobs",
			Name:      "reconciliations_total",
			Help:      "Reconcile calls by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		WebhookDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mediajobs",
			Name:      "webhook_duplicates_total",
			Help:      "Webhook deliveries dropped by the idempotency ledger.",
		}),
		TransferFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mediajobs",
			Name:      "output_transfer_failures_total",
			Help:      "Outputs that kept their provider reference after transfer failed.",
		}),
		SweepActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediajobs",
			Name:      "sweep_actions_total",
			Help:      "Stuck-job detector actions.",
		}, []string{"action"}),
		SubmitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mediajobs",
			Name:      "provider_submit_seconds",
			Help:      "Provider submit latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "result"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediajobs",
			Name:      "events_published_total",
			Help:      "Realtime job events by type and result.",
		}, []string{"type", "result"}),
	}
}

// Nop returns collectors registered on a private registry.
func Nop() *Engine {
	return NewEngine(prometheus.NewRegistry())
}
