package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type modelHealth struct {
	Provider     string `json:"provider"`
	Class        string `json:"class"`
	Capabilities string `json:"capabilities"`
}

// Health reports liveness and what each registered model can do.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	names := a.Registry.Models()
	models := make(map[string]modelHealth, len(names))
	for _, name := range names {
		adapter, err := a.Registry.Lookup(name)
		if err != nil {
			continue
		}
		models[name] = modelHealth{
			Provider:     adapter.Name(),
			Class:        string(adapter.Class()),
			Capabilities: adapter.Capabilities().String(),
		}
	}
	a.json(w, http.StatusOK, map[string]any{
		"status": "ok",
		"models": models,
	})
}

// MetricsHandler exposes the engine collectors in the Prometheus text format.
func (a *App) MetricsHandler() http.Handler {
	g := a.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
