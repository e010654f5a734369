// Package metrics provides Prometheus metrics for the diff server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Extraction outcomes.
const (
	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
	OutcomeError = "error"
)

// Render outcomes.
const (
	RenderOK     = "ok"
	RenderFailed = "failed"
)

// Metrics holds the collectors registered on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ExtractionsTotal   *prometheus.CounterVec
	RendersTotal       *prometheus.CounterVec
	RenderDuration     *prometheus.HistogramVec
	RenderCacheHits    *prometheus.CounterVec
	HTTPRequestsTotal  *prometheus.CounterVec
	WorkingCopyChanges prometheus.Counter
	StartTime          time.Time
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	m := &Metrics{registry: registry, StartTime: time.Now()}

	m.ExtractionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidivis_extractions_total",
			Help: "File extractions by version kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	m.RendersTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidivis_renders_total",
			Help: "kicad-cli invocations by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	m.RenderDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kidivis_render_duration_seconds",
			Help:    "Duration of kicad-cli invocations in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode"},
	)

	m.RenderCacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidivis_render_cache_hits_total",
			Help: "Rendered SVGs served from the workspace cache",
		},
		[]string{"mode"},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidivis_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	m.WorkingCopyChanges = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kidivis_working_copy_changes_total",
			Help: "Detected changes of working copy project files",
		},
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveExtraction(kind, outcome string) {
	if m == nil {
		return
	}
	m.ExtractionsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveRender(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RendersTotal.WithLabelValues(mode, outcome).Inc()
	m.RenderDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRenderCacheHit(mode string) {
	if m == nil {
		return
	}
	m.RenderCacheHits.WithLabelValues(mode).Inc()
}

func (m *Metrics) ObserveRequest(route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
}

func (m *Metrics) ObserveWorkingCopyChange() {
	if m == nil {
		return
	}
	m.WorkingCopyChanges.Inc()
}
