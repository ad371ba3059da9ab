// Package metrics exposes orchestrator counters and gauges over
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Rushilwiz/director4/schema"
)

// Recorder registers and updates the orchestrator's metrics.
type Recorder struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	crashes      *prometheus.CounterVec
	running      prometheus.Gauge
	buildHits    prometheus.Counter
	buildMisses  prometheus.Counter
	buildFailed  prometheus.Counter
	credsIssued  prometheus.Counter
	credsFailed  prometheus.Counter
	startLatency prometheus.Histogram
}

// New constructs a recorder with its own registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "director",
			Name:      "process_transitions_total",
			Help:      "Process state transitions by target state.",
		}, []string{"to"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "director",
			Name:      "process_crashes_total",
			Help:      "Crashes by exit reason.",
		}, []string{"reason"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "director",
			Name:      "sites_running",
			Help:      "Sites currently in the Running state.",
		}),
		buildHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "director",
			Name:      "image_build_cache_hits_total",
			Help:      "Image ensures served from the content-addressed cache.",
		}),
		buildMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "director",
			Name:      "image_build_cache_misses_total",
			Help:      "Image ensures that required a build.",
		}),
		buildFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "director",
			Name:      "image_builds_failed_total",
			Help:      "Image builds that failed.",
		}),
		credsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "director",
			Name:      "credentials_issued_total",
			Help:      "Database credentials minted.",
		}),
		credsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "director",
			Name:      "credential_issues_failed_total",
			Help:      "Credential issuances that failed after retries.",
		}),
		startLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "director",
			Name:      "site_start_seconds",
			Help:      "Wall time from start command to Running.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
	}
	registry.MustRegister(
		r.transitions, r.crashes, r.running,
		r.buildHits, r.buildMisses, r.buildFailed,
		r.credsIssued, r.credsFailed, r.startLatency,
	)
	return r
}

// Handler serves the metrics endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Transition records a state transition.
func (r *Recorder) Transition(to schema.ProcessState) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(string(to)).Inc()
	switch to {
	case schema.StateRunning:
		r.running.Inc()
	}
}

// LeftRunning records a site leaving the Running state.
func (r *Recorder) LeftRunning() {
	if r == nil {
		return
	}
	r.running.Dec()
}

// Crash records a crash by reason.
func (r *Recorder) Crash(reason schema.ExitReason) {
	if r == nil {
		return
	}
	r.crashes.WithLabelValues(string(reason)).Inc()
}

// StartLatency records the time a successful start took.
func (r *Recorder) StartLatency(seconds float64) {
	if r == nil {
		return
	}
	r.startLatency.Observe(seconds)
}

// ImageBuildCacheHit implements imagebuilder.Metrics.
func (r *Recorder) ImageBuildCacheHit() {
	if r == nil {
		return
	}
	r.buildHits.Inc()
}

// ImageBuildCacheMiss implements imagebuilder.Metrics.
func (r *Recorder) ImageBuildCacheMiss() {
	if r == nil {
		return
	}
	r.buildMisses.Inc()
}

// ImageBuildFailed implements imagebuilder.Metrics.
func (r *Recorder) ImageBuildFailed() {
	if r == nil {
		return
	}
	r.buildFailed.Inc()
}

// CredentialIssued records a minted credential.
func (r *Recorder) CredentialIssued() {
	if r == nil {
		return
	}
	r.credsIssued.Inc()
}

// CredentialFailed records a failed issuance.
func (r *Recorder) CredentialFailed() {
	if r == nil {
		return
	}
	r.credsFailed.Inc()
}
