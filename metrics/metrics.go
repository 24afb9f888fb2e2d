// Package metrics exposes broker counters in Prometheus format on a
// dedicated listener, separate from the API server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// Metrics holds the broker collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	assessments        *prometheus.CounterVec
	assessmentDuration prometheus.Histogram
	uploads            prometheus.Counter
	attestations       *prometheus.CounterVec
	verifications      *prometheus.CounterVec
}

// New registers the broker collectors under namespace on a fresh registry.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Assessments by outcome and failing stage.",
		}, []string{"outcome", "stage"}),
		assessmentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assessment_duration_seconds",
			Help:      "Wall time of assessment pipelines.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Files accepted by upload.",
		}),
		attestations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestations_signed_total",
			Help:      "Attestations signed by operation label.",
		}, []string{"operation"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Attestation verifications by result.",
		}, []string{"valid"}),
	}

	m.registry.MustRegister(
		m.assessments,
		m.assessmentDuration,
		m.uploads,
		m.attestations,
		m.verifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveAssessment records one pipeline run. A nil err counts as success.
func (m *Metrics) ObserveAssessment(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome, stage := "ok", ""
	if err != nil {
		outcome = interfaces.KindOf(err).String()
		stage = interfaces.StageOf(err)
	}
	m.assessments.WithLabelValues(outcome, stage).Inc()
	m.assessmentDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveUpload() {
	if m == nil {
		return
	}
	m.uploads.Inc()
}

func (m *Metrics) ObserveAttestation(operation string) {
	if m == nil {
		return
	}
	m.attestations.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveVerification(valid bool) {
	if m == nil {
		return
	}
	label := "false"
	if valid {
		label = "true"
	}
	m.verifications.WithLabelValues(label).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsServer serves /metrics on its own address.
type MetricsServer struct {
	srv *http.Server
}

func NewServer(addr string, m *Metrics) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &MetricsServer{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
