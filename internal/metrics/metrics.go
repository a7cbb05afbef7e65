// Package metrics provides Prometheus metrics for the huproof client.
//
// Collectors are registered on an injected prometheus.Registerer so tests
// and embedding applications can keep them off the global registry. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Attempt purposes.
const (
	PurposeEnroll = "enroll"
	PurposeLogin  = "login"
)

// Attempt outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
)

const defaultNamespace = "huproof"

// proofBuckets spans placeholder proofs (microseconds) to full groth16
// runs on slow machines (minutes).
var proofBuckets = []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Option configures Metrics.
type Option func(*Metrics)

// WithRegisterer sets the registerer collectors are added to. Passing nil
// leaves them unregistered.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Metrics) {
		m.registerer = r
	}
}

// WithNamespace overrides the metric name prefix.
func WithNamespace(ns string) Option {
	return func(m *Metrics) {
		if ns != "" {
			m.namespace = ns
		}
	}
}

// WithProofBuckets sets the histogram buckets for proof duration.
func WithProofBuckets(buckets []float64) Option {
	return func(m *Metrics) {
		if len(buckets) > 0 {
			m.buckets = buckets
		}
	}
}

// Metrics holds the client's collectors.
type Metrics struct {
	namespace  string
	buckets    []float64
	registerer prometheus.Registerer

	attempts          *prometheus.CounterVec
	proofDuration     *prometheus.HistogramVec
	placeholderProofs *prometheus.CounterVec
	remoteErrors      *prometheus.CounterVec
	calibratedTau     prometheus.Gauge
}

// New creates the collectors and registers them. Registration panics on
// duplicate names, as promauto does.
func New(opts ...Option) *Metrics {
	m := &Metrics{
		namespace: defaultNamespace,
		buckets:   proofBuckets,
	}
	for _, opt := range opts {
		opt(m)
	}

	auto := promauto.With(m.registerer)

	m.attempts = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "attempts_total",
		Help:      "Enrollment and login attempts by outcome",
	}, []string{"purpose", "outcome"})

	m.proofDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "proof_duration_seconds",
		Help:      "Time spent generating proofs",
		Buckets:   m.buckets,
	}, []string{"purpose"})

	m.placeholderProofs = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "placeholder_proofs_total",
		Help:      "Attempts that substituted the placeholder proof",
	}, []string{"purpose"})

	m.remoteErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "remote_errors_total",
		Help:      "Failed calls to the authentication server by endpoint",
	}, []string{"endpoint"})

	m.calibratedTau = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "calibrated_tau",
		Help:      "Most recent adaptive threshold produced by calibration",
	})

	return m
}

// NewRegistry returns a fresh registry with the collectors on it.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	return reg, New(WithRegisterer(reg))
}

// RecordAttempt counts a finished attempt.
func (m *Metrics) RecordAttempt(purpose, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(purpose, outcome).Inc()
}

// ObserveProof records a proof generation duration.
func (m *Metrics) ObserveProof(purpose string, d time.Duration) {
	if m == nil {
		return
	}
	m.proofDuration.WithLabelValues(purpose).Observe(d.Seconds())
}

// ProofTimer starts timing a proof. Call ObserveDuration on the result
// when the proof completes. Returns nil when m is nil.
func (m *Metrics) ProofTimer(purpose string) *prometheus.Timer {
	if m == nil {
		return nil
	}
	return prometheus.NewTimer(m.proofDuration.WithLabelValues(purpose))
}

// RecordPlaceholderProof counts an attempt that fell back to the placeholder.
func (m *Metrics) RecordPlaceholderProof(purpose string) {
	if m == nil {
		return
	}
	m.placeholderProofs.WithLabelValues(purpose).Inc()
}

// RecordRemoteError counts a failed server call.
func (m *Metrics) RecordRemoteError(endpoint string) {
	if m == nil {
		return
	}
	m.remoteErrors.WithLabelValues(endpoint).Inc()
}

// SetCalibratedTau publishes the latest calibrated threshold.
func (m *Metrics) SetCalibratedTau(tau int) {
	if m == nil {
		return
	}
	m.calibratedTau.Set(float64(tau))
}

// WriteTextfile writes everything g gathers to path in the text exposition
// format, for node_exporter's textfile collector. Short-lived CLI runs have
// no scrape endpoint, so this is how their metrics leave the process.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
