package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder records metrics using Prometheus.
type PrometheusRecorder struct {
	signaturesTotal         *prometheus.CounterVec
	verificationsTotal      *prometheus.CounterVec
	revocationLookupsTotal  *prometheus.CounterVec
	revocationLookupSeconds *prometheus.HistogramVec
	revocationCacheTotal    *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder registered with the default
// Prometheus registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return NewPrometheusRecorderWithRegistry(prometheus.DefaultRegisterer)
}

// NewPrometheusRecorderWithRegistry creates a recorder registered with reg.
func NewPrometheusRecorderWithRegistry(reg prometheus.Registerer) *PrometheusRecorder {
	signaturesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xmldsig_signatures_total",
		Help: "Total signature production attempts",
	}, []string{"method", "result"})

	verificationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xmldsig_verifications_total",
		Help: "Total signature verifications by verdict",
	}, []string{"result", "kind"})

	revocationLookupsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xmldsig_revocation_lookups_total",
		Help: "Total revocation provider lookups",
	}, []string{"source", "status"})

	revocationLookupSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xmldsig_revocation_lookup_duration_seconds",
		Help:    "Revocation provider lookup latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	revocationCacheTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xmldsig_revocation_cache_lookups_total",
		Help: "Total revocation cache lookups",
	}, []string{"result"})

	reg.MustRegister(
		signaturesTotal,
		verificationsTotal,
		revocationLookupsTotal,
		revocationLookupSeconds,
		revocationCacheTotal,
	)

	return &PrometheusRecorder{
		signaturesTotal:         signaturesTotal,
		verificationsTotal:      verificationsTotal,
		revocationLookupsTotal:  revocationLookupsTotal,
		revocationLookupSeconds: revocationLookupSeconds,
		revocationCacheTotal:    revocationCacheTotal,
	}
}

// RecordSignature records a signature production attempt.
func (p *PrometheusRecorder) RecordSignature(method string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	p.signaturesTotal.WithLabelValues(method, result).Inc()
}

// RecordVerification records a verification verdict.
func (p *PrometheusRecorder) RecordVerification(valid bool, kind string) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	p.verificationsTotal.WithLabelValues(result, kind).Inc()
}

// RecordRevocationLookup records a revocation provider call.
func (p *PrometheusRecorder) RecordRevocationLookup(source, status string, duration time.Duration) {
	p.revocationLookupsTotal.WithLabelValues(source, status).Inc()
	p.revocationLookupSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordRevocationCache records a revocation cache lookup.
func (p *PrometheusRecorder) RecordRevocationCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.revocationCacheTotal.WithLabelValues(result).Inc()
}

var _ Recorder = (*PrometheusRecorder)(nil)
