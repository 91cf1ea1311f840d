// Package metrics holds the Prometheus collectors for the license server.
// All recording methods are safe to call on a nil *Registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry *prometheus.Registry

	TrialsStarted      prometheus.Counter
	LicensesIssued     *prometheus.CounterVec
	WebhookEvents      *prometheus.CounterVec
	TokenVerifications *prometheus.CounterVec
	RateLimited        prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{registry: reg}

	r.TrialsStarted = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "pfw_trials_started_total",
			Help: "Total number of trial tokens issued",
		},
	)

	r.LicensesIssued = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfw_licenses_issued_total",
			Help: "Total number of license records created",
		},
		[]string{"plan", "source"},
	)

	r.WebhookEvents = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfw_webhook_events_total",
			Help: "Total number of verified webhook events by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	r.TokenVerifications = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfw_token_verifications_total",
			Help: "Total number of trial and license token verifications",
		},
		[]string{"kind", "result"},
	)

	r.RateLimited = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "pfw_rate_limited_requests_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) RecordTrialStarted() {
	if r == nil {
		return
	}
	r.TrialsStarted.Inc()
}

func (r *Registry) RecordLicenseIssued(plan, source string) {
	if r == nil {
		return
	}
	r.LicensesIssued.WithLabelValues(plan, source).Inc()
}

func (r *Registry) RecordWebhookEvent(kind, outcome string) {
	if r == nil {
		return
	}
	r.WebhookEvents.WithLabelValues(kind, outcome).Inc()
}

// RecordTokenVerification counts a verification as "ok" when err is nil and
// "rejected" otherwise.
func (r *Registry) RecordTokenVerification(kind string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	r.TokenVerifications.WithLabelValues(kind, result).Inc()
}

func (r *Registry) RecordRateLimited() {
	if r == nil {
		return
	}
	r.RateLimited.Inc()
}
