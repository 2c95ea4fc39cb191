// Package metrics exposes arrivald's Prometheus metrics.
//
// Every collector is registered on a private prometheus.Registry rather than
// the global default, so tests can build as many Registries as they like.
//
// # Families
//
//	arrivals_schedules                          gauge    schedules currently registered
//	arrivals_schedules_created_total            counter  schedules created via PUT
//	arrivals_deliveries_total{outcome}          counter  ok / missed / done
//	arrivals_ungets_total{result}               counter  ok / rejected
//	arrivals_wait_seconds                       histogram time the pacer slept per OK arrival
//	arrivals_webhook_posts_total{result}        counter  ok / failed / dropped
//	arrivals_http_requests_total{method,route,status}
//	arrivals_http_request_duration_seconds{method,route}
//
// Labels never carry schedule names; they are user-chosen and unbounded.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rld013/arrival-rate-server/internal/arrival"
)

const namespace = "arrivals"

// Registry holds all arrivald collectors.
type Registry struct {
	reg *prometheus.Registry

	created    prometheus.Counter
	deliveries *prometheus.CounterVec
	ungets     *prometheus.CounterVec
	wait       prometheus.Histogram
	webhooks   *prometheus.CounterVec
	httpReqs   *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
}

// New builds a Registry with Go runtime and process collectors included.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_created_total",
			Help:      "Schedules created or replaced.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Arrivals handed to consumers, by outcome.",
		}, []string{"outcome"}),
		ungets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ungets_total",
			Help:      "Arrivals returned to their schedule, by result.",
		}, []string{"result"}),
		wait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Time spent waiting for an arrival to come due.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_posts_total",
			Help:      "Webhook POST attempts, by result.",
		}, []string{"result"}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.created, r.deliveries, r.ungets, r.wait, r.webhooks, r.httpReqs, r.httpDur,
	)
	return r
}

// TrackSchedules registers the arrivals_schedules gauge, read from count on
// every scrape. Call it once.
func (r *Registry) TrackSchedules(count func() int) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "schedules",
		Help:      "Schedules currently registered.",
	}, func() float64 { return float64(count()) }))
}

// ScheduleCreated counts a PUT that installed a schedule.
func (r *Registry) ScheduleCreated() { r.created.Inc() }

// ObserveDelivery implements scheduler.Observer.
func (r *Registry) ObserveDelivery(_ string, outcome arrival.Outcome, wait time.Duration) {
	r.deliveries.WithLabelValues(outcome.String()).Inc()
	if outcome == arrival.OutcomeOK {
		r.wait.Observe(wait.Seconds())
	}
}

// ObserveUnget implements scheduler.Observer.
func (r *Registry) ObserveUnget(_ string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	r.ungets.WithLabelValues(result).Inc()
}

// ObserveWebhook counts one webhook POST attempt. result is "ok", "failed"
// or "dropped".
func (r *Registry) ObserveWebhook(result string) {
	r.webhooks.WithLabelValues(result).Inc()
}

// ObserveHTTP records one finished request. route is the chi route pattern,
// not the raw path, so schedule names do not leak into labels.
func (r *Registry) ObserveHTTP(method, route string, status int, d time.Duration) {
	r.httpReqs.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDur.WithLabelValues(method, route).Observe(d.Seconds())
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler renders every collector in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
