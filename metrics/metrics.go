// Package metrics exports Prometheus metrics for pushes and API requests.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/micromdm/nanoapns/apns"
	"github.com/micromdm/nanoapns/push"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nanoapns"

// Metrics stores the Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	notificationsSentTotal   *prometheus.CounterVec
	notificationsFailedTotal *prometheus.CounterVec
	pushDuration             *prometheus.HistogramVec
	pushInflight             prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, handler, and status.",
			},
			[]string{"method", "handler", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and handler.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "handler"},
		),
		notificationsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Total number of notifications accepted by APNs.",
			},
			[]string{"topic"},
		),
		notificationsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_failed_total",
				Help:      "Total number of notifications that failed by APNs reason or error kind.",
			},
			[]string{"topic", "reason"},
		),
		pushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "push_duration_seconds",
				Help:      "Batch push duration in seconds grouped by topic.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"topic"},
		),
		pushInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "push_inflight",
				Help:      "Current number of in-flight batch pushes.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.notificationsSentTotal,
		m.notificationsFailedTotal,
		m.pushDuration,
		m.pushInflight,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// HTTPMiddleware records requests to next labelled with handler.
// A fixed handler label keeps device tokens out of the label values.
func (m *Metrics) HTTPMiddleware(next http.Handler, handler string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.recordHTTPRequest(r.Method, handler, rec.status, time.Since(start))
	}
}

func (m *Metrics) recordHTTPRequest(method string, handler string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	handlerLabel := strings.TrimSpace(handler)
	if handlerLabel == "" {
		handlerLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, handlerLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, handlerLabel).Observe(duration.Seconds())
}

// failureReason is the APNs reason of a rejected notification or the
// error kind of any other failure.
func failureReason(r *push.Response) string {
	if r.Response != nil && r.Response.Reason != "" {
		return string(r.Response.Reason)
	}
	return strings.ReplaceAll(apns.KindOf(r.Err).String(), " ", "_")
}

func (m *Metrics) recordPush(topic string, responses map[string]*push.Response, duration time.Duration) {
	if m == nil {
		return
	}
	for _, r := range responses {
		if r == nil {
			continue
		}
		if r.Err != nil {
			m.notificationsFailedTotal.WithLabelValues(topic, failureReason(r)).Inc()
			continue
		}
		m.notificationsSentTotal.WithLabelValues(topic).Inc()
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.pushDuration.WithLabelValues(topic).Observe(seconds)
}

// Pusher records the results of pushes made with next.
type Pusher struct {
	next    push.Pusher
	metrics *Metrics
}

// NewPusher wraps next to record push metrics in m.
func NewPusher(next push.Pusher, m *Metrics) *Pusher {
	return &Pusher{next: next, metrics: m}
}

// Push sends notifications with the wrapped Pusher.
func (p *Pusher) Push(ctx context.Context, topic string, notifications []*apns.Notification) (map[string]*push.Response, error) {
	if p.metrics != nil {
		p.metrics.pushInflight.Inc()
		defer p.metrics.pushInflight.Dec()
	}
	start := time.Now()
	resp, err := p.next.Push(ctx, topic, notifications)
	p.metrics.recordPush(topic, resp, time.Since(start))
	return resp, err
}
