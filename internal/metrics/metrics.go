package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session outcomes as seen by auth middleware
const (
	SessionValid          = "valid"
	SessionRenewed        = "renewed"
	SessionNoToken        = "no_token"
	SessionInvalid        = "invalid"
	SessionReauthenticate = "reauthenticate"
	SessionError          = "error"
)

// Login outcomes
const (
	LoginOK     = "ok"
	LoginFailed = "failed"
	LoginError  = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sessions        *prometheus.CounterVec
	logins          *prometheus.CounterVec
}

// Create metrics registered on own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_sessions_total",
				Help: "Authenticated requests by session outcome.",
			},
			[]string{"outcome"},
		),
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_logins_total",
				Help: "Login attempts by result.",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		m.requestCount,
		m.requestDuration,
		m.sessions,
		m.logins,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposing metrics in prometheus format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method string, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.requestCount.WithLabelValues(method, path, code).Inc()
	m.requestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

func (m *Metrics) Session(outcome string) {
	m.sessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Login(result string) {
	m.logins.WithLabelValues(result).Inc()
}
