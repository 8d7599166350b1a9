package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	RegistryDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "c19x_registry_devices",
		Help: "Registered devices seen by the last sweep.",
	})

	RegistryRegistrations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "c19x_registry_registrations_total",
		Help: "Devices registered since start.",
	})

	RegistryEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "c19x_registry_evictions_total",
		Help: "Devices removed for inactivity.",
	})

	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "c19x_publish_duration_seconds",
			Help:    "Time spent building a snapshot.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"encoding"},
	)

	PublishEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "c19x_publish_entries",
			Help: "Seeds (sparse) or set bits (bitmap) in the current snapshot.",
		},
		[]string{"encoding"},
	)

	LoginFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "c19x_login_failures_total",
		Help: "Rejected administrator logins.",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "c19x_sessions_active",
		Help: "Administrator sessions currently held.",
	})

	ControlCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c19x_control_commands_total",
			Help: "Administrative commands by name and outcome.",
		},
		[]string{"command", "outcome"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			RegistryDevices, RegistryRegistrations, RegistryEvictions,
			PublishDuration, PublishEntries,
			LoginFailures, SessionsActive, ControlCommands,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// knownPaths bounds label cardinality; anything else is reported as "other".
var knownPaths = map[string]struct{}{
	"/":              {},
	"/registration":  {},
	"/status":        {},
	"/message":       {},
	"/infectionData": {},
	"/lookup":        {},
	"/parameters":    {},
	"/time":          {},
	"/admin/control": {},
	"/admin/session": {},
	"/healthz":       {},
	"/readyz":        {},
	"/metrics":       {},
}

// CanonicalPath maps a request path to a metrics label.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	return "other"
}

// Instrument records rate, latency and in-flight count for next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the connection.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
