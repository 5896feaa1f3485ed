// Package metrics exposes Prometheus collectors for deploy runs, pipeline
// stages and the serve mode HTTP surface.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comercium/deployctl/internal/pipeline"
)

var (
	// Registry holds the deployctl-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	runsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deployctl",
			Subsystem: "runs",
			Name:      "inflight",
			Help:      "Whether a deploy run is currently executing.",
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployctl",
			Subsystem: "runs",
			Name:      "total",
			Help:      "Total number of deploy runs by final status.",
		},
		[]string{"profile", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deployctl",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Duration of complete deploy runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 500ms to ~17min
		},
		[]string{"profile"},
	)

	stagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployctl",
			Subsystem: "stages",
			Name:      "total",
			Help:      "Total number of stage executions by outcome.",
		},
		[]string{"stage", "status"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deployctl",
			Subsystem: "stages",
			Name:      "duration_seconds",
			Help:      "Duration of individual pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"stage"},
	)

	maintenanceRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployctl",
			Subsystem: "maintenance",
			Name:      "removed_total",
			Help:      "Rows removed by maintenance passes.",
		},
		[]string{"kind"},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deployctl",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deployctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		runsInFlight,
		runsTotal,
		runDuration,
		stagesTotal,
		stageDuration,
		maintenanceRemoved,
		httpInFlight,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Observe consumes pipeline events until the channel closes. Run it in its
// own goroutine against a bus subscription.
func Observe(events <-chan pipeline.Event) {
	for ev := range events {
		Record(ev)
	}
}

// Record feeds one pipeline event into the collectors.
func Record(ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventRunStarted:
		runsInFlight.Inc()
	case pipeline.EventRunFinished:
		runsInFlight.Dec()
		runsTotal.WithLabelValues(ev.Profile, string(ev.Status)).Inc()
		runDuration.WithLabelValues(ev.Profile).Observe(float64(ev.DurationMs) / 1000)
	case pipeline.EventStageFinished:
		stagesTotal.WithLabelValues(ev.Stage, string(ev.Status)).Inc()
		stageDuration.WithLabelValues(ev.Stage).Observe(float64(ev.DurationMs) / 1000)
	}
}

// RecordMaintenance records rows removed by a maintenance pass.
func RecordMaintenance(carts, orders int) {
	maintenanceRemoved.WithLabelValues("carts").Add(float64(carts))
	maintenanceRemoved.WithLabelValues("orders").Add(float64(orders))
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the instrumentation.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// canonicalPath collapses run-scoped paths so label cardinality stays
// bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/api"
	}
	if len(parts) == 2 {
		return "/api/" + parts[1]
	}
	return "/api/" + parts[1] + "/:id"
}
