// Package metrics exposes Prometheus collectors for the gateway and executor
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "voxbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	execTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxbridge",
			Subsystem: "exec",
			Name:      "runs_total",
			Help:      "Command executions by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	execDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "voxbridge",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Command execution wall time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"mode"},
	)
	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxbridge",
			Subsystem: "bridge",
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched from the realtime session.",
		},
		[]string{"tool", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, execTotal, execDuration, toolCalls)
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordExec counts one execution. outcome is one of ok, failed, timeout, error.
func RecordExec(mode, outcome string, duration time.Duration) {
	RegisterMetrics()
	execTotal.WithLabelValues(mode, outcome).Inc()
	execDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordToolCall(tool, outcome string) {
	RegisterMetrics()
	toolCalls.WithLabelValues(tool, outcome).Inc()
}
