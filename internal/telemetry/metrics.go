package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ava",
			Name:      "messages_sent_total",
			Help:      "Messages written to neighbor streams.",
		},
		[]string{"type"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ava",
			Name:      "messages_received_total",
			Help:      "Messages decoded from inbound connections.",
		},
		[]string{"type"},
	)

	SendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ava",
			Name:      "send_failures_total",
			Help:      "Sends refused because the neighbor was unknown, not open or backed up.",
		},
		[]string{"peer"},
	)

	Uninterpretable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ava",
			Name:      "uninterpretable_frames_total",
			Help:      "Inbound frames that failed to decode.",
		},
	)

	StreamState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ava",
			Name:      "stream_state",
			Help:      "Neighbor stream state (0 connecting, 1 open, 2 closed, 3 failed).",
		},
		[]string{"peer"},
	)

	CriticalSectionEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ava",
			Name:      "critical_section_entries_total",
			Help:      "Entries into the distributed critical section.",
		},
	)

	CriticalSectionWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ava",
			Name:      "critical_section_wait_seconds",
			Help:      "Time from request to entry.",
			// 1ms .. ~8s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	MutexQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ava",
			Name:      "mutex_queue_length",
			Help:      "Requests currently in the local mutex queue.",
		},
	)

	TerminationRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ava",
			Name:      "termination_rounds_total",
			Help:      "Completed termination polling rounds by outcome.",
		},
		[]string{"outcome"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ava",
			Name:      "http_requests_total",
			Help:      "Introspection HTTP requests.",
		},
		[]string{"op", "status"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ava",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "ava",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		MessagesSent, MessagesReceived, SendFailures, Uninterpretable, StreamState,
		CriticalSectionEntries, CriticalSectionWait, MutexQueueLength, TerminationRounds,
		RequestsTotal, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to count requests under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		RequestsTotal.WithLabelValues(op, strconv.Itoa(sw.status/100)+"xx").Inc()
	})
}
