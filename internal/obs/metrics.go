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

// Общие HTTP-метрики
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ocpihub_ready",
		Help: "1 when the hub passes its readiness probe.",
	})
)

// Метрики федерации
var (
	syncWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpi_sync_writes_total",
			Help: "Writes handled by the synchronisation engine.",
		},
		[]string{"module", "op", "outcome"},
	)

	pendingCommands = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ocpi_pending_commands",
		Help: "Commands awaiting a callback or timeout.",
	})

	commandResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpi_command_results_total",
			Help: "Resolved commands by kind and result.",
		},
		[]string{"kind", "result"},
	)

	partnerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpi_partner_status_transitions_total",
			Help: "Remote partner status transitions.",
		},
		[]string{"status"},
	)

	outboundJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpi_outbound_jobs_total",
			Help: "Outbound partner calls by outcome.",
		},
		[]string{"kind", "outcome"},
	)

	initOnce sync.Once
)

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			syncWrites, pendingCommands, commandResults, partnerTransitions, outboundJobs,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath replaces object identifiers with placeholders to keep label
// cardinality bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	segs := strings.Split(trimmed, "/")
	switch {
	case segs[0] == "ocpi" && len(segs) > 4:
		keep := 4
		if segs[3] == "commands" {
			keep = 5
		}
		for i := keep; i < len(segs); i++ {
			segs[i] = ":id"
		}
	case segs[0] == "admin" && len(segs) > 2 && segs[1] == "partners":
		segs[2] = ":id"
	}
	return "/" + strings.Join(segs, "/")
}

// SetReady exports the readiness state.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveSyncWrite counts one PUT/PATCH/DELETE outcome.
func ObserveSyncWrite(module, op, outcome string) {
	syncWrites.WithLabelValues(module, op, outcome).Inc()
}

// SetPendingCommands exports the size of the pending command table.
func SetPendingCommands(n int) {
	pendingCommands.Set(float64(n))
}

// ObserveCommandResult counts a resolved command.
func ObserveCommandResult(kind, result string) {
	commandResults.WithLabelValues(kind, result).Inc()
}

// ObservePartnerStatus counts a remote status transition.
func ObservePartnerStatus(status string) {
	partnerTransitions.WithLabelValues(status).Inc()
}

// ObserveOutboundJob counts an outbound call by job kind and outcome.
func ObserveOutboundJob(kind, outcome string) {
	outboundJobs.WithLabelValues(kind, outcome).Inc()
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
