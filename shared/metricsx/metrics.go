// Package metricsx owns the Prometheus collectors shared by the sync
// services. Every collector lives under the pos_sync namespace.
package metricsx

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pos_sync"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "route"})

	events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "events_total",
		Help: "Device events processed by type, outcome and result code.",
	}, []string{"event_type", "status", "code"})

	pushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "push_duration_seconds",
		Help:    "Time spent applying one push batch.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	conflictsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "conflicts_opened_total",
		Help: "Conflicts opened by type.",
	}, []string{"conflict_type"})

	pullRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "pull_rows_total",
		Help: "Rows handed to devices by stream.",
	}, []string{"stream"})

	authFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "auth_failures_total",
		Help: "Rejected requests by reason.",
	}, []string{"reason"})

	securityAnomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "security_anomalies_total",
		Help: "Security audit rows written by kind.",
	}, []string{"kind"})

	kafkaLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "kafka", Name: "consumer_lag",
		Help: "Kafka consumer lag by topic and group.",
	}, []string{"topic", "group"})

	influxFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "influx", Name: "write_failures_total",
		Help: "InfluxDB writes that returned an error.",
	})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "asynq", Name: "queue_depth",
		Help: "Tasks waiting in an asynq queue.",
	}, []string{"queue"})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Repeated calls
// are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			events, pushLatency, conflictsOpened, pullRows,
			authFailures, securityAnomalies,
			kafkaLag, influxFailures, queueDepth,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Route collapses identifier segments so /v1/admin/conflicts/<uuid>/resolve
// and its siblings share one label value.
func Route(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := uuid.Parse(p); err == nil {
			parts[i] = ":id"
		} else if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":n"
		}
	}
	return strings.Join(parts, "/")
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		route := Route(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.code())).Inc()
		httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func IncSyncEvent(eventType string, status string, code string) {
	events.WithLabelValues(eventType, status, code).Inc()
}

func ObserveSyncPush(d time.Duration) {
	pushLatency.Observe(d.Seconds())
}

func IncConflictOpened(conflictType string) {
	conflictsOpened.WithLabelValues(conflictType).Inc()
}

func AddPullRows(stream string, n int) {
	if n > 0 {
		pullRows.WithLabelValues(stream).Add(float64(n))
	}
}

func IncAuthFailure(reason string) {
	authFailures.WithLabelValues(reason).Inc()
}

func IncSecurityAnomaly(kind string) {
	securityAnomalies.WithLabelValues(kind).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
