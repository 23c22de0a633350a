// Package metrics registers the Prometheus collectors of the file manager.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "filemanager"

// Outcome labels.
const (
	OK     = "ok"
	Failed = "failed"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"method", "route", "code"})

	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "HTTP requests currently being served.",
	})

	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Service operations by result; result is ok or an error kind.",
	}, []string{"operation", "result"})

	operationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Service operation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfer_bytes_total",
		Help:      "Bytes moved by uploads and downloads.",
	}, []string{"direction"})

	transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_total",
		Help:      "Uploads and downloads by outcome.",
	}, []string{"direction", "outcome"})

	uploadSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_size_bytes",
		Help:      "Size of stored uploads.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10), // 1 KiB .. 256 GiB
	})

	ruleViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_rule_violations_total",
		Help:      "Rejected uploads by violated rule.",
	}, []string{"rule"})

	thumbnails = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "thumbnails_total",
		Help:      "Generated thumbnails by outcome.",
	}, []string{"outcome"})

	links = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "temporary_links_total",
		Help:      "Temporary links by event (issued, redeemed, rejected).",
	}, []string{"event"})

	storageCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "calls_total",
		Help:      "Calls into remote storage drivers.",
	}, []string{"driver", "call", "outcome"})

	storageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "call_duration_seconds",
		Help:      "Latency of calls into remote storage drivers.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"driver", "call"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(ok bool) string {
	if ok {
		return OK
	}
	return Failed
}

// RecordOperation records a service operation. result is OK or the name of
// the error kind.
func RecordOperation(op, result string, d time.Duration) {
	operations.WithLabelValues(op, result).Inc()
	operationSeconds.WithLabelValues(op).Observe(d.Seconds())
}

// RecordContentUpload counts n written bytes. Only stored uploads feed the
// size histogram.
func RecordContentUpload(n int64, ok bool) {
	transferBytes.WithLabelValues("upload").Add(float64(n))
	transfers.WithLabelValues("upload", outcome(ok)).Inc()
	if ok {
		uploadSize.Observe(float64(n))
	}
}

func RecordContentDownload(n int64, ok bool) {
	transferBytes.WithLabelValues("download").Add(float64(n))
	transfers.WithLabelValues("download", outcome(ok)).Inc()
}

func RecordValidationFailure(rule string) {
	ruleViolations.WithLabelValues(rule).Inc()
}

func RecordThumbnail(ok bool) {
	thumbnails.WithLabelValues(outcome(ok)).Inc()
}

// RecordLink counts a temporary link event: issued, redeemed or rejected.
func RecordLink(event string) {
	links.WithLabelValues(event).Inc()
}

func RecordStorageOperation(driver, call string, d time.Duration, ok bool) {
	storageCalls.WithLabelValues(driver, call, outcome(ok)).Inc()
	storageSeconds.WithLabelValues(driver, call).Observe(d.Seconds())
}

type codeRecorder struct {
	http.ResponseWriter
	code int
}

func (c *codeRecorder) WriteHeader(code int) {
	if c.code == 0 {
		c.code = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *codeRecorder) Write(b []byte) (int, error) {
	if c.code == 0 {
		c.code = http.StatusOK
	}
	return c.ResponseWriter.Write(b)
}

func (c *codeRecorder) Unwrap() http.ResponseWriter { return c.ResponseWriter }

// Middleware records request metrics labelled by the matched route pattern,
// so it must wrap the ServeMux directly.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight.Inc()
		defer inFlight.Dec()

		start := time.Now()
		rec := &codeRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if rec.code == 0 {
			rec.code = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.code)).Inc()
		requestSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
