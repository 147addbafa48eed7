// Package metrics exposes Prometheus collectors for the bundle iterator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsTotal               *prometheus.CounterVec
	recordBytesTotal           *prometheus.CounterVec
	badBlocksTotal             *prometheus.CounterVec
	truncatedRecordsTotal      *prometheus.CounterVec
	partitionsTotal            *prometheus.CounterVec
	checkpointSavesTotal       *prometheus.CounterVec
	batchDurationSeconds       *prometheus.HistogramVec
	sinkWritesTotal            *prometheus.CounterVec
	sinkThrottleSeconds        *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundle_records_total",
				Help: "Total number of records emitted, labeled by format and mode.",
			},
			[]string{"format", "mode"},
		)

		recordBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundle_record_bytes_total",
				Help: "Total number of page bytes emitted, labeled by format.",
			},
			[]string{"format"},
		)

		badBlocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundle_bad_blocks_total",
				Help: "Total number of compressed blocks skipped, labeled by compression.",
			},
			[]string{"compression"},
		)

		truncatedRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundle_truncated_records_total",
				Help: "Total number of unterminated trailing records dropped, labeled by format.",
			},
			[]string{"format"},
		)

		partitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundle_partitions_total",
				Help: "Total number of partitions finished, labeled by format and outcome.",
			},
			[]string{"format", "outcome"},
		)

		checkpointSavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundle_checkpoint_saves_total",
				Help: "Total number of checkpoint writes, labeled by result.",
			},
			[]string{"result"},
		)

		batchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundle_batch_duration_seconds",
				Help:    "Histogram of NextPages call latencies, labeled by format.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"format"},
		)

		sinkWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundle_sink_writes_total",
				Help: "Total number of record sink writes, labeled by sink and status.",
			},
			[]string{"sink", "status"},
		)

		sinkThrottleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundle_sink_throttle_seconds",
				Help:    "Histogram of time spent waiting on the sink rate limiter, labeled by sink.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"sink"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveRecords counts emitted records and their page bytes.
func ObserveRecords(format, mode string, count int, pageBytes int) {
	Init()
	if count > 0 {
		recordsTotal.WithLabelValues(format, mode).Add(float64(count))
	}
	if pageBytes > 0 {
		recordBytesTotal.WithLabelValues(format).Add(float64(pageBytes))
	}
}

// ObserveBadBlock counts a skipped compressed block.
func ObserveBadBlock(compression string) {
	Init()
	badBlocksTotal.WithLabelValues(compression).Inc()
}

// ObserveTruncated counts dropped trailing records.
func ObserveTruncated(format string, n int64) {
	Init()
	if n > 0 {
		truncatedRecordsTotal.WithLabelValues(format).Add(float64(n))
	}
}

// ObservePartition counts a finished or skipped partition.
func ObservePartition(format, outcome string) {
	Init()
	partitionsTotal.WithLabelValues(format, outcome).Inc()
}

// ObserveCheckpointSave counts a checkpoint write.
func ObserveCheckpointSave(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	checkpointSavesTotal.WithLabelValues(result).Inc()
}

// ObserveBatch records the duration of one NextPages call.
func ObserveBatch(format string, duration time.Duration) {
	Init()
	batchDurationSeconds.WithLabelValues(format).Observe(duration.Seconds())
}

// ObserveSinkWrite counts a write to a record sink.
func ObserveSinkWrite(sink string, err error) {
	Init()
	status := "ok"
	if err != nil {
		status = "error"
	}
	sinkWritesTotal.WithLabelValues(sink, status).Inc()
}

// ObserveThrottle records a rate limiter wait in front of a sink.
func ObserveThrottle(sink string, delay time.Duration) {
	Init()
	sinkThrottleSeconds.WithLabelValues(sink).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
