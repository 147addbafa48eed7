package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/archive-bundle-iterator/internal/progress"
)

// PrometheusSink exports run progress via Prometheus. It owns the collectors
// for runs started/completed/running and per-format batch counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	batches       *prometheus.CounterVec
	batchRecords  *prometheus.CounterVec
	batchBytes    *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	heartbeats    *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bundle_runs_started_total",
			Help: "Total iterate runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundle_runs_completed_total",
			Help: "Total iterate runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bundle_runs_running",
			Help: "Current number of running iterate runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bundle_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400},
		}, []string{"result"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundle_run_batches_total",
			Help: "Batches delivered to the runner partitioned by format.",
		}, []string{"format"}),
		batchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundle_run_records_total",
			Help: "Records delivered to the runner partitioned by format.",
		}, []string{"format"}),
		batchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundle_run_bytes_total",
			Help: "Page bytes delivered to the runner partitioned by format.",
		}, []string{"format"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bundle_run_batch_seconds",
			Help:    "Time to read and deliver one batch partitioned by format.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"format"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundle_run_heartbeats_total",
			Help: "Iterator heartbeats partitioned by stage.",
		}, []string{"stage"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.batches,
		s.batchRecords,
		s.batchBytes,
		s.batchDuration,
		s.heartbeats,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
			s.handleRunEvent(evt)
		case progress.StageBatchDone:
			s.handleBatchEvent(evt)
		case progress.StageRunHB:
			s.heartbeats.WithLabelValues(evt.Note).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleBatchEvent(evt progress.Event) {
	format := evt.Format
	if format == "" {
		format = "unknown"
	}
	s.batches.WithLabelValues(format).Inc()
	if evt.Records > 0 {
		s.batchRecords.WithLabelValues(format).Add(float64(evt.Records))
	}
	if evt.Bytes > 0 {
		s.batchBytes.WithLabelValues(format).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.batchDuration.WithLabelValues(format).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
