package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/hnsnap/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns the
// collectors for runs started/completed/running and per-space record counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec
	runRecords    prometheus.Gauge

	recordsStored *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hnsnap_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnsnap_runs_completed_total",
			Help: "Total crawl runs completed partitioned by stop reason.",
		}, []string{"reason"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hnsnap_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hnsnap_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"reason"}),
		runRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hnsnap_run_records",
			Help: "Records retrieved by the most recently completed run.",
		}),
		recordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnsnap_records_stored_total",
			Help: "Records stored partitioned by id space and item kind.",
		}, []string{"space", "kind"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnsnap_fetch_failures_total",
			Help: "Failed work items partitioned by id space and error kind.",
		}, []string{"space", "error_kind"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hnsnap_fetch_duration_seconds",
			Help:    "Fetch duration of stored records partitioned by id space.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"space"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.runRecords,
		s.recordsStored,
		s.fetchFailures,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		reason := evt.Reason
		if reason == "" {
			reason = "unknown"
		}
		s.runsCompleted.WithLabelValues(reason).Inc()
		s.runRecords.Set(float64(evt.Count))
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues(reason).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageRecordStored:
		s.recordsStored.WithLabelValues(evt.Space, evt.Kind).Inc()
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(evt.Space).Observe(evt.Dur.Seconds())
		}
	case progress.StageFetchFailed:
		s.fetchFailures.WithLabelValues(evt.Space, evt.ErrorKind).Inc()
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
