package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by both binaries.
// Each instance owns its registry, so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	stages   *latencyWindow

	// Server side.
	Saves           *prometheus.CounterVec
	SaveLatency     prometheus.Histogram
	UploadFailures  *prometheus.CounterVec
	DispatchResults *prometheus.CounterVec
	ProcessorRuns   *prometheus.CounterVec

	// Client side.
	QueueDepth   *prometheus.GaugeVec
	SyncPasses   *prometheus.CounterVec
	SyncItems    *prometheus.CounterVec
	SyncEvents   prometheus.Counter
	Connectivity prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newLatencyWindow(256),
		Saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Remote save operations by outcome.",
		}, []string{"outcome"}),
		SaveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_latency_ms",
			Help:      "Remote save latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		UploadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_failures_total",
			Help:      "Media files that could not be stored, by kind.",
		}, []string{"kind"}),
		DispatchResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_jobs_total",
			Help:      "Claimed processing jobs by dispatch result.",
		}, []string{"result"}),
		ProcessorRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_runs_total",
			Help:      "Processor runs by memory type and outcome.",
		}, []string{"memory_type", "outcome"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Items in the local queue by status.",
		}, []string{"status"}),
		SyncPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes by result.",
		}, []string{"result"}),
		SyncItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Synced queue items by outcome.",
		}, []string{"outcome"}),
		SyncEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_completion_events_total",
			Help:      "Completion events published to subscribers.",
		}),
		Connectivity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the last connectivity probe succeeded.",
		}),
	}
}

func (m *Metrics) ObserveSave(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Saves.WithLabelValues(outcome).Inc()
	m.SaveLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageSaveTotal, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveUploadFailure(kind string) {
	if m == nil {
		return
	}
	m.UploadFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveDispatch(result string) {
	if m == nil {
		return
	}
	m.DispatchResults.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveProcessorRun(memoryType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProcessorRuns.WithLabelValues(memoryType, outcome).Inc()
	m.stages.Observe(StageProcessorRun, float64(d.Milliseconds()))
}

func (m *Metrics) SetQueueDepth(status string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(status).Set(float64(n))
}

func (m *Metrics) ObserveSyncPass(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncPasses.WithLabelValues(result).Inc()
	m.stages.Observe(StageSyncPass, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSyncItem(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncItems.WithLabelValues(outcome).Inc()
	m.stages.Observe(StageSyncItem, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSyncEvent() {
	if m == nil {
		return
	}
	m.SyncEvents.Inc()
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Connectivity.Set(1)
		return
	}
	m.Connectivity.Set(0)
}

// ObserveStage records a latency sample for the rolling stage window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

// ObserveIndicator counts a named occurrence in the rolling stage window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
