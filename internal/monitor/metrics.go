package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Task outcomes used as the status label.
const (
	StatusDone    = "done"
	StatusSkipped = "skipped"
	StatusTimeout = "timeout"
	StatusFailed  = "failed"
)

// Metrics holds the Prometheus metrics of one batch run.
type Metrics struct {
	Registry *prometheus.Registry

	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	TaskErrors      *prometheus.CounterVec
	ActiveTasks     prometheus.Gauge
	FindingsTotal   *prometheus.CounterVec
	OutputSizeBytes prometheus.Histogram
}

// NewMetrics creates and registers all metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "solscan",
				Name:      "tasks_total",
				Help:      "Total number of analysis tasks by tool, mode and status.",
			},
			[]string{"tool", "mode", "status"},
		),

		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "solscan",
				Name:      "task_duration_seconds",
				Help:      "Duration of container runs in seconds.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"tool"},
		),

		TaskErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "solscan",
				Name:      "task_errors_total",
				Help:      "Total task errors by type.",
			},
			[]string{"type"},
		),

		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "solscan",
				Name:      "active_tasks",
				Help:      "Number of tasks currently executing.",
			},
		),

		FindingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "solscan",
				Name:      "findings_total",
				Help:      "Total findings reported by parsers, by tool.",
			},
			[]string{"tool"},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "solscan",
				Name:      "output_size_bytes",
				Help:      "Size of extracted tool output archives in bytes.",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.TasksTotal,
		m.TaskDuration,
		m.TaskErrors,
		m.ActiveTasks,
		m.FindingsTotal,
		m.OutputSizeBytes,
	)

	return m
}

// RecordTask records the outcome of a task. Skipped tasks have no duration.
func (m *Metrics) RecordTask(tool, mode, status string, durationSec float64) {
	m.TasksTotal.WithLabelValues(tool, mode, status).Inc()
	if status != StatusSkipped {
		m.TaskDuration.WithLabelValues(tool).Observe(durationSec)
	}
}

// RecordError records a task error by type.
func (m *Metrics) RecordError(errType string) {
	m.TaskErrors.WithLabelValues(errType).Inc()
}

// RecordFindings adds n findings for tool.
func (m *Metrics) RecordFindings(tool string, n int) {
	m.FindingsTotal.WithLabelValues(tool).Add(float64(n))
}

// WriteTextfile writes all metrics in the text exposition format, for the
// node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
