package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics accumulates per-invocation counters and exports them in the
// Prometheus text format for node_exporter's textfile collector.
type Metrics struct {
	registry *prometheus.Registry

	endpointRuns *prometheus.CounterVec
	files        *prometheus.CounterVec
	records      *prometheus.CounterVec
	runDuration  *prometheus.GaugeVec
	lastRun      *prometheus.GaugeVec
	runErrors    *prometheus.GaugeVec

	textfileDir string
}

// NewMetrics creates a metrics set. An empty textfileDir disables export.
func NewMetrics(textfileDir string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		endpointRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apisync_endpoint_runs_total",
			Help: "Endpoint calls processed, by result",
		}, []string{"integration", "endpoint", "result"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apisync_files_total",
			Help: "Artifacts handled by the output writer, by outcome",
		}, []string{"integration", "endpoint", "outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apisync_records_total",
			Help: "Records returned by endpoint calls",
		}, []string{"integration", "endpoint"}),
		runDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apisync_run_duration_seconds",
			Help: "Duration of the last invocation",
		}, []string{"integration"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apisync_last_run_timestamp_seconds",
			Help: "Unix time the last invocation finished",
		}, []string{"integration"}),
		runErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apisync_run_errors",
			Help: "Errors logged by the last invocation",
		}, []string{"integration"}),
		textfileDir: textfileDir,
	}

	m.registry.MustRegister(m.endpointRuns, m.files, m.records, m.runDuration, m.lastRun, m.runErrors)
	return m
}

// ObserveRecord counts one endpoint outcome
func (m *Metrics) ObserveRecord(integration string, r Record) {
	result := "success"
	if r.Failed {
		result = "failed"
	}
	m.endpointRuns.WithLabelValues(integration, r.Endpoint, result).Inc()
	m.files.WithLabelValues(integration, r.Endpoint, "written").Add(float64(r.FilesWritten))
	m.files.WithLabelValues(integration, r.Endpoint, "skipped").Add(float64(r.FilesSkipped))
	m.records.WithLabelValues(integration, r.Endpoint).Add(float64(r.Total))
}

// ObserveRun records the totals of a finished invocation
func (m *Metrics) ObserveRun(integration string, end time.Time, duration time.Duration, errorCount int) {
	m.runDuration.WithLabelValues(integration).Set(duration.Seconds())
	m.lastRun.WithLabelValues(integration).Set(float64(end.Unix()))
	m.runErrors.WithLabelValues(integration).Set(float64(errorCount))
}

// Gatherer exposes the underlying registry
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// TextfilePath returns where WriteTextfile writes for integration, or "" when
// export is disabled.
func (m *Metrics) TextfilePath(integration string) string {
	if m.textfileDir == "" {
		return ""
	}
	return filepath.Join(m.textfileDir, "apisync_"+integration+".prom")
}

// WriteTextfile exports the registry for integration
func (m *Metrics) WriteTextfile(integration string) error {
	path := m.TextfilePath(integration)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(m.textfileDir, 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
