// Package metrics collects per-invocation Prometheus metrics for chain
// mutations, retention sweeps and integrity checks. A CLI invocation is short
// lived, so metrics are exported as a node_exporter textfile instead of being
// scraped.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chainvault/internal/chain"
)

const namespace = "chainvault"

// Metrics owns a private registry; nothing is registered globally.
type Metrics struct {
	registry *prometheus.Registry

	backupsAdded      *prometheus.CounterVec
	retentionDeleted  *prometheus.CounterVec
	retentionFreed    *prometheus.CounterVec
	retentionErrors   *prometheus.CounterVec
	verifications     *prometheus.CounterVec
	chainSize         *prometheus.GaugeVec
	chainBackups      *prometheus.GaugeVec
	operationDuration *prometheus.HistogramVec
}

// New creates a Metrics whose series all carry the host label.
func New(hostID string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"host": hostID}, reg))

	return &Metrics{
		registry: reg,
		backupsAdded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_added_total",
			Help:      "Backups recorded in a chain, by subject and type.",
		}, []string{"subject", "type"}),
		retentionDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deleted_total",
			Help:      "Backups deleted by retention.",
		}, []string{"subject"}),
		retentionFreed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "freed_bytes_total",
			Help:      "Bytes released by retention deletions.",
		}, []string{"subject"}),
		retentionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "errors_total",
			Help:      "Per-backup failures during retention runs.",
		}, []string{"subject"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "verifications_total",
			Help:      "Backup verifications by mode and result.",
		}, []string{"subject", "mode", "result"}),
		chainSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "size_bytes",
			Help:      "Total size of all backups in the chain.",
		}, []string{"subject"}),
		chainBackups: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "backups",
			Help:      "Backups in the chain, by type.",
		}, []string{"subject", "type"}),
		operationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of CLI operations, by status.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"operation", "status"}),
	}
}

// Registry exposes the underlying registry as a Gatherer.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) BackupAdded(subject string, t chain.BackupType) {
	m.backupsAdded.WithLabelValues(subject, string(t)).Inc()
}

// Retention records a real run. Dry runs delete nothing and are ignored.
func (m *Metrics) Retention(r *chain.RetentionResult) {
	if r == nil || r.DryRun {
		return
	}
	m.retentionDeleted.WithLabelValues(r.Subject).Add(float64(r.DeletedCount))
	m.retentionFreed.WithLabelValues(r.Subject).Add(float64(r.FreedBytes))
	m.retentionErrors.WithLabelValues(r.Subject).Add(float64(len(r.Errors)))
}

func (m *Metrics) Verification(subject string, r *chain.VerificationResult) {
	result := "valid"
	if !r.Valid {
		result = "invalid"
	}
	m.verifications.WithLabelValues(subject, string(r.Mode), result).Inc()
}

// Chain sets the size gauges from the chain's statistics.
func (m *Metrics) Chain(s *chain.Statistics) {
	m.chainSize.WithLabelValues(s.Subject).Set(float64(s.TotalSizeBytes))
	m.chainBackups.WithLabelValues(s.Subject, string(chain.TypeFull)).Set(float64(s.FullBackups))
	m.chainBackups.WithLabelValues(s.Subject, string(chain.TypeIncremental)).Set(float64(s.IncrementalBackups))
}

func (m *Metrics) Operation(name string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationDuration.WithLabelValues(name, status).Observe(d.Seconds())
}

// WriteTextfile writes every gathered series to path in the text exposition
// format. The parent directory is created if needed.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
