// Package metrics counts build outcomes. crate is a short-lived command, so
// instead of serving /metrics the registry is written to a node-exporter
// textfile collector file when a command finishes.
package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Build results used as the result label.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultCached    = "cached"
)

// Recorder holds crate's collectors on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	builds          *prometheus.CounterVec
	buildDuration   prometheus.Histogram
	readiness       prometheus.Histogram
	destroyFailures prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crate_builds_total",
			Help: "Package builds by result.",
		}, []string{"result"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crate_build_duration_seconds",
			Help:    "Wall time of builds that provisioned an instance.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 9),
		}),
		readiness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crate_readiness_attempts",
			Help:    "Readiness checks made before an instance was ready or gave up.",
			Buckets: prometheus.LinearBuckets(1, 2, 12),
		}),
		destroyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crate_instance_destroy_failures_total",
			Help: "Instances that could not be destroyed.",
		}),
	}
	r.registry.MustRegister(r.builds, r.buildDuration, r.readiness, r.destroyFailures)
	return r
}

// Build records one build outcome. Durations are only observed for builds
// that did work.
func (r *Recorder) Build(result string, d time.Duration) {
	if r == nil {
		return
	}
	r.builds.WithLabelValues(result).Inc()
	if result != ResultCached {
		r.buildDuration.Observe(d.Seconds())
	}
}

// ReadinessAttempts records how many checks one wait needed.
func (r *Recorder) ReadinessAttempts(n int) {
	if r == nil {
		return
	}
	r.readiness.Observe(float64(n))
}

// DestroyFailed counts an instance left behind.
func (r *Recorder) DestroyFailed() {
	if r == nil {
		return
	}
	r.destroyFailures.Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes the current values to path in the text exposition
// format. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if filepath.Ext(path) != ".prom" {
		return errors.New("metrics file must end in .prom for the textfile collector")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}
