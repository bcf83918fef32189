// Package metrics records per-run results for the node_exporter textfile
// collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourorg/bitbucket-deployer/pkg/resource"
)

const namespace = "bitbucket_deployer"

// Recorder holds the gauges for a single run on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	info          *prometheus.GaugeVec
	lastRun       prometheus.Gauge
	duration      prometheus.Gauge
	resources     *prometheus.GaugeVec
	success       prometheus.Gauge
	upgradeAction prometheus.Gauge
}

// NewRecorder creates a recorder and registers its collectors.
func NewRecorder() (*Recorder, error) {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Requested application version and run mode.",
		}, []string{"version", "noop"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time spent applying resources in the last run.",
		}),
		resources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resources",
			Help:      "Resources by outcome in the last run.",
		}, []string{"state"}),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run converged without error.",
		}),
		upgradeAction: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upgrade_actions",
			Help:      "Upgrade actions executed in the last run.",
		}),
	}

	for _, c := range []prometheus.Collector{r.info, r.lastRun, r.duration, r.resources, r.success, r.upgradeAction} {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return r, nil
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Observe records a finished run.
func (r *Recorder) Observe(version string, report *resource.Report, upgradeActions int, runErr error, finished time.Time) {
	noop := "false"
	if report != nil && report.Noop {
		noop = "true"
	}
	r.info.Reset()
	r.info.WithLabelValues(version, noop).Set(1)
	r.lastRun.Set(float64(finished.Unix()))
	r.upgradeAction.Set(float64(upgradeActions))

	if report != nil {
		r.duration.Set(report.Duration.Seconds())
		r.resources.WithLabelValues("applied").Set(float64(report.Applied))
		r.resources.WithLabelValues("changed").Set(float64(report.Changed))
		r.resources.WithLabelValues("refreshed").Set(float64(report.Refreshed))
		failed := 0.0
		if report.Failed != "" {
			failed = 1
		}
		r.resources.WithLabelValues("failed").Set(failed)
	}

	if runErr == nil {
		r.success.Set(1)
	} else {
		r.success.Set(0)
	}
}

// WriteTextfile writes the registry atomically for the textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
