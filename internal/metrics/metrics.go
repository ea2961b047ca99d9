package metrics

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dbsnap"

// Run collects the outcome of one command for the node exporter textfile
// collector.
type Run struct {
	command  string
	registry *prometheus.Registry

	lastRun   prometheus.Gauge
	success   prometheus.Gauge
	duration  prometheus.Gauge
	bytes     prometheus.Gauge
	instances prometheus.Gauge
}

func NewRun(command string) *Run {
	labels := prometheus.Labels{"command": command}
	r := &Run{
		command:  command,
		registry: prometheus.NewRegistry(),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_timestamp_seconds",
			Help: "Unix time the command last finished.", ConstLabels: labels,
		}),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_success",
			Help: "1 if the last run succeeded, 0 otherwise.", ConstLabels: labels,
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_duration_seconds",
			Help: "Wall time of the last run.", ConstLabels: labels,
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_bytes",
			Help: "Bytes produced by the last run (copied data or published bundles).", ConstLabels: labels,
		}),
		instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_instances",
			Help: "Instances handled by the last run.", ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(r.lastRun, r.success, r.duration, r.bytes, r.instances)
	return r
}

func (r *Run) SetBytes(n int64)   { r.bytes.Set(float64(n)) }
func (r *Run) SetInstances(n int) { r.instances.Set(float64(n)) }

// Finish records the outcome. Call once, after the command returns.
func (r *Run) Finish(start, end time.Time, err error) {
	r.lastRun.Set(float64(end.Unix()))
	r.duration.Set(end.Sub(start).Seconds())
	if err == nil {
		r.success.Set(1)
	} else {
		r.success.Set(0)
	}
}

func (r *Run) Filename(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.prom", namespace, r.command))
}

// Write stores the metrics as dbsnap_<command>.prom in dir. The file is
// replaced atomically.
func (r *Run) Write(dir string) error {
	if err := prometheus.WriteToTextfile(r.Filename(dir), r.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
