// Package metrics declares the process's Prometheus instrumentation:
// pool sizing gauges, a per-runner status gauge, and VM lifecycle
// counters/histograms, all exposed via promhttp on the metrics
// listener the server package starts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "runnerpool"

var (
	metricUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "up",
		Namespace: namespace,
		Subsystem: "server",
		Help:      "Is the server up",
	})

	metricPoolMaxRunners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "max_runners_count",
		Namespace: namespace,
		Subsystem: "pool",
		Help:      "Configured maximum number of runners for a pool",
	}, []string{"pool"})

	metricPoolMinRunners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "min_runners_count",
		Namespace: namespace,
		Subsystem: "pool",
		Help:      "Configured minimum number of runners for a pool",
	}, []string{"pool"})

	metricPoolCurrentRunners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "current_runners_count",
		Namespace: namespace,
		Subsystem: "pool",
		Help:      "Current number of runners tracked for a pool",
	}, []string{"pool"})

	metricPoolWarmRunners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "warm_runners_count",
		Namespace: namespace,
		Subsystem: "pool",
		Help:      "Current number of warm (not run, not running) runners for a pool",
	}, []string{"pool"})

	// metricRunnerStatus is keyed by name/flavor/image (the
	// supplemented per-runner status gauge from the original
	// implementation's metrics.runner_status). It is set to 1 once a
	// runner's VM has been provisioned, labelled with the runner's
	// status at that moment (creating or respawning); later status
	// transitions do not update it. Every series of a runner is removed
	// when the Factory deletes that runner.
	metricRunnerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "runner_status",
		Namespace: namespace,
		Subsystem: "runner",
		Help:      "1 for the runner's current status label, removed once the runner is deleted",
	}, []string{"runner", "flavor", "image", "status"})

	metricVMCreationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "vm_creation_duration_seconds",
		Namespace: namespace,
		Subsystem: "pool",
		Help:      "Time taken for CloudClient.CreateVM to return",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pool", "cloud"})

	metricVMDeletionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "vm_deletion_duration_seconds",
		Namespace: namespace,
		Subsystem: "pool",
		Help:      "Time taken for CloudClient.DeleteVM to return",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pool", "cloud"})

	metricVMCreationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "vm_creation_failures_total",
		Namespace: namespace,
		Subsystem: "pool",
		Help:      "Total number of failed VM creations, so operators can alert on degraded pools",
	}, []string{"pool", "cloud"})
)

// SetServerUp and SetServerDown mark process liveness for dashboards.
func SetServerUp()   { metricUp.Set(1) }
func SetServerDown() { metricUp.Set(0) }

// SetPoolSize records a pool's configured and current sizing.
func SetPoolSize(pool string, min, max, current, warm int) {
	metricPoolMinRunners.WithLabelValues(pool).Set(float64(min))
	metricPoolMaxRunners.WithLabelValues(pool).Set(float64(max))
	metricPoolCurrentRunners.WithLabelValues(pool).Set(float64(current))
	metricPoolWarmRunners.WithLabelValues(pool).Set(float64(warm))
}

// SetRunnerStatus marks the runner's current status, clearing any
// previously reported status label for the same runner first so stale
// series don't linger at 1.
func SetRunnerStatus(name, flavor, image string, prevStatus, status string) {
	if prevStatus != "" && prevStatus != status {
		metricRunnerStatus.DeleteLabelValues(name, flavor, image, prevStatus)
	}
	metricRunnerStatus.WithLabelValues(name, flavor, image, status).Set(1)
}

// RemoveRunner deletes every status series for a runner entering
// deleting, since its name will never be reused within this process.
func RemoveRunner(name, flavor, image, lastStatus string) {
	metricRunnerStatus.DeleteLabelValues(name, flavor, image, lastStatus)
	for _, s := range []string{"creating", "respawning", "online", "running", "offline", "deleting"} {
		metricRunnerStatus.DeleteLabelValues(name, flavor, image, s)
	}
}

// ObserveVMCreation records CreateVM's wall-clock duration and, on
// failure, increments the alertable failure counter.
func ObserveVMCreation(pool, cloudName string, d time.Duration, err error) {
	metricVMCreationDuration.WithLabelValues(pool, cloudName).Observe(d.Seconds())
	if err != nil {
		metricVMCreationFailures.WithLabelValues(pool, cloudName).Inc()
	}
}

// ObserveVMDeletion records DeleteVM's wall-clock duration.
func ObserveVMDeletion(pool, cloudName string, d time.Duration) {
	metricVMDeletionDuration.WithLabelValues(pool, cloudName).Observe(d.Seconds())
}
