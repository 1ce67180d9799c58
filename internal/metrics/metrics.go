package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/michaelbrown/compilebox/internal/sandbox"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compilebox_jobs_total",
			Help: "Total number of finished jobs",
		},
		[]string{"language", "outcome"}, // outcome: "completed", "timed_out"
	)

	JobTicks = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compilebox_job_ticks",
			Help:    "Watcher ticks elapsed before a job resolved",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 30, 60},
		},
		[]string{"language"},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "compilebox_jobs_in_flight",
			Help: "Jobs provisioned but not yet collected",
		},
	)

	SpawnFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compilebox_spawn_failures_total",
			Help: "Runtime invocations that could not be started",
		},
	)

	CleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compilebox_cleanup_failures_total",
			Help: "Workspaces that could not be removed",
		},
	)

	ArtifactErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compilebox_artifact_errors_total",
			Help: "Workspace artifacts that existed but could not be read",
		},
		[]string{"artifact"},
	)
)

// Observer records job transitions into the package collectors.
type Observer struct {
	sandbox.NopObserver
}

func (Observer) Provisioned(*sandbox.Job, string) {
	JobsInFlight.Inc()
}

func (Observer) Spawned(_ *sandbox.Job, _ []string, err error) {
	if err != nil {
		SpawnFailures.Inc()
	}
}

func (Observer) Resolved(job *sandbox.Job, res sandbox.Resolution) {
	JobsTotal.WithLabelValues(job.Language.Key, res.State.String()).Inc()
	JobTicks.WithLabelValues(job.Language.Key).Observe(float64(res.Ticks))
}

func (Observer) Collected(*sandbox.Job, *sandbox.Outcome) {
	JobsInFlight.Dec()
}

func (Observer) CleanedUp(_ *sandbox.Job, err error) {
	if err != nil {
		CleanupFailures.Inc()
	}
}

func (Observer) ArtifactError(_ *sandbox.Job, name string, _ error) {
	ArtifactErrors.WithLabelValues(name).Inc()
}

// WriteTextfile dumps the default registry in the text exposition format,
// for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
