// internal/metrics/metrics.go
package metrics

import (
	"taro/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PluginName enables the observer in the plugins configuration.
const PluginName = "metrics"

var (
	// JobStateTransitionsTotal counts state changes of all instances.
	JobStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taro_job_state_transitions_total",
			Help: "Total number of job instance state transitions.",
		},
		[]string{"state"},
	)

	// JobExecutionTotal counts finished instances.
	JobExecutionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taro_job_executions_total",
			Help: "Total number of finished job instances.",
		},
		[]string{"job_id", "state"}, // terminal state
	)

	// JobWarningsTotal counts raised warnings.
	JobWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taro_job_warnings_total",
			Help: "Total number of warnings raised by job instances.",
		},
		[]string{"job_id", "warning"},
	)
)

// Observer counts state changes and warnings of the instances it is attached to.
type Observer struct{}

var (
	_ domain.ExecutionStateObserver = (*Observer)(nil)
	_ domain.WarningObserver        = (*Observer)(nil)
)

func NewObserver() *Observer { return &Observer{} }

func (o *Observer) StateUpdate(info domain.JobInfo) {
	state := info.State()
	JobStateTransitionsTotal.WithLabelValues(state.String()).Inc()
	if state.IsTerminal() {
		JobExecutionTotal.WithLabelValues(info.JobID(), state.String()).Inc()
	}
}

func (o *Observer) NewWarning(info domain.JobInfo, w domain.Warn, _ domain.WarnEventCtx) {
	JobWarningsTotal.WithLabelValues(info.JobID(), w.Name).Inc()
}

// WriteTextfile writes all registered metrics in the text exposition format,
// suitable for the node exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
