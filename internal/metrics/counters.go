package metrics

import "github.com/prometheus/client_golang/prometheus"

// Counters are the event counters incremented by the long-running loops.
type Counters struct {
	Dispatches       *prometheus.CounterVec
	ResultsProcessed *prometheus.CounterVec
	TasksFinished    *prometheus.CounterVec
}

// Dispatch outcome labels.
const (
	DispatchAccepted  = "accepted"
	DispatchBusy      = "busy"
	DispatchFailed    = "failed"
	DispatchRequeued  = "requeued_no_worker"
	DispatchCancelled = "cancelled"
)

// NewCounters creates unregistered counters; call Register to attach them
// to a registry.
func NewCounters() *Counters {
	return &Counters{
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_dispatches_total",
			Help: "Dispatch attempts by outcome",
		}, []string{"outcome"}),
		ResultsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_results_processed_total",
			Help: "Subtask results processed by outcome",
		}, []string{"outcome"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_tasks_finished_total",
			Help: "Tasks reaching a terminal state",
		}, []string{"state"}),
	}
}

// Register attaches the counters to the registry.
func (c *Counters) Register(reg prometheus.Registerer) {
	reg.MustRegister(c.Dispatches, c.ResultsProcessed, c.TasksFinished)
}
