package pipeline

import (
	"github.com/uber-go/tally/v4"
)

// Metrics tracks a Runner's task bodies.
type Metrics struct {
	TasksStarted   tally.Counter
	TasksSucceeded tally.Counter
	TasksFailed    tally.Counter

	TaskDuration tally.Timer
}

// NewMetrics creates Metrics under the "pipeline"
// sub-scope.
func NewMetrics(scope tally.Scope) *Metrics {
	s := scope.SubScope("pipeline")
	return &Metrics{
		TasksStarted:   s.Counter("tasks_started"),
		TasksSucceeded: s.Counter("tasks_succeeded"),
		TasksFailed:    s.Counter("tasks_failed"),

		TaskDuration: s.Timer("task_duration"),
	}
}
