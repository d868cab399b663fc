package pipeline

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
)

// RunnerState is the progress of a Runner.
type RunnerState int

const (
	Created RunnerState = iota
	Initialized
	Running
	Finalized
	Failed
)

// String gets a lowercase name of the state.
func (r RunnerState) String() string {
	switch r {
	case Created:
		return "created"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Finalized:
		return "finalized"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("RunnerState(%d)", int(r))
}

// A Task is the body run once per owned task index.
type Task interface {
	Run(local int) error
}

// TaskFunc adapts a function to a Task.
type TaskFunc func(local int) error

// Run calls t.
func (t TaskFunc) Run(local int) error {
	return t(local)
}

// An Initializer is a Task with a hook that runs before
// the first task index.
type Initializer interface {
	Initialize(w *Worker) error
}

// A Finalizer is a Task with a hook that runs after the
// last task index.
type Finalizer interface {
	Finalize(w *Worker) error
}

// A TaskError reports the task index whose body failed.
type TaskError struct {
	Local  int
	Global int
	Err    error
}

// Error names the global and local index of the task.
func (t *TaskError) Error() string {
	return fmt.Sprintf("task %d (local %d): %v", t.Global, t.Local, t.Err)
}

// Unwrap gets the task body's error.
func (t *TaskError) Unwrap() error {
	return t.Err
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Scope defaults to tally.NoopScope.
	Scope tally.Scope

	// Logger defaults to the worker's logger.
	Logger logrus.FieldLogger
}

// A Runner drives one worker's share of the tasks.
type Runner struct {
	worker  *Worker
	state   RunnerState
	metrics *Metrics
	log     logrus.FieldLogger
}

// NewRunner creates a Runner for a worker.
func NewRunner(w *Worker, opts RunnerOptions) *Runner {
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}
	if opts.Logger == nil {
		opts.Logger = w.log
	}
	return &Runner{
		worker:  w,
		metrics: NewMetrics(opts.Scope),
		log:     opts.Logger,
	}
}

// State gets how far Loop has progressed.
func (r *Runner) State() RunnerState {
	return r.state
}

// Loop runs task on every owned index in ascending order.
//
// The first failure stops the loop; later indices and
// the Finalize hook are skipped, and other workers are
// not told.
// A Runner can only Loop once.
func (r *Runner) Loop(task Task) error {
	if r.state != Created {
		return errors.Errorf("runner already %s", r.state)
	}

	if hook, ok := task.(Initializer); ok {
		if err := hook.Initialize(r.worker); err != nil {
			r.state = Failed
			return errors.Wrap(err, "initialize")
		}
	}
	r.state = Initialized
	r.log.WithField("tasks", r.worker.NumMine()).Debug("initialized")

	r.state = Running
	for local := 0; local < r.worker.NumMine(); local++ {
		global := r.worker.TaskIndex(local)
		r.log.WithField("task", global).Debug("running task")
		r.metrics.TasksStarted.Inc(1)
		sw := r.metrics.TaskDuration.Start()
		err := task.Run(local)
		sw.Stop()
		if err != nil {
			r.metrics.TasksFailed.Inc(1)
			r.state = Failed
			r.log.WithError(err).WithField("task", global).Error("task failed")
			return &TaskError{Local: local, Global: global, Err: err}
		}
		r.metrics.TasksSucceeded.Inc(1)
	}

	if hook, ok := task.(Finalizer); ok {
		if err := hook.Finalize(r.worker); err != nil {
			r.state = Failed
			return errors.Wrap(err, "finalize")
		}
	}
	r.state = Finalized
	return nil
}
