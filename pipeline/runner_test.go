package pipeline

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
	"github.com/unixpickle/taskfarm/comm"
	"github.com/unixpickle/taskfarm/simulator"
)

type hookTask struct {
	run      func(local int) error
	init     func(w *Worker) error
	finalize func(w *Worker) error

	events []string
}

func (h *hookTask) Initialize(w *Worker) error {
	h.events = append(h.events, "init")
	if h.init != nil {
		return h.init(w)
	}
	return nil
}

func (h *hookTask) Run(local int) error {
	h.events = append(h.events, "run")
	if h.run != nil {
		return h.run(local)
	}
	return nil
}

func (h *hookTask) Finalize(w *Worker) error {
	h.events = append(h.events, "finalize")
	if h.finalize != nil {
		return h.finalize(w)
	}
	return nil
}

// singleWorker forms a one-rank farm with the given
// number of tasks and calls f with its worker.
func singleWorker(t *testing.T, tasks int, f func(w *Worker)) {
	loop := simulator.NewEventLoopSeed(1)
	err := comm.RunSim(loop, simulator.RandomNetwork{}, 1, comm.Options{}, func(world *comm.Group) {
		m, err := Form(world, tasks, 1, Options{Info: io.Discard})
		if !assert.NoError(t, err) {
			return
		}
		defer m.Worker.Close()
		f(m.Worker)
	})
	require.NoError(t, err)
}

func TestRunnerOrder(t *testing.T) {
	singleWorker(t, 4, func(w *Worker) {
		var order []int
		r := NewRunner(w, RunnerOptions{})
		assert.Equal(t, Created, r.State())
		err := r.Loop(TaskFunc(func(local int) error {
			order = append(order, local)
			return nil
		}))
		assert.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, order)
		assert.Equal(t, Finalized, r.State())
	})
}

func TestRunnerHooks(t *testing.T) {
	singleWorker(t, 2, func(w *Worker) {
		task := &hookTask{}
		assert.NoError(t, NewRunner(w, RunnerOptions{}).Loop(task))
		assert.Equal(t, []string{"init", "run", "run", "finalize"}, task.events)
	})
}

func TestRunnerTaskFailure(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	singleWorker(t, 5, func(w *Worker) {
		boom := errors.New("boom")
		task := &hookTask{run: func(local int) error {
			if local == 2 {
				return boom
			}
			return nil
		}}
		r := NewRunner(w, RunnerOptions{Scope: scope})
		err := r.Loop(task)

		var taskErr *TaskError
		if assert.True(t, errors.As(err, &taskErr)) {
			assert.Equal(t, 2, taskErr.Local)
			assert.Equal(t, 2, taskErr.Global)
		}
		assert.True(t, errors.Is(err, boom))
		assert.Equal(t, []string{"init", "run", "run", "run"}, task.events)
		assert.Equal(t, Failed, r.State())

		assert.Error(t, r.Loop(task), "loop after failure")
	})
	counters := map[string]int64{}
	for _, c := range scope.Snapshot().Counters() {
		counters[c.Name()] = c.Value()
	}
	assert.Equal(t, int64(3), counters["pipeline.tasks_started"])
	assert.Equal(t, int64(2), counters["pipeline.tasks_succeeded"])
	assert.Equal(t, int64(1), counters["pipeline.tasks_failed"])
}

func TestRunnerInitFailure(t *testing.T) {
	singleWorker(t, 3, func(w *Worker) {
		task := &hookTask{init: func(w *Worker) error {
			return errors.New("no input")
		}}
		r := NewRunner(w, RunnerOptions{})
		err := r.Loop(task)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "initialize")
		assert.Equal(t, []string{"init"}, task.events)
		assert.Equal(t, Failed, r.State())
	})
}

func TestRunnerLoopTwice(t *testing.T) {
	singleWorker(t, 1, func(w *Worker) {
		r := NewRunner(w, RunnerOptions{})
		assert.NoError(t, r.Loop(TaskFunc(func(int) error { return nil })))
		err := r.Loop(TaskFunc(func(int) error { return nil }))
		assert.EqualError(t, err, "runner already finalized")
	})
}

func TestTaskErrorGlobalIndex(t *testing.T) {
	loop := simulator.NewEventLoopSeed(2)
	globals := make([]int, 2)
	err := comm.RunSim(loop, simulator.RandomNetwork{}, 2, comm.Options{}, func(world *comm.Group) {
		m, err := Form(world, 5, 1, Options{Info: io.Discard})
		if !assert.NoError(t, err) {
			return
		}
		defer m.Worker.Close()
		err = NewRunner(m.Worker, RunnerOptions{}).Loop(TaskFunc(func(local int) error {
			return errors.New("fail")
		}))
		var taskErr *TaskError
		if assert.True(t, errors.As(err, &taskErr)) {
			globals[world.Rank()] = taskErr.Global
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, globals)
}
