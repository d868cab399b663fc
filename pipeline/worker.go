// Package pipeline decides which ranks of a world take
// part in a task farm, splits the tasks among them, and
// drives each rank's share of the tasks.
package pipeline

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/unixpickle/taskfarm/array"
	"github.com/unixpickle/taskfarm/collect"
	"github.com/unixpickle/taskfarm/comm"
	"github.com/unixpickle/taskfarm/taskdist"
)

// Split colors of active and idle ranks.
const (
	activeColor = 55
	idleColor   = 75
)

// State is a rank's participation in the task farm.
type State int

const (
	Active State = iota
	Idle
)

// String gets a lowercase name of the state.
func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Idle:
		return "idle"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures Form.
type Options struct {
	// Info receives the banner of every active rank.
	// Defaults to os.Stdout; use io.Discard to silence it.
	Info io.Writer

	// Hostname overrides the host name in the banner.
	Hostname string
}

// An Identity describes where a rank sits in the world
// and in the task farm.
type Identity struct {
	WorldRank int
	WorldSize int
	Stride    int
	Active    bool

	// The fields below are only set on active ranks.
	GroupRank int
	GroupSize int
	Owned     taskdist.Range
}

// A Membership is the result of Form.
//
// Worker is nil for idle ranks.
type Membership struct {
	State    State
	Identity Identity
	Worker   *Worker
}

// Form decides whether the calling rank is active and
// forms the group of active ranks.
//
// Every rank of world must call Form with the same
// arguments. Ranks whose world rank is a multiple of
// stride are active; a stride of 0 or less means 1.
//
// The configuration is checked before any message is
// sent, so a bad configuration fails on every rank.
func Form(world *comm.Group, totalTasks, stride int, opts Options) (*Membership, error) {
	if stride <= 0 {
		stride = 1
	}
	if world.Size()%stride != 0 {
		return nil, errors.Wrapf(taskdist.ErrInvalidConfiguration,
			"world size %d is not divisible by stride %d", world.Size(), stride)
	}
	partition, err := taskdist.Distribute(totalTasks, world.Size()/stride)
	if err != nil {
		return nil, err
	}

	id := Identity{
		WorldRank: world.Rank(),
		WorldSize: world.Size(),
		Stride:    stride,
		Active:    world.Rank()%stride == 0,
	}
	color, key := idleColor, -world.Rank()
	if id.Active {
		color, key = activeColor, world.Rank()
	}
	group, err := world.Split(color, key)
	if err != nil {
		return nil, errors.Wrap(err, "form worker group")
	}

	if !id.Active {
		if err := group.Release(); err != nil {
			return nil, err
		}
		world.Logger().Debug("rank is idle")
		return &Membership{State: Idle, Identity: id}, nil
	}

	if err := checkGroupSize(group, partition); err != nil {
		return nil, err
	}
	id.GroupRank = group.Rank()
	id.GroupSize = group.Size()
	id.Owned = partition.Slot(group.Rank())

	host := opts.Hostname
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			host = "unknown"
		}
	}
	w := &Worker{
		identity:  id,
		group:     group,
		partition: partition,
		host:      host,
		log: group.Logger().WithFields(logrus.Fields{
			"first_task": id.Owned.Start,
			"num_tasks":  id.Owned.Len(),
		}),
	}
	info := opts.Info
	if info == nil {
		info = os.Stdout
	}
	if err := w.Info(info); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "write banner")
	}
	return &Membership{State: Active, Identity: id, Worker: w}, nil
}

// checkGroupSize makes sure the active group has one rank
// per slot, releasing the group if it does not.
func checkGroupSize(group *comm.Group, partition *taskdist.Partition) error {
	if group.Size() == partition.NumSlots() {
		return nil
	}
	err := errors.Wrapf(comm.ErrProtocolViolation,
		"formed %d workers but expected %d", group.Size(), partition.NumSlots())
	if releaseErr := group.Release(); releaseErr != nil {
		return multierror.Append(err, releaseErr)
	}
	return err
}

// A Worker is an active rank's handle on the task farm.
type Worker struct {
	identity  Identity
	group     *comm.Group
	partition *taskdist.Partition
	host      string
	closed    bool
	log       logrus.FieldLogger
}

// Identity gets this rank's place in the world and in
// the worker group.
func (w *Worker) Identity() Identity {
	return w.identity
}

// Group gets the group of active ranks.
func (w *Worker) Group() *comm.Group {
	return w.group
}

// Partition gets the task ranges of every worker.
func (w *Worker) Partition() *taskdist.Partition {
	return w.partition
}

// NumMine gets the number of tasks this rank owns.
func (w *Worker) NumMine() int {
	return w.identity.Owned.Len()
}

// TaskIndex maps a local index in [0, NumMine()) to its
// global task index.
func (w *Worker) TaskIndex(local int) int {
	if local < 0 || local >= w.NumMine() {
		panic(fmt.Sprintf("local index %d out of range [0, %d)", local, w.NumMine()))
	}
	return w.identity.Owned.Start + local
}

// Distribute sends buf from the group leader to every
// other worker.
func (w *Worker) Distribute(buf *array.Array, tag int) error {
	return w.group.Distribute(buf, tag)
}

// Collector creates a collect.Collector over the group
// of active ranks.
func (w *Worker) Collector(cfg collect.Config) (*collect.Collector, error) {
	if cfg.Logger == nil {
		cfg.Logger = w.log
	}
	return collect.New(w.group, cfg)
}

// Info writes the banner: the leader writes the task
// count of every slot, and every rank writes its own host
// and task count.
func (w *Worker) Info(out io.Writer) error {
	if w.group.IsLeader() {
		if _, err := fmt.Fprintf(out, "%d tasks over %d workers:\n%s", w.partition.Total(),
			w.partition.NumSlots(), w.partition); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(out, "rank %d (world rank %d) on %s: %d tasks\n",
		w.identity.GroupRank, w.identity.WorldRank, w.host, w.NumMine())
	return err
}

// Close releases the group.
//
// It is safe to call Close more than once.
func (w *Worker) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var result *multierror.Error
	if err := w.group.Release(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "release group"))
	}
	return result.ErrorOrNil()
}
