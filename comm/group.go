package comm

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
	"github.com/unixpickle/taskfarm/array"
)

// Root is the group rank that leads every collective
// operation.
const Root = 0

// Tags below zero are reserved for the Group itself.
const tagSplit = -1

var worldContext = uuid.NewSHA1(uuid.NameSpaceOID, []byte("taskfarm/world"))

// Options configures the world Group.
type Options struct {
	// Scope receives traffic metrics.
	// Defaults to tally.NoopScope.
	Scope tally.Scope

	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// A Header is a small control message: a count, an
// optional label and an optional array shape.
type Header struct {
	Value int
	Label string
	Shape []int
}

// A Group is an ordered subset of the world's ranks that
// communicate among themselves.
//
// Messages sent within a Group never match receives in
// another Group, even for equal tags.
//
// A Group is owned by one rank and is not safe for
// concurrent use.
type Group struct {
	transport Transport
	id        uuid.UUID

	// members maps group ranks to world ranks.
	members []int
	rank    int

	splits   int
	released bool

	metrics *Metrics
	log     logrus.FieldLogger
}

// NewWorld creates the Group of every rank in the
// transport's world.
func NewWorld(t Transport, opts Options) *Group {
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	members := make([]int, t.Size())
	for i := range members {
		members[i] = i
	}
	return &Group{
		transport: t,
		id:        worldContext,
		members:   members,
		rank:      t.Rank(),
		metrics:   NewMetrics(opts.Scope),
		log:       opts.Logger.WithField("rank", t.Rank()),
	}
}

// Rank gets the caller's rank within the group.
func (g *Group) Rank() int {
	return g.rank
}

// Size gets the number of ranks in the group.
func (g *Group) Size() int {
	return len(g.members)
}

// IsLeader checks if the caller is the group's Root.
func (g *Group) IsLeader() bool {
	return g.rank == Root
}

// ID gets the context that separates this group's
// traffic from every other group's.
func (g *Group) ID() uuid.UUID {
	return g.id
}

// WorldRank maps a group rank to a world rank.
func (g *Group) WorldRank(groupRank int) int {
	return g.members[groupRank]
}

// Logger gets the group's logger, which carries the rank
// fields.
func (g *Group) Logger() logrus.FieldLogger {
	return g.log
}

// Split partitions the group by color.
//
// Every member must call Split.
// Members with the same color form a new Group, ordered by
// key and then by rank in g.
func (g *Group) Split(color, key int) (*Group, error) {
	if g.released {
		return nil, ErrReleased
	}

	for r := range g.members {
		if r == g.rank {
			continue
		}
		env := &Envelope{Tag: tagSplit, Data: []float64{float64(color), float64(key)}}
		if err := g.post(r, env); err != nil {
			return nil, errors.Wrap(err, "split")
		}
	}

	type entry struct {
		color, key, rank int
	}
	entries := []entry{{color: color, key: key, rank: g.rank}}
	for r := range g.members {
		if r == g.rank {
			continue
		}
		env, err := g.fetch(r, tagSplit)
		if err != nil {
			return nil, errors.Wrap(err, "split")
		}
		if len(env.Data) != 2 {
			return nil, errors.Wrapf(ErrProtocolViolation, "split: malformed request from rank %d", r)
		}
		entries = append(entries, entry{color: int(env.Data[0]), key: int(env.Data[1]), rank: r})
	}

	var same []entry
	for _, e := range entries {
		if e.color == color {
			same = append(same, e)
		}
	}
	sort.Slice(same, func(i, j int) bool {
		if same[i].key != same[j].key {
			return same[i].key < same[j].key
		}
		return same[i].rank < same[j].rank
	})

	child := &Group{
		transport: g.transport,
		id:        uuid.NewSHA1(g.id, []byte(fmt.Sprintf("split:%d:%d", g.splits, color))),
		metrics:   g.metrics,
	}
	g.splits++
	for i, e := range same {
		child.members = append(child.members, g.members[e.rank])
		if e.rank == g.rank {
			child.rank = i
		}
	}
	child.log = g.log.WithFields(logrus.Fields{
		"group":      child.id.String()[:8],
		"group_rank": child.rank,
	})
	g.metrics.Splits.Inc(1)
	child.log.WithFields(logrus.Fields{
		"color": color,
		"size":  child.Size(),
	}).Debug("formed group")
	return child, nil
}

// Send sends a copy of buf to a group rank.
func (g *Group) Send(buf *array.Array, dest, tag int) error {
	if err := g.checkUser(dest, tag); err != nil {
		return err
	}
	return g.post(dest, &Envelope{
		Tag:   tag,
		Shape: buf.Shape(),
		Data:  append([]float64{}, buf.Data()...),
	})
}

// Recv receives an array from a group rank into buf.
//
// The incoming array must have exactly buf's shape.
func (g *Group) Recv(buf *array.Array, source, tag int) error {
	if err := g.checkUser(source, tag); err != nil {
		return err
	}
	env, err := g.fetch(source, tag)
	if err != nil {
		return err
	}
	if !array.SameShape(env.Shape, buf.Shape()) || len(env.Data) != buf.Len() {
		g.metrics.ShapeMismatch.Inc(1)
		return errors.Wrapf(ErrProtocolViolation,
			"rank %d tag %d: expected shape %v but received %v", source, tag, buf.Shape(), env.Shape)
	}
	copy(buf.Data(), env.Data)
	return nil
}

// SendHeader sends a control message to a group rank.
func (g *Group) SendHeader(h Header, dest, tag int) error {
	if err := g.checkUser(dest, tag); err != nil {
		return err
	}
	return g.post(dest, &Envelope{
		Tag:   tag,
		Value: h.Value,
		Label: h.Label,
		Shape: append([]int{}, h.Shape...),
	})
}

// RecvHeader receives a control message from a group
// rank.
func (g *Group) RecvHeader(source, tag int) (Header, error) {
	if err := g.checkUser(source, tag); err != nil {
		return Header{}, err
	}
	env, err := g.fetch(source, tag)
	if err != nil {
		return Header{}, err
	}
	return Header{Value: env.Value, Label: env.Label, Shape: env.Shape}, nil
}

// SendValue sends a single integer to a group rank.
func (g *Group) SendValue(value, dest, tag int) error {
	return g.SendHeader(Header{Value: value}, dest, tag)
}

// RecvValue receives a single integer from a group rank.
func (g *Group) RecvValue(source, tag int) (int, error) {
	h, err := g.RecvHeader(source, tag)
	return h.Value, err
}

// Distribute sends buf from the Root to every other
// member, overwriting buf on the members.
//
// Every member must call Distribute with a buffer of the
// same shape and the same tag.
func (g *Group) Distribute(buf *array.Array, tag int) error {
	if g.rank != Root {
		return errors.Wrap(g.Recv(buf, Root, tag), "distribute")
	}
	for r := range g.members {
		if r == Root {
			continue
		}
		if err := g.Send(buf, r, tag); err != nil {
			return errors.Wrap(err, "distribute")
		}
	}
	g.metrics.Broadcasts.Inc(1)
	return nil
}

// Release marks the group unusable.
//
// It is safe to release a group more than once.
func (g *Group) Release() error {
	if !g.released {
		g.released = true
		g.log.Debug("released group")
	}
	return nil
}

func (g *Group) checkUser(peer, tag int) error {
	if g.released {
		return ErrReleased
	}
	if tag < 0 {
		return errors.Errorf("tag %d is reserved", tag)
	}
	if peer < 0 || peer >= len(g.members) {
		return errors.Errorf("rank %d out of range for group of size %d", peer, len(g.members))
	}
	return nil
}

func (g *Group) post(dest int, env *Envelope) error {
	env.Context = g.id
	if err := g.transport.Send(g.members[dest], env); err != nil {
		g.metrics.SendFail.Inc(1)
		return err
	}
	g.metrics.MessagesSent.Inc(1)
	g.metrics.BytesSent.Inc(int64(env.Size()))
	return nil
}

func (g *Group) fetch(source, tag int) (*Envelope, error) {
	env, err := g.transport.Recv(g.members[source], g.id, tag)
	if err != nil {
		g.metrics.RecvFail.Inc(1)
		return nil, err
	}
	g.metrics.MessagesReceived.Inc(1)
	return env, nil
}
