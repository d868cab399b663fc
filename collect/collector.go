// Package collect accumulates per-label results on every
// rank of a group and gathers them on the group leader.
//
// Two kinds of results are supported. Samples are vectors
// that are concatenated across ranks and summarized with
// descriptive statistics. Stacks are arrays that are
// summed across ranks and averaged.
//
// Both gathers are collective: every rank of the group
// must call them, in the same order, with the same
// registered labels.
package collect

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
	"github.com/unixpickle/taskfarm/array"
	"github.com/unixpickle/taskfarm/comm"
)

// DefaultTagStart is the base of the tag namespace used
// when Config.TagStart is 0.
const DefaultTagStart = 333

// labelSeparator joins label lists for the handshake.
const labelSeparator = "\x1f"

type phase int

const (
	accumulating phase = iota
	merged
	failed
)

// Config configures a Collector.
type Config struct {
	// StatsLabels are the sample labels, in the order
	// every rank enumerates them.
	StatsLabels []string

	// StackLabels are the stack labels, in the order
	// every rank enumerates them.
	StackLabels []string

	// TagStart is the base of the message tags.
	// Defaults to DefaultTagStart.
	TagStart int

	// Scope defaults to tally.NoopScope.
	Scope tally.Scope

	// Logger defaults to the group's logger.
	Logger logrus.FieldLogger
}

type samples struct {
	rows [][]float64
	dim  int
}

type stack struct {
	sum   *array.Array
	count int
}

// A Collector holds one rank's contributions and runs
// the gathers.
//
// A Collector is not safe for concurrent use.
type Collector struct {
	group    *comm.Group
	tagStart int

	statsLabels []string
	stackLabels []string
	samples     map[string]*samples
	stacks      map[string]*stack

	statsPhase  phase
	statsResult map[string]*Summary
	statsErr    error

	stackPhase  phase
	stackResult map[string]*array.Array
	stackErr    error

	metrics *Metrics
	log     logrus.FieldLogger
}

// New creates a Collector for a group.
func New(group *comm.Group, cfg Config) (*Collector, error) {
	if cfg.TagStart == 0 {
		cfg.TagStart = DefaultTagStart
	}
	if cfg.TagStart < 0 {
		return nil, errors.Errorf("tag start %d must be positive", cfg.TagStart)
	}
	if cfg.Scope == nil {
		cfg.Scope = tally.NoopScope
	}
	if cfg.Logger == nil {
		cfg.Logger = group.Logger()
	}
	for _, labels := range [][]string{cfg.StatsLabels, cfg.StackLabels} {
		if err := checkLabels(labels, cfg.TagStart); err != nil {
			return nil, err
		}
	}
	c := &Collector{
		group:       group,
		tagStart:    cfg.TagStart,
		statsLabels: append([]string{}, cfg.StatsLabels...),
		stackLabels: append([]string{}, cfg.StackLabels...),
		samples:     map[string]*samples{},
		stacks:      map[string]*stack{},
		metrics:     NewMetrics(cfg.Scope),
		log:         cfg.Logger,
	}
	for _, label := range c.statsLabels {
		c.samples[label] = &samples{}
	}
	for _, label := range c.stackLabels {
		c.stacks[label] = &stack{}
	}
	return c, nil
}

// AddToStats appends a sample vector to a label.
//
// Every vector of a label must have the same length.
func (c *Collector) AddToStats(label string, vec []float64) error {
	s, ok := c.samples[label]
	if !ok {
		return errors.Wrapf(comm.ErrProtocolViolation, "stats label %q is not registered", label)
	}
	if c.statsPhase != accumulating {
		return errors.Wrapf(comm.ErrProtocolViolation, "stats label %q: samples already gathered", label)
	}
	if len(vec) == 0 {
		return errors.Wrapf(comm.ErrProtocolViolation, "stats label %q: empty sample", label)
	}
	if s.dim != 0 && len(vec) != s.dim {
		return errors.Wrapf(comm.ErrProtocolViolation, "stats label %q: expected length %d but got %d",
			label, s.dim, len(vec))
	}
	s.dim = len(vec)
	s.rows = append(s.rows, append([]float64{}, vec...))
	c.metrics.SamplesAdded.Inc(1)
	return nil
}

// AddToStack adds an array to a label's running sum.
//
// Every array of a label must have the same shape.
func (c *Collector) AddToStack(label string, arr *array.Array) error {
	s, ok := c.stacks[label]
	if !ok {
		return errors.Wrapf(comm.ErrProtocolViolation, "stack label %q is not registered", label)
	}
	if c.stackPhase != accumulating {
		return errors.Wrapf(comm.ErrProtocolViolation, "stack label %q: stacks already gathered", label)
	}
	if arr == nil || arr.Len() == 0 {
		return errors.Wrapf(comm.ErrProtocolViolation, "stack label %q: empty array", label)
	}
	if s.sum == nil {
		s.sum = arr.Clone()
	} else if err := s.sum.Add(arr); err != nil {
		return errors.Wrapf(comm.ErrProtocolViolation, "stack label %q: %v", label, err)
	}
	s.count++
	c.metrics.StacksAdded.Inc(1)
	return nil
}

// NumSamples gets the number of local samples of a label.
func (c *Collector) NumSamples(label string) int {
	if s, ok := c.samples[label]; ok {
		return len(s.rows)
	}
	return 0
}

// NumStacked gets the number of local arrays added to a
// stack label.
func (c *Collector) NumStacked(label string) int {
	if s, ok := c.stacks[label]; ok {
		return s.count
	}
	return 0
}

// GetStacks gathers every stack on the leader and
// returns the element-wise averages, keyed by label.
//
// Followers get a nil map.
// After the first call, the result (or error) is cached
// and returned without further communication.
func (c *Collector) GetStacks() (map[string]*array.Array, error) {
	switch c.stackPhase {
	case merged:
		return c.stackResult, nil
	case failed:
		return nil, c.stackErr
	}
	sw := c.metrics.GatherStacks.Start()
	defer sw.Stop()

	var err error
	if c.group.IsLeader() {
		c.stackResult, err = c.mergeStacks()
	} else {
		err = c.sendStacks()
	}
	if err != nil {
		c.stackPhase = failed
		c.stackErr = errors.Wrap(err, "gather stacks")
		c.metrics.GatherFail.Inc(1)
		return nil, c.stackErr
	}
	c.stackPhase = merged
	return c.stackResult, nil
}

// GetStats gathers every sample label on the leader,
// concatenating rows in rank order, and summarizes them.
//
// Followers get a nil map.
// After the first call, the result (or error) is cached
// and returned without further communication.
func (c *Collector) GetStats() (map[string]*Summary, error) {
	switch c.statsPhase {
	case merged:
		return c.statsResult, nil
	case failed:
		return nil, c.statsErr
	}
	sw := c.metrics.GatherStats.Start()
	defer sw.Stop()

	var err error
	if c.group.IsLeader() {
		c.statsResult, err = c.mergeStats()
	} else {
		err = c.sendStats()
	}
	if err != nil {
		c.statsPhase = failed
		c.statsErr = errors.Wrap(err, "gather stats")
		c.metrics.GatherFail.Inc(1)
		return nil, c.statsErr
	}
	c.statsPhase = merged
	return c.statsResult, nil
}

// Tags of the stack protocol.
func (c *Collector) stackLabelsTag() int { return c.tagStart * 400 }
func (c *Collector) stackCountTag(k int) int { return c.tagStart*300 + k }
func (c *Collector) stackDataTag(k int) int  { return c.tagStart*10 + k }

// Tags of the stats protocol.
func (c *Collector) statsLabelsTag() int { return c.tagStart * 500 }
func (c *Collector) statsCountTag(k int) int { return c.tagStart*200 + k }
func (c *Collector) statsDataTag(k int) int  { return c.tagStart + k }

func (c *Collector) sendStacks() error {
	if err := c.sendLabels(c.stackLabels, c.stackLabelsTag()); err != nil {
		return err
	}
	for k, label := range c.stackLabels {
		s := c.stacks[label]
		h := comm.Header{Value: s.count, Label: label}
		if s.sum != nil {
			h.Shape = s.sum.Shape()
		}
		if err := c.group.SendHeader(h, comm.Root, c.stackCountTag(k)); err != nil {
			return err
		}
	}
	for k, label := range c.stackLabels {
		s := c.stacks[label]
		if s.count == 0 {
			continue
		}
		if err := c.group.Send(s.sum, comm.Root, c.stackDataTag(k)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) mergeStacks() (map[string]*array.Array, error) {
	if err := c.checkPeerLabels("stack", c.stackLabels, c.stackLabelsTag()); err != nil {
		return nil, err
	}

	headers := make([][]comm.Header, len(c.stackLabels))
	for k, label := range c.stackLabels {
		own := c.stacks[label]
		mine := comm.Header{Value: own.count, Label: label}
		if own.sum != nil {
			mine.Shape = own.sum.Shape()
		}
		hs, err := c.recvHeaders(label, mine, c.stackCountTag(k), checkStackHeader)
		if err != nil {
			return nil, err
		}
		headers[k] = hs
	}

	sums := make([]*array.Array, len(c.stackLabels))
	totals := make([]int, len(c.stackLabels))
	for k, label := range c.stackLabels {
		shape, total, err := negotiate("stack", label, headers[k], func(h comm.Header) []int {
			return h.Shape
		})
		if err != nil {
			return nil, err
		}
		totals[k] = total
		if own := c.stacks[label]; own.count > 0 {
			sums[k] = own.sum.Clone()
		} else {
			sums[k] = array.New(shape...)
		}
	}

	for r := 1; r < c.group.Size(); r++ {
		c.log.WithField("peer", r).Debugf("waiting for rank %d / %d", r, c.group.Size())
		for k := range c.stackLabels {
			if headers[k][r].Value == 0 {
				continue
			}
			buf := array.New(sums[k].Shape()...)
			if err := c.group.Recv(buf, r, c.stackDataTag(k)); err != nil {
				return nil, errors.Wrapf(err, "stack label %q", c.stackLabels[k])
			}
			if err := sums[k].Add(buf); err != nil {
				return nil, errors.Wrapf(comm.ErrProtocolViolation, "stack label %q: %v",
					c.stackLabels[k], err)
			}
		}
	}

	res := make(map[string]*array.Array, len(c.stackLabels))
	for k, label := range c.stackLabels {
		sums[k].Scale(1 / float64(totals[k]))
		res[label] = sums[k]
	}
	c.metrics.LabelsMerged.Inc(int64(len(res)))
	return res, nil
}

func (c *Collector) sendStats() error {
	if err := c.sendLabels(c.statsLabels, c.statsLabelsTag()); err != nil {
		return err
	}
	for k, label := range c.statsLabels {
		s := c.samples[label]
		h := comm.Header{Value: len(s.rows), Label: label, Shape: []int{len(s.rows), s.dim}}
		if err := c.group.SendHeader(h, comm.Root, c.statsCountTag(k)); err != nil {
			return err
		}
	}
	for k, label := range c.statsLabels {
		s := c.samples[label]
		if len(s.rows) == 0 {
			continue
		}
		if err := c.group.Send(s.matrix(), comm.Root, c.statsDataTag(k)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) mergeStats() (map[string]*Summary, error) {
	if err := c.checkPeerLabels("stats", c.statsLabels, c.statsLabelsTag()); err != nil {
		return nil, err
	}

	headers := make([][]comm.Header, len(c.statsLabels))
	for k, label := range c.statsLabels {
		own := c.samples[label]
		mine := comm.Header{Value: len(own.rows), Label: label, Shape: []int{len(own.rows), own.dim}}
		hs, err := c.recvHeaders(label, mine, c.statsCountTag(k), checkStatsHeader)
		if err != nil {
			return nil, err
		}
		headers[k] = hs
	}

	dims := make([]int, len(c.statsLabels))
	data := make([][]float64, len(c.statsLabels))
	for k, label := range c.statsLabels {
		shape, total, err := negotiate("stats", label, headers[k], func(h comm.Header) []int {
			if len(h.Shape) != 2 {
				return h.Shape
			}
			return h.Shape[1:]
		})
		if err != nil {
			return nil, err
		}
		dims[k] = shape[0]
		data[k] = make([]float64, 0, total*dims[k])
		if own := c.samples[label]; len(own.rows) > 0 {
			data[k] = append(data[k], own.matrix().Data()...)
		}
	}

	for r := 1; r < c.group.Size(); r++ {
		c.log.WithField("peer", r).Debugf("waiting for rank %d / %d", r, c.group.Size())
		for k := range c.statsLabels {
			rows := headers[k][r].Value
			if rows == 0 {
				continue
			}
			buf := array.New(rows, dims[k])
			if err := c.group.Recv(buf, r, c.statsDataTag(k)); err != nil {
				return nil, errors.Wrapf(err, "stats label %q", c.statsLabels[k])
			}
			data[k] = append(data[k], buf.Data()...)
		}
	}

	res := make(map[string]*Summary, len(c.statsLabels))
	for k, label := range c.statsLabels {
		counts := make([]int, len(headers[k]))
		for r, h := range headers[k] {
			counts[r] = h.Value
		}
		res[label] = Summarize(label, data[k], dims[k], counts)
		c.metrics.SamplesMerged.Inc(int64(len(data[k]) / dims[k]))
	}
	c.metrics.LabelsMerged.Inc(int64(len(res)))
	return res, nil
}

func (c *Collector) sendLabels(labels []string, tag int) error {
	h := comm.Header{Value: len(labels), Label: strings.Join(labels, labelSeparator)}
	return c.group.SendHeader(h, comm.Root, tag)
}

// checkPeerLabels makes sure every follower registered
// exactly the leader's labels, in the same order.
func (c *Collector) checkPeerLabels(kind string, labels []string, tag int) error {
	joined := strings.Join(labels, labelSeparator)
	for r := 1; r < c.group.Size(); r++ {
		h, err := c.group.RecvHeader(r, tag)
		if err != nil {
			return err
		}
		if h.Value != len(labels) || h.Label != joined {
			return errors.Wrapf(comm.ErrProtocolViolation,
				"%s labels differ on rank %d: leader has %q, rank has %q", kind, r, labels,
				strings.Split(h.Label, labelSeparator))
		}
	}
	return nil
}

// recvHeaders collects one header per rank for a label,
// with the leader's own header at index 0.
// Every follower header must pass check.
func (c *Collector) recvHeaders(label string, mine comm.Header, tag int,
	check func(h comm.Header) error) ([]comm.Header, error) {
	res := make([]comm.Header, c.group.Size())
	res[0] = mine
	for r := 1; r < c.group.Size(); r++ {
		h, err := c.group.RecvHeader(r, tag)
		if err != nil {
			return nil, errors.Wrapf(err, "label %q", label)
		}
		if h.Label != label {
			return nil, errors.Wrapf(comm.ErrProtocolViolation,
				"rank %d sent label %q where %q was expected", r, h.Label, label)
		}
		if err := check(h); err != nil {
			return nil, errors.Wrapf(comm.ErrProtocolViolation, "rank %d label %q: %v", r, label, err)
		}
		res[r] = h
	}
	return res, nil
}

// checkStackHeader validates a stack count header: a
// non-negative count and, for a contribution, a shape of
// positive dimensions.
func checkStackHeader(h comm.Header) error {
	if h.Value < 0 {
		return errors.Errorf("negative count %d", h.Value)
	}
	if h.Value == 0 {
		return nil
	}
	return checkDims(h.Shape)
}

// checkStatsHeader validates a stats count header, whose
// shape is [rows, dim].
func checkStatsHeader(h comm.Header) error {
	if h.Value < 0 {
		return errors.Errorf("negative count %d", h.Value)
	}
	if len(h.Shape) != 2 {
		return errors.Errorf("shape %v is not [rows, dim]", h.Shape)
	}
	if h.Shape[0] != h.Value {
		return errors.Errorf("shape %v does not match %d rows", h.Shape, h.Value)
	}
	if h.Value == 0 {
		return nil
	}
	return checkDims(h.Shape)
}

func checkDims(shape []int) error {
	if len(shape) == 0 {
		return errors.New("empty shape")
	}
	for _, d := range shape {
		if d < 1 {
			return errors.Errorf("bad dimension in shape %v", shape)
		}
	}
	return nil
}

// negotiate agrees on the shape every contributing rank
// must send for a label, and totals the contributions.
//
// The leader's shape wins when it contributed; otherwise
// the lowest contributing rank's shape does.
func negotiate(kind, label string, headers []comm.Header,
	shapeOf func(h comm.Header) []int) ([]int, int, error) {
	var shape []int
	var total int
	for r, h := range headers {
		if h.Value == 0 {
			continue
		}
		total += h.Value
		if shape == nil {
			shape = shapeOf(h)
			continue
		}
		if got := shapeOf(h); !array.SameShape(shape, got) {
			return nil, 0, errors.Wrapf(comm.ErrProtocolViolation,
				"%s label %q: expected shape %v but rank %d has %v", kind, label, shape, r, got)
		}
	}
	if total == 0 {
		return nil, 0, errors.Wrapf(comm.ErrProtocolViolation,
			"%s label %q has no contributions on any rank", kind, label)
	}
	return shape, total, nil
}

func checkLabels(labels []string, tagStart int) error {
	seen := map[string]bool{}
	for _, label := range labels {
		if label == "" {
			return errors.New("empty label")
		}
		if strings.Contains(label, labelSeparator) {
			return errors.Errorf("label %q contains a reserved character", label)
		}
		if seen[label] {
			return errors.Errorf("duplicate label %q", label)
		}
		seen[label] = true
	}
	// Keep [tagStart, tagStart*10) free for per-label tags.
	if len(labels) >= 9*tagStart {
		return errors.Errorf("%d labels do not fit in the tag space of tag start %d",
			len(labels), tagStart)
	}
	return nil
}

func (s *samples) matrix() *array.Array {
	res := array.New(len(s.rows), s.dim)
	for i, row := range s.rows {
		copy(res.Data()[i*s.dim:], row)
	}
	return res
}
