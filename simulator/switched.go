package simulator

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// A Switch decides how fast data moves between nodes that
// share links.
type Switch interface {
	// Rates is called with active[i, j] = 1 wherever node i
	// has data in flight to node j and 0 elsewhere, and
	// overwrites active with the rate of every pair.
	Rates(active *mat.Dense)
}

// A FairSwitch splits each node's upload rate evenly over
// the destinations it is sending to, then throttles every
// destination whose incoming total exceeds its download
// rate.
type FairSwitch struct {
	Upload   []float64
	Download []float64
}

// NewFairSwitch creates a FairSwitch where every node
// uploads and downloads at rate bytes per unit time.
func NewFairSwitch(numNodes int, rate float64) *FairSwitch {
	rates := make([]float64, numNodes)
	for i := range rates {
		rates[i] = rate
	}
	return &FairSwitch{
		Upload:   rates,
		Download: append([]float64{}, rates...),
	}
}

func (f *FairSwitch) Rates(active *mat.Dense) {
	n, _ := active.Dims()
	if n != len(f.Upload) || n != len(f.Download) {
		panic("unexpected number of nodes")
	}
	for src := 0; src < n; src++ {
		row := active.RawRowView(src)
		if total := floats.Sum(row); total > 0 {
			floats.Scale(f.Upload[src]/total, row)
		}
	}
	col := make([]float64, n)
	for dst := 0; dst < n; dst++ {
		mat.Col(col, dst, active)
		if total := floats.Sum(col); total > f.Download[dst] {
			floats.Scale(f.Download[dst]/total, col)
			active.SetCol(dst, col)
		}
	}
}

// A SwitchedNetwork moves messages through a Switch.
// Transfers that share a link slow each other down, and a
// finished transfer frees its bandwidth for the rest.
type SwitchedNetwork struct {
	lock sync.Mutex

	sw       Switch
	numNodes int
	index    map[*Node]int
	latency  float64

	plan []*switchedSegment
}

// NewSwitchedNetwork creates a SwitchedNetwork for up to
// numNodes nodes. The Switch indexes nodes in the order
// they first send or receive.
//
// Every message pays latency before its data moves.
func NewSwitchedNetwork(sw Switch, numNodes int, latency float64) *SwitchedNetwork {
	return &SwitchedNetwork{
		sw:       sw,
		numNodes: numNodes,
		index:    map[*Node]int{},
		latency:  latency,
	}
}

// Send adds messages to the network, which may delay
// messages already in flight.
func (s *SwitchedNetwork) Send(h *Handle, msgs ...*Message) {
	s.lock.Lock()
	defer s.lock.Unlock()

	inFlight := s.interrupt(h)
	for _, msg := range msgs {
		s.register(msg.Source.Node)
		s.register(msg.Dest.Node)
		inFlight = append(inFlight, &transfer{
			msg:     msg,
			latency: s.latency,
			size:    msg.Size,
		})
	}
	s.replan(h, inFlight)
}

// interrupt cancels the pending deliveries and returns
// the state of every undelivered transfer.
func (s *SwitchedNetwork) interrupt(h *Handle) []*transfer {
	now := h.Time()
	var res []*transfer
	for _, seg := range s.plan {
		if now >= seg.end {
			continue
		}
		if now >= seg.start {
			for _, t := range seg.transfers {
				res = append(res, t.advance(now-seg.start))
			}
		}
		for _, timer := range seg.timers {
			h.Cancel(timer)
		}
	}
	return res
}

// replan schedules a delivery for every transfer,
// recomputing rates each time a transfer completes.
func (s *SwitchedNetwork) replan(h *Handle, inFlight []*transfer) {
	s.plan = s.plan[:0]
	now := h.Time()
	start := now
	for len(inFlight) > 0 {
		s.assignRates(inFlight)

		eta := math.Inf(1)
		for _, t := range inFlight {
			eta = math.Min(eta, t.eta())
		}
		seg := &switchedSegment{start: start, end: start + eta, transfers: inFlight}
		var rest []*transfer
		for _, t := range inFlight {
			if t.eta() == eta {
				seg.timers = append(seg.timers, h.Schedule(t.msg.Dest.Incoming, t.msg, seg.end-now))
			} else {
				rest = append(rest, t.advance(eta))
			}
		}
		s.plan = append(s.plan, seg)
		inFlight = rest
		start = seg.end
	}
}

func (s *SwitchedNetwork) register(n *Node) {
	if _, ok := s.index[n]; ok {
		return
	}
	if len(s.index) == s.numNodes {
		panic("too many nodes for switched network")
	}
	s.index[n] = len(s.index)
}

func (s *SwitchedNetwork) assignRates(inFlight []*transfer) {
	n := s.numNodes
	active := mat.NewDense(n, n, nil)
	counts := mat.NewDense(n, n, nil)
	for _, t := range inFlight {
		src, dst := s.index[t.msg.Source.Node], s.index[t.msg.Dest.Node]
		active.Set(src, dst, 1)
		counts.Set(src, dst, counts.At(src, dst)+1)
	}
	s.sw.Rates(active)
	for _, t := range inFlight {
		src, dst := s.index[t.msg.Source.Node], s.index[t.msg.Dest.Node]
		t.rate = active.At(src, dst) / counts.At(src, dst)
	}
}

// A transfer is a message partway through the network.
type transfer struct {
	msg     *Message
	latency float64
	size    float64
	rate    float64
}

func (t *transfer) eta() float64 {
	if t.size <= 0 {
		return math.Max(0, t.latency)
	}
	return math.Max(0, t.latency+t.size/t.rate)
}

// advance returns the transfer's state after elapsed
// time at its current rate.
func (t *transfer) advance(elapsed float64) *transfer {
	res := *t
	if elapsed < res.latency {
		res.latency -= elapsed
		return &res
	}
	elapsed -= res.latency
	res.latency = 0
	res.size -= res.rate * elapsed
	return &res
}

// A switchedSegment is a stretch of time in which no
// transfer completes, ending with one or more deliveries.
type switchedSegment struct {
	start     float64
	end       float64
	timers    []*Timer
	transfers []*transfer
}
