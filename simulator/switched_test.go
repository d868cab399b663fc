package simulator

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestFairSwitch(t *testing.T) {
	sw := &FairSwitch{
		Upload:   []float64{1.0, 2.0, 3.0},
		Download: []float64{2.0, 1.0, 1.0},
	}
	inputs := [][]float64{
		{
			0, 1, 0,
			0, 0, 1,
			1, 0, 0,
		},
		{
			1, 0, 0,
			1, 0, 0,
			1, 0, 0,
		},
		{
			1, 1, 1,
			1, 1, 1,
			1, 1, 1,
		},
	}
	outputs := [][]float64{
		{
			0, 1, 0,
			0, 0, 1,
			2, 0, 0,
		},
		{
			1.0 / 3, 0, 0,
			2.0 / 3, 0, 0,
			3.0 / 3, 0, 0,
		},
		{
			1.0 / 3, 1.0 / 6, 1.0 / 6,
			2.0 / 3, 2.0 / 6, 2.0 / 6,
			3.0 / 3, 3.0 / 6, 3.0 / 6,
		},
	}
	for i, input := range inputs {
		active := mat.NewDense(3, 3, input)
		sw.Rates(active)
		expected := mat.NewDense(3, 3, outputs[i])
		if !mat.EqualApprox(active, expected, 1e-3) {
			t.Errorf("case %d: expected %v but got %v", i, mat.Formatted(expected),
				mat.Formatted(active))
		}
	}
}

func TestSwitchedNetworkSharing(t *testing.T) {
	loop := NewEventLoopSeed(1)
	network := NewSwitchedNetwork(NewFairSwitch(2, 1.0), 2, 0)
	node1, node2 := NewNode(), NewNode()
	port1, port2 := node1.Port(loop), node2.Port(loop)

	loop.Go(func(h *Handle) {
		network.Send(h,
			&Message{Source: port1, Dest: port2, Message: "small", Size: 1},
			&Message{Source: port1, Dest: port2, Message: "large", Size: 3})
	})

	var names []interface{}
	var times []float64
	loop.Go(func(h *Handle) {
		for i := 0; i < 2; i++ {
			msg, err := port2.Recv(h)
			if err != nil {
				t.Error(err)
				return
			}
			names = append(names, msg.Message)
			times = append(times, h.Time())
		}
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	// Both transfers share the link at rate 1/2 until the
	// small one finishes; the large one then gets all of it.
	expected := []float64{2, 4}
	if len(times) != 2 || names[0] != "small" || names[1] != "large" {
		t.Fatalf("unexpected deliveries %v at %v", names, times)
	}
	for i, x := range expected {
		if math.Abs(times[i]-x) > 1e-9 {
			t.Errorf("delivery %d: expected time %f but got %f", i, x, times[i])
		}
	}
}

func TestSwitchedNetworkInterrupt(t *testing.T) {
	loop := NewEventLoopSeed(1)
	network := NewSwitchedNetwork(NewFairSwitch(3, 1.0), 3, 0.5)
	nodes := []*Node{NewNode(), NewNode(), NewNode()}
	ports := make([]*Port, 3)
	for i, n := range nodes {
		ports[i] = n.Port(loop)
	}

	var arrival float64
	loop.Go(func(h *Handle) {
		network.Send(h, &Message{Source: ports[0], Dest: ports[2], Size: 2})
		if err := h.Sleep(1.5); err != nil {
			t.Error(err)
			return
		}
		network.Send(h, &Message{Source: ports[1], Dest: ports[2], Size: 1})
	})
	loop.Go(func(h *Handle) {
		for i := 0; i < 2; i++ {
			msg, err := ports[2].Recv(h)
			if err != nil {
				t.Error(err)
				return
			}
			if msg.Source == ports[0] {
				arrival = h.Time()
			}
		}
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	// The first transfer moves 1 byte alone, then shares the
	// destination's download with the second transfer once
	// its latency has passed.
	if arrival <= 2.5 {
		t.Errorf("first transfer was not slowed down: arrived at %f", arrival)
	}
}
