package simulator

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestEventLoopTimer(t *testing.T) {
	loop := NewEventLoop()
	stream := loop.Stream()
	value := make(chan interface{}, 1)
	loop.Go(func(h *Handle) {
		event, err := h.Poll(stream)
		if err != nil {
			t.Error(err)
			return
		}
		value <- event.Message
	})
	loop.Go(func(h *Handle) {
		h.Schedule(stream, 1337, 15.5)
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if loop.Time() != 15.5 {
		t.Errorf("time should be 15.5 but is %f", loop.Time())
	}
	select {
	case val := <-value:
		if val != 1337 {
			t.Errorf("value should be 1337 but is %v", val)
		}
	default:
		t.Error("timer never fired")
	}
}

// TestEventLoopSeeded checks that two loops with the same
// seed make the same random choices.
func TestEventLoopSeeded(t *testing.T) {
	draw := func() []float64 {
		loop := NewEventLoopSeed(42)
		var res []float64
		loop.Go(func(h *Handle) {
			for i := 0; i < 5; i++ {
				res = append(res, h.Float64())
			}
		})
		loop.MustRun()
		return res
	}
	first, second := draw(), draw()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("draw %d differs: %f vs %f", i, first[i], second[i])
		}
	}
}

// TestEventLoopDeadlocks makes sure that the event loop
// detects deadlocks and wakes the blocked Goroutines.
func TestEventLoopDeadlocks(t *testing.T) {
	loop := NewEventLoop()

	stream1 := loop.Stream()
	stream2 := loop.Stream()

	errs := make(chan error, 2)

	loop.Go(func(h *Handle) {
		_, err := h.Poll(stream1)
		errs <- err
		if err == nil {
			h.Schedule(stream2, 1337, 0.0)
		}
	})

	loop.Go(func(h *Handle) {
		time.Sleep(time.Second / 4)
		_, err := h.Poll(stream2)
		errs <- err
		if err == nil {
			h.Schedule(stream1, 1337, 0.0)
		}
	})

	if err := loop.Run(); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("expected deadlock but got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrDeadlock) {
			t.Errorf("poll %d: expected deadlock but got %v", i, err)
		}
	}
}

// TestEventLoopPollAfterDeadlock checks that a Goroutine
// which keeps polling after a deadlock fails immediately.
func TestEventLoopPollAfterDeadlock(t *testing.T) {
	loop := NewEventLoop()
	stream := loop.Stream()
	var second error
	loop.Go(func(h *Handle) {
		if _, err := h.Poll(stream); err == nil {
			t.Error("expected first poll to fail")
		}
		_, second = h.Poll(stream)
	})
	if err := loop.Run(); err == nil {
		t.Fatal("did not detect deadlock")
	}
	if !errors.Is(second, ErrDeadlock) {
		t.Errorf("unexpected second poll result: %v", second)
	}
}
