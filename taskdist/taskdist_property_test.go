package taskdist

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDistributeProperties checks the partition
// invariants for every tasks >= slots >= 1.
func TestDistributeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500

	properties := gopter.NewProperties(parameters)

	// Draw slots first, then an excess so tasks >= slots.
	pairs := gopter.CombineGens(gen.IntRange(1, 64), gen.IntRange(0, 500))

	properties.Property("counts sum to the task total", prop.ForAll(
		func(v []interface{}) bool {
			slots, tasks := v[0].(int), v[0].(int)+v[1].(int)
			p, err := Distribute(tasks, slots)
			return err == nil && p.Total() == tasks && p.NumSlots() == slots
		},
		pairs,
	))

	properties.Property("counts differ by at most one", prop.ForAll(
		func(v []interface{}) bool {
			slots, tasks := v[0].(int), v[0].(int)+v[1].(int)
			p, err := Distribute(tasks, slots)
			if err != nil {
				return false
			}
			lo, hi := p.Counts[0], p.Counts[0]
			for _, c := range p.Counts {
				if c < lo {
					lo = c
				}
				if c > hi {
					hi = c
				}
			}
			return hi-lo <= 1 && lo >= 1
		},
		pairs,
	))

	properties.Property("counts never decrease across slots", prop.ForAll(
		func(v []interface{}) bool {
			slots, tasks := v[0].(int), v[0].(int)+v[1].(int)
			p, err := Distribute(tasks, slots)
			if err != nil {
				return false
			}
			for i := 1; i < len(p.Counts); i++ {
				if p.Counts[i] < p.Counts[i-1] {
					return false
				}
			}
			return true
		},
		pairs,
	))

	properties.Property("ranges concatenate to [0, tasks)", prop.ForAll(
		func(v []interface{}) bool {
			slots, tasks := v[0].(int), v[0].(int)+v[1].(int)
			p, err := Distribute(tasks, slots)
			if err != nil {
				return false
			}
			next := 0
			for i, r := range p.Ranges {
				if r.Start != next || r.Len() != p.Counts[i] {
					return false
				}
				next = r.End
			}
			return next == tasks
		},
		pairs,
	))

	properties.Property("more slots than tasks is rejected", prop.ForAll(
		func(tasks, extra int) bool {
			_, err := Distribute(tasks, tasks+extra)
			return err != nil
		},
		gen.IntRange(0, 100),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
