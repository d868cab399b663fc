package collect

import (
	"sync"
	"testing"

	"github.com/unixpickle/taskfarm/array"
	"github.com/unixpickle/taskfarm/comm"
	"github.com/unixpickle/taskfarm/simulator"
	"pgregory.net/rapid"
)

// gatherStack runs one stack gather where rank r adds
// every vector in contribs[r], and returns the leader's
// average.
func gatherStack(t *rapid.T, seed int64, contribs [][][]float64) *array.Array {
	var result *array.Array
	var failure error
	var lock sync.Mutex
	loop := simulator.NewEventLoopSeed(seed)
	err := comm.RunSim(loop, simulator.RandomNetwork{}, len(contribs), comm.Options{},
		func(g *comm.Group) {
			c, err := New(g, Config{StackLabels: []string{"v"}})
			if err == nil {
				for _, vec := range contribs[g.Rank()] {
					if err = c.AddToStack("v", array.Vector(vec)); err != nil {
						break
					}
				}
			}
			if err == nil {
				var res map[string]*array.Array
				res, err = c.GetStacks()
				if g.IsLeader() && err == nil {
					result = res["v"]
				}
			}
			if err != nil {
				lock.Lock()
				failure = err
				lock.Unlock()
			}
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if failure != nil {
		t.Fatalf("gather: %v", failure)
	}
	return result
}

func TestStackPermutationInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 5).Draw(t, "size")
		dim := rapid.IntRange(1, 4).Draw(t, "dim")
		seed := rapid.Int64().Draw(t, "seed")

		contribs := make([][][]float64, size)
		total := 0
		for r := range contribs {
			n := rapid.IntRange(0, 3).Draw(t, "count")
			for i := 0; i < n; i++ {
				vec := make([]float64, dim)
				for j := range vec {
					vec[j] = float64(rapid.IntRange(-100, 100).Draw(t, "value"))
				}
				contribs[r] = append(contribs[r], vec)
			}
			total += n
		}
		if total == 0 {
			contribs[0] = append(contribs[0], make([]float64, dim))
		}
		perm := rapid.Permutation(contribs).Draw(t, "perm")

		expected := gatherStack(t, seed, contribs)
		actual := gatherStack(t, seed+1, perm)
		if !actual.ApproxEqual(expected, 1e-9) {
			t.Fatalf("expected %v but got %v", expected, actual)
		}
	})
}
