package main

import (
	"math/rand"

	"github.com/unixpickle/taskfarm/array"
	"github.com/unixpickle/taskfarm/collect"
	"github.com/unixpickle/taskfarm/pipeline"
)

const (
	statsLabel = "gauss"
	stackLabel = "grid"

	offsetTag = 1
)

// demoTask draws a Gaussian sample and a Gaussian patch
// per task index. Every index has its own seed, so the
// results do not depend on how tasks are spread.
type demoTask struct {
	worker    *pipeline.Worker
	collector *collect.Collector
	seed      int64
	dim       int
	patchSize int

	offset *array.Array
}

// Initialize draws a random offset on the leader and
// shares it with every worker.
func (d *demoTask) Initialize(w *pipeline.Worker) error {
	d.offset = array.New(d.dim)
	if w.Group().IsLeader() {
		rng := rand.New(rand.NewSource(d.seed))
		for i := range d.offset.Data() {
			d.offset.Data()[i] = rng.Float64()
		}
	}
	return w.Distribute(d.offset, offsetTag)
}

func (d *demoTask) Run(local int) error {
	rng := rand.New(rand.NewSource(d.seed + int64(d.worker.TaskIndex(local)) + 1))

	sample := make([]float64, d.dim)
	for i := range sample {
		sample[i] = rng.NormFloat64() + d.offset.At(i)
	}
	if err := d.collector.AddToStats(statsLabel, sample); err != nil {
		return err
	}

	patch := array.New(d.patchSize, d.patchSize)
	for i := range patch.Data() {
		patch.Data()[i] = rng.NormFloat64()
	}
	return d.collector.AddToStack(stackLabel, patch)
}
