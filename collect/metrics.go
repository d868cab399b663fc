package collect

import (
	"github.com/uber-go/tally/v4"
)

// Metrics tracks a Collector's contributions and gathers.
type Metrics struct {
	SamplesAdded  tally.Counter
	StacksAdded   tally.Counter
	SamplesMerged tally.Counter
	LabelsMerged  tally.Counter
	GatherFail    tally.Counter

	GatherStats  tally.Timer
	GatherStacks tally.Timer
}

// NewMetrics creates Metrics under the "collect"
// sub-scope.
func NewMetrics(scope tally.Scope) *Metrics {
	s := scope.SubScope("collect")
	return &Metrics{
		SamplesAdded:  s.Counter("samples_added"),
		StacksAdded:   s.Counter("stacks_added"),
		SamplesMerged: s.Counter("samples_merged"),
		LabelsMerged:  s.Counter("labels_merged"),
		GatherFail:    s.Counter("gather_fail"),

		GatherStats:  s.Timer("gather_stats"),
		GatherStacks: s.Timer("gather_stacks"),
	}
}
