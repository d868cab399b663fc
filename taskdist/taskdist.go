// Package taskdist splits a fixed number of tasks into
// contiguous, balanced ranges, one per worker slot.
package taskdist

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidConfiguration is returned when tasks cannot
// be spread across the requested workers.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// A Range is the half-open interval of task indices
// [Start, End).
type Range struct {
	Start int
	End   int
}

// Len gets the number of tasks in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Indices lists every task index in the range, in order.
func (r Range) Indices() []int {
	res := make([]int, 0, r.Len())
	for i := r.Start; i < r.End; i++ {
		res = append(res, i)
	}
	return res
}

// A Partition assigns every task index to exactly one
// slot.
type Partition struct {
	// Counts holds the number of tasks per slot.
	Counts []int

	// Ranges holds the task indices per slot.
	Ranges []Range
}

// Distribute partitions totalTasks tasks across slots
// slots.
//
// Every slot gets totalTasks/slots tasks, and the last
// totalTasks%slots slots get one more, so slot 0 never
// carries extra work.
// There must be at least one task per slot.
func Distribute(totalTasks, slots int) (*Partition, error) {
	if slots < 1 {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "need at least one slot, got %d", slots)
	}
	if slots > totalTasks {
		return nil, errors.Wrapf(ErrInvalidConfiguration,
			"%d slots exceed %d tasks", slots, totalTasks)
	}
	base, rem := totalTasks/slots, totalTasks%slots
	p := &Partition{
		Counts: make([]int, slots),
		Ranges: make([]Range, slots),
	}
	var start int
	for i := range p.Counts {
		p.Counts[i] = base
		if i >= slots-rem {
			p.Counts[i]++
		}
		p.Ranges[i] = Range{Start: start, End: start + p.Counts[i]}
		start += p.Counts[i]
	}
	return p, nil
}

// NumSlots gets the number of slots.
func (p *Partition) NumSlots() int {
	return len(p.Counts)
}

// Total gets the total number of tasks.
func (p *Partition) Total() int {
	var n int
	for _, c := range p.Counts {
		n += c
	}
	return n
}

// Slot gets the range owned by a slot.
func (p *Partition) Slot(i int) Range {
	return p.Ranges[i]
}

// String renders the partition as a slot-to-count table.
func (p *Partition) String() string {
	var b strings.Builder
	b.WriteString("| Slot | Tasks | Range |\n|:--|:--|:--|\n")
	for i, r := range p.Ranges {
		fmt.Fprintf(&b, "| %d | %d | [%d, %d) |\n", i, p.Counts[i], r.Start, r.End)
	}
	return b.String()
}
