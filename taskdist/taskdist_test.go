package taskdist

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributeRemainderOnTrailingSlots(t *testing.T) {
	p, err := Distribute(10, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3, 3}, p.Counts)
	assert.Equal(t, []Range{{0, 2}, {2, 4}, {4, 7}, {7, 10}}, p.Ranges)
}

func TestDistributeSevenOverThree(t *testing.T) {
	p, err := Distribute(7, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, p.Counts)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4, 5, 6}},
		[][]int{p.Slot(0).Indices(), p.Slot(1).Indices(), p.Slot(2).Indices()})
}

func TestDistributeEven(t *testing.T) {
	p, err := Distribute(160, 40)
	require.NoError(t, err)
	for i, c := range p.Counts {
		assert.Equal(t, 4, c, "slot %d", i)
	}
	assert.Equal(t, 160, p.Total())
	assert.Equal(t, 40, p.NumSlots())
}

func TestDistributeInvalid(t *testing.T) {
	for _, c := range []struct{ tasks, slots int }{
		{3, 4},
		{0, 1},
		{5, 0},
		{5, -2},
	} {
		_, err := Distribute(c.tasks, c.slots)
		assert.True(t, errors.Is(err, ErrInvalidConfiguration),
			"tasks=%d slots=%d: %v", c.tasks, c.slots, err)
	}
}

func TestPartitionString(t *testing.T) {
	p, err := Distribute(3, 2)
	require.NoError(t, err)
	assert.Equal(t, "| Slot | Tasks | Range |\n|:--|:--|:--|\n"+
		"| 0 | 1 | [0, 1) |\n| 1 | 2 | [1, 3) |\n", p.String())
}
