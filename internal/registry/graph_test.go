package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectCycle_NoCycle(t *testing.T) {
	ts := &Taskset{Tasks: []Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	}}
	assert.Nil(t, detectCycle(ts))
}

func TestDetectCycle_FindsSelfLoop(t *testing.T) {
	ts := &Taskset{Tasks: []Task{{ID: "a", Dependencies: []string{"a"}}}}
	cyc := detectCycle(ts)
	require.NotNil(t, cyc)
	assert.Contains(t, cyc, "a")
}

func TestDetectCycle_FindsIndirectCycle(t *testing.T) {
	ts := &Taskset{Tasks: []Task{
		{ID: "a", Dependencies: []string{"c"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	}}
	cyc := detectCycle(ts)
	require.NotNil(t, cyc)
	assert.Len(t, cyc, 4) // closed loop: the first id is repeated at the end
}

func TestUnknownDependency(t *testing.T) {
	ts := &Taskset{Tasks: []Task{{ID: "a", Dependencies: []string{"ghost"}}}}
	assert.Equal(t, "ghost", unknownDependency(ts))

	ts2 := &Taskset{Tasks: []Task{{ID: "a"}, {ID: "b", Dependencies: []string{"a"}}}}
	assert.Equal(t, "", unknownDependency(ts2))
}

func TestExecutionOrder_DiamondDependency(t *testing.T) {
	ts := &Taskset{Tasks: []Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a"}},
		{ID: "d", Dependencies: []string{"b", "c"}},
	}}
	levels, err := executionOrder(ts)
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"a"}, levels[0])
	assert.ElementsMatch(t, []string{"b", "c"}, levels[1])
	assert.Equal(t, []string{"d"}, levels[2])
}

func TestExecutionOrder_RejectsCycle(t *testing.T) {
	ts := &Taskset{Tasks: []Task{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}}
	_, err := executionOrder(ts)
	assert.Error(t, err)
}
