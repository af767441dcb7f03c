package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	return reg
}

func sampleTaskset(spec string) *Taskset {
	return &Taskset{
		SpecName: spec,
		Tasks: []Task{
			{ID: "1", Title: "root", State: StateReady},
			{ID: "2", Title: "child", Dependencies: []string{"1"}},
			{ID: "3", Title: "optional child", Dependencies: []string{"1"}, IsOptional: true},
		},
	}
}

func TestCreateTaskset_RejectsUnknownDependency(t *testing.T) {
	reg := newTestRegistry(t)
	ts := &Taskset{SpecName: "s1", Tasks: []Task{{ID: "1", Dependencies: []string{"ghost"}}}}
	err := reg.CreateTaskset(ts)
	assert.Error(t, err)
}

func TestCreateTaskset_RejectsCycle(t *testing.T) {
	reg := newTestRegistry(t)
	ts := &Taskset{SpecName: "s1", Tasks: []Task{
		{ID: "1", Dependencies: []string{"2"}},
		{ID: "2", Dependencies: []string{"1"}},
	}}
	err := reg.CreateTaskset(ts)
	assert.Error(t, err)
}

func TestCreateTaskset_BlocksDependentTasks(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateTaskset(sampleTaskset("s1")))

	ready, err := reg.GetReadyTasks("s1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "1", ready[0].ID)

	ts, err := reg.GetTaskset("s1")
	require.NoError(t, err)
	for _, task := range ts.Tasks {
		if task.ID == "2" {
			assert.Equal(t, StateBlocked, task.State)
		}
	}
}

func TestUpdateTaskState_UnblocksDependents(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateTaskset(sampleTaskset("s1")))

	require.NoError(t, reg.UpdateTaskState("s1", "1", StateRunning, nil))
	require.NoError(t, reg.UpdateTaskState("s1", "1", StateDone, nil))

	ts, err := reg.GetTaskset("s1")
	require.NoError(t, err)
	for _, task := range ts.Tasks {
		if task.ID == "2" {
			assert.Equal(t, StateReady, task.State)
		}
	}
}

func TestUpdateTaskState_OptionalDependencyNeverBlocks(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateTaskset(&Taskset{SpecName: "s1", Tasks: []Task{
		{ID: "1", Title: "optional root", State: StateReady, IsOptional: true},
		{ID: "2", Title: "child of optional", Dependencies: []string{"1"}},
	}}))

	ts, err := reg.GetTaskset("s1")
	require.NoError(t, err)
	for _, task := range ts.Tasks {
		if task.ID == "2" {
			assert.Equal(t, StateReady, task.State, "optional dependency must not block")
		}
	}
}

func TestUpdateTaskState_RejectsInvalidTransition(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateTaskset(sampleTaskset("s1")))

	err := reg.UpdateTaskState("s1", "1", StateDone, nil)
	assert.Error(t, err, "Ready -> Done is not a legal direct transition")
}

func TestUpdateTaskState_IsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateTaskset(sampleTaskset("s1")))

	require.NoError(t, reg.UpdateTaskState("s1", "1", StateRunning, Metadata{"slot": "a"}))
	require.NoError(t, reg.UpdateTaskState("s1", "1", StateRunning, Metadata{"slot": "a"}))

	events, err := reg.QueryEvents("s1", TimeRange{}, "1")
	require.NoError(t, err)

	changes := 0
	for _, ev := range events {
		if ev.EventType == EventStateChanged {
			changes++
		}
	}
	assert.Equal(t, 1, changes, "replaying an identical update must not record a second transition")
}

func TestAddArtifactAndQueryEvents(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateTaskset(sampleTaskset("s1")))

	require.NoError(t, reg.AddArtifact("s1", "1", Artifact{Type: ArtifactDiff, URI: "s3://bucket/1.diff"}))

	ts, err := reg.GetTaskset("s1")
	require.NoError(t, err)
	require.Len(t, ts.Tasks[0].Artifacts, 1)
	assert.Equal(t, ArtifactDiff, ts.Tasks[0].Artifacts[0].Type)

	events, err := reg.QueryEvents("s1", TimeRange{}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestExportDependencyGraph(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateTaskset(sampleTaskset("s1")))

	dot, err := reg.ExportDependencyGraph("s1", FormatDot)
	require.NoError(t, err)
	assert.Contains(t, dot, "digraph")
	assert.Contains(t, dot, `"1" -> "2"`)

	mermaid, err := reg.ExportDependencyGraph("s1", FormatMermaid)
	require.NoError(t, err)
	assert.Contains(t, mermaid, "graph TD")
}

func TestExecutionOrder(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateTaskset(sampleTaskset("s1")))

	levels, err := reg.ExecutionOrder("s1")
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.ElementsMatch(t, []string{"1"}, levels[0])
	assert.ElementsMatch(t, []string{"2", "3"}, levels[1])
}
