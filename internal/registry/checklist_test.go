package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `# Tasks

- [ ] 1 Set up project scaffolding
  - [x] 1.1 Initialize module
  - [ ] 1.2 Wire CI
_Requirements: R1, R2_
- [x] 2 Implement core loop
`

func TestParseChecklist_BuildsHierarchy(t *testing.T) {
	items, err := parseChecklist(sampleDoc)
	require.NoError(t, err)
	require.Len(t, items, 2)

	root := items[0]
	assert.Equal(t, "1", root.id)
	require.Len(t, root.children, 2)
	assert.Equal(t, "1.1", root.children[0].id)
	assert.True(t, root.children[0].checked)
	assert.Equal(t, "1.2", root.children[1].id)
	assert.False(t, root.children[1].checked)
	assert.Equal(t, "R1, R2", root.children[1].reqs)

	assert.Equal(t, "2", items[1].id)
	assert.True(t, items[1].checked)
}

func TestSyncChecklist_FromDoc_CreatesMissingTasks(t *testing.T) {
	ts := &Taskset{SpecName: "s1"}
	newTs, _, result, err := syncChecklist(ts, sampleDoc, SyncFromDoc)
	require.NoError(t, err)
	assert.Equal(t, 4, result.TasksAdded)
	require.Len(t, newTs.Tasks, 4)

	byID := make(map[string]*Task)
	for i := range newTs.Tasks {
		byID[newTs.Tasks[i].ID] = &newTs.Tasks[i]
	}
	assert.Equal(t, StateDone, byID["1.1"].State)
	assert.Equal(t, StateReady, byID["1.2"].State)
	assert.Equal(t, StateDone, byID["2"].State)
}

func TestSyncChecklist_ToDoc_UpdatesCheckboxes(t *testing.T) {
	ts := &Taskset{SpecName: "s1", Tasks: []Task{
		{ID: "1", Title: "Set up project scaffolding", State: StateDone},
		{ID: "1.1", Title: "Initialize module", State: StateDone},
		{ID: "1.2", Title: "Wire CI", State: StateDone},
		{ID: "2", Title: "Implement core loop", State: StateReady},
	}}
	_, doc, result, err := syncChecklist(ts, sampleDoc, SyncToDoc)
	require.NoError(t, err)
	assert.Equal(t, 3, result.CheckboxesSet) // 1, 1.2, and 2 flip state; 1.1 already matched
	assert.Contains(t, doc, "- [x] 1 Set up project scaffolding")
	assert.Contains(t, doc, "- [ ] 2 Implement core loop")
}

func TestSyncChecklist_ToDoc_RunningAndFailedGetDashBox(t *testing.T) {
	ts := &Taskset{SpecName: "s1", Tasks: []Task{
		{ID: "1", Title: "Set up project scaffolding", State: StateRunning},
		{ID: "1.1", Title: "Initialize module", State: StateFailed},
		{ID: "1.2", Title: "Wire CI", State: StateBlocked},
		{ID: "2", Title: "Implement core loop", State: StateDone},
	}}
	_, doc, _, err := syncChecklist(ts, sampleDoc, SyncToDoc)
	require.NoError(t, err)
	assert.Contains(t, doc, "- [-] 1 Set up project scaffolding")
	assert.Contains(t, doc, "- [-] 1.1 Initialize module")
	assert.Contains(t, doc, "- [ ] 1.2 Wire CI")
	assert.Contains(t, doc, "- [x] 2 Implement core loop")
}

func TestSyncChecklist_Bidirectional_ReenablesDoneTask(t *testing.T) {
	ts := &Taskset{SpecName: "s1", Tasks: []Task{
		{ID: "1", Title: "Set up project scaffolding", State: StateDone},
	}}
	doc := "- [ ] 1 Set up project scaffolding\n"
	newTs, _, result, err := syncChecklist(ts, doc, SyncBidirectional)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TasksReenabled)
	assert.Equal(t, StateReady, newTs.Tasks[0].State)
}
