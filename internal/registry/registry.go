package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/necrocode/necrocode/internal/ncerrors"
	"github.com/necrocode/necrocode/internal/telemetry"
)

// Registry is the durable Task Registry described in spec.md §4.1: a
// per-spec taskset document plus an append-only event log, guarded by an
// in-process mutex per spec name so concurrent Dispatcher/Agent Runner
// callers serialize around a single spec's state transitions. No file lock
// is taken, so writers in separate processes are not serialized.
type Registry struct {
	store *Store

	mu       sync.Mutex
	specLock map[string]*sync.Mutex
}

// New constructs a Registry backed by a Store rooted at dir.
func New(dir string, eventRotateBytes int64) (*Registry, error) {
	st, err := NewStore(dir, eventRotateBytes)
	if err != nil {
		return nil, err
	}
	return &Registry{store: st, specLock: make(map[string]*sync.Mutex)}, nil
}

func (r *Registry) lockFor(specName string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.specLock[specName]
	if !ok {
		l = &sync.Mutex{}
		r.specLock[specName] = l
	}
	return l
}

// CreateTaskset validates and persists a new taskset, rejecting unknown
// dependency references and circular dependency graphs (spec.md §4.1
// "create_taskset").
func (r *Registry) CreateTaskset(ts *Taskset) error {
	const op = "registry.CreateTaskset"
	if ts.SpecName == "" {
		return ncerrors.New(ncerrors.Validation, op, "spec_name is required")
	}

	lock := r.lockFor(ts.SpecName)
	lock.Lock()
	defer lock.Unlock()

	if _, err := r.store.LoadTaskset(ts.SpecName); err == nil {
		return ncerrors.New(ncerrors.Conflict, op, fmt.Sprintf("taskset %q already exists", ts.SpecName))
	}

	if dep := unknownDependency(ts); dep != "" {
		return ncerrors.New(ncerrors.Validation, op, fmt.Sprintf("unknown dependency %q", dep))
	}
	if cyc := detectCycle(ts); cyc != nil {
		return ncerrors.New(ncerrors.Validation, op, fmt.Sprintf("circular dependency: %s", strings.Join(cyc, " -> ")))
	}

	ts.CreatedAt = now()
	ts.UpdatedAt = now()
	for i := range ts.Tasks {
		if ts.Tasks[i].State == "" {
			ts.Tasks[i].State = StateReady
		}
		ts.Tasks[i].CreatedAt = now()
		ts.Tasks[i].UpdatedAt = now()
	}
	recomputeBlocked(ts)

	if err := r.store.SaveTaskset(ts); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	r.recordEvent(ts.SpecName, "", EventTasksetCreated, Metadata{"task_count": len(ts.Tasks)})
	telemetry.TasksByStateGauge.WithLabelValues(ts.SpecName, string(StateReady)).Add(float64(countState(ts, StateReady)))
	return nil
}

// ListTasksets returns every spec name with a persisted taskset document.
func (r *Registry) ListTasksets() ([]string, error) {
	const op = "registry.ListTasksets"
	names, err := r.store.ListTasksets()
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	return names, nil
}

// GetTaskset returns the current taskset document for specName.
func (r *Registry) GetTaskset(specName string) (*Taskset, error) {
	const op = "registry.GetTaskset"
	ts, err := r.store.LoadTaskset(specName)
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.NotFound, op, err)
	}
	return ts, nil
}

// GetReadyTasks returns every task in state Ready, ordered by descending
// priority then ascending id. The Dispatcher re-sorts this list by aged
// priority, then creation time.
func (r *Registry) GetReadyTasks(specName string) ([]Task, error) {
	ts, err := r.GetTaskset(specName)
	if err != nil {
		return nil, err
	}
	var ready []Task
	for _, t := range ts.Tasks {
		if t.State == StateReady {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}

// validTransitions encodes the allowed state-transition matrix (spec.md
// §4.1 "State machine"). A task may move to any of its listed successors;
// any other target is rejected.
var validTransitions = map[TaskState][]TaskState{
	StateBlocked: {StateReady},
	StateReady:   {StateRunning, StateBlocked, StateFailed},
	StateRunning: {StateDone, StateFailed},
	StateFailed:  {StateReady},
	StateDone:    {},
}

func canTransition(from, to TaskState) bool {
	if from == to {
		return true // idempotent re-application, see UpdateTaskState
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateTaskState transitions task taskID to newState, validating the
// transition against the state machine and cascading dependency unblocks
// when a task reaches Done. Re-applying the same (state, metadata) pair
// is a no-op success rather than an error, so a retried Dispatcher call
// after a network blip cannot corrupt state (spec.md §8 "Idempotence").
func (r *Registry) UpdateTaskState(specName, taskID string, newState TaskState, meta Metadata) error {
	const op = "registry.UpdateTaskState"
	lock := r.lockFor(specName)
	lock.Lock()
	defer lock.Unlock()

	ts, err := r.store.LoadTaskset(specName)
	if err != nil {
		return ncerrors.Wrap(ncerrors.NotFound, op, err)
	}

	idx := -1
	for i := range ts.Tasks {
		if ts.Tasks[i].ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ncerrors.New(ncerrors.NotFound, op, fmt.Sprintf("task %q not found", taskID))
	}
	task := &ts.Tasks[idx]

	if task.State == newState && task.Metadata.Equal(meta) {
		return nil // idempotent replay
	}
	if !canTransition(task.State, newState) {
		return ncerrors.New(ncerrors.Conflict, op, fmt.Sprintf("invalid transition %s -> %s for task %q", task.State, newState, taskID))
	}

	prev := task.State
	task.State = newState
	task.Metadata = meta.Clone()
	task.UpdatedAt = now()
	if newState == StateFailed {
		task.RetryCount++
	}

	recomputeBlocked(ts)
	ts.UpdatedAt = now()

	if err := r.store.SaveTaskset(ts); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}

	r.recordEvent(specName, taskID, EventStateChanged, Metadata{"from": string(prev), "to": string(newState)})
	telemetry.TasksByStateGauge.WithLabelValues(specName, string(prev)).Dec()
	telemetry.TasksByStateGauge.WithLabelValues(specName, string(newState)).Inc()

	if newState == StateDone {
		r.emitUnblockEvents(specName, ts, taskID)
	}
	return nil
}

// emitUnblockEvents records a DependencyUnblocked event for every task that
// recomputeBlocked has just moved from Blocked to Ready as a consequence of
// taskID completing.
func (r *Registry) emitUnblockEvents(specName string, ts *Taskset, completedID string) {
	for _, t := range ts.Tasks {
		if t.State != StateReady {
			continue
		}
		for _, dep := range t.Dependencies {
			if dep == completedID {
				r.recordEvent(specName, t.ID, EventDependencyUnblocked, Metadata{"unblocked_by": completedID})
				break
			}
		}
	}
}

// recomputeBlocked derives each non-terminal task's Ready/Blocked state from
// its dependencies' current states: a task is Ready exactly when every
// non-optional dependency is Done, and optional dependencies never block
// (spec.md §4.1 "Dependency resolution"). Running, Done, and Failed tasks
// are left untouched.
func recomputeBlocked(ts *Taskset) {
	byID := depsByID(ts)
	for i := range ts.Tasks {
		t := &ts.Tasks[i]
		if t.State != StateReady && t.State != StateBlocked {
			continue
		}
		satisfied := true
		for _, depID := range t.Dependencies {
			dep, ok := byID[depID]
			if !ok || dep.State == StateDone || dep.IsOptional {
				continue
			}
			satisfied = false
			break
		}
		if satisfied {
			t.State = StateReady
		} else {
			t.State = StateBlocked
		}
	}
}

func countState(ts *Taskset, state TaskState) int {
	n := 0
	for _, t := range ts.Tasks {
		if t.State == state {
			n++
		}
	}
	return n
}

// AddArtifact appends an artifact reference to a task without changing its
// state (spec.md §4.1 "add_artifact").
func (r *Registry) AddArtifact(specName, taskID string, artifact Artifact) error {
	const op = "registry.AddArtifact"
	lock := r.lockFor(specName)
	lock.Lock()
	defer lock.Unlock()

	ts, err := r.store.LoadTaskset(specName)
	if err != nil {
		return ncerrors.Wrap(ncerrors.NotFound, op, err)
	}
	found := false
	for i := range ts.Tasks {
		if ts.Tasks[i].ID == taskID {
			artifact.CreatedAt = now()
			ts.Tasks[i].Artifacts = append(ts.Tasks[i].Artifacts, artifact)
			ts.Tasks[i].UpdatedAt = now()
			found = true
			break
		}
	}
	if !found {
		return ncerrors.New(ncerrors.NotFound, op, fmt.Sprintf("task %q not found", taskID))
	}
	ts.UpdatedAt = now()
	if err := r.store.SaveTaskset(ts); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	r.recordEvent(specName, taskID, EventArtifactAdded, Metadata{"artifact_type": string(artifact.Type), "uri": artifact.URI})
	return nil
}

// RecordEvent appends an arbitrary audit event, used by the Dispatcher and
// Agent Runner for events that don't correspond to a state transition
// (heartbeats, dispatch skips, retry scheduling, deadlock suspicion).
func (r *Registry) RecordEvent(specName, taskID string, eventType EventType, details Metadata) error {
	return r.recordEvent(specName, taskID, eventType, details)
}

func (r *Registry) recordEvent(specName, taskID string, eventType EventType, details Metadata) error {
	ev := TaskEvent{
		EventType: eventType,
		SpecName:  specName,
		TaskID:    taskID,
		Timestamp: now(),
		Details:   details,
	}
	if err := r.store.AppendEvent(ev); err != nil {
		telemetry.LogError("failed to append event", err, "spec", specName, "task", taskID, "event_type", string(eventType))
		return err
	}
	telemetry.TaskEventsTotal.WithLabelValues(specName, string(eventType)).Inc()
	return nil
}

// QueryEvents replays the event log for specName, optionally filtered by
// time range and task id (spec.md §4.1 "query_events").
func (r *Registry) QueryEvents(specName string, tr TimeRange, taskID string) ([]TaskEvent, error) {
	const op = "registry.QueryEvents"
	events, err := r.store.QueryEvents(specName, tr, taskID)
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	return events, nil
}

// SyncChecklist reconciles the taskset against the checklist document at
// path, in the requested direction, and persists any resulting changes to
// both sides (spec.md §4.1 "sync_checklist").
func (r *Registry) SyncChecklist(specName, path string, dir SyncDirection) (SyncResult, error) {
	const op = "registry.SyncChecklist"
	lock := r.lockFor(specName)
	lock.Lock()
	defer lock.Unlock()

	ts, err := r.store.LoadTaskset(specName)
	if err != nil {
		return SyncResult{}, ncerrors.Wrap(ncerrors.NotFound, op, err)
	}
	doc, err := loadChecklistFile(path)
	if err != nil {
		return SyncResult{}, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}

	newTs, newDoc, result, err := syncChecklist(ts, doc, dir)
	if err != nil {
		return SyncResult{}, ncerrors.Wrap(ncerrors.Validation, op, err)
	}

	if dir == SyncFromDoc || dir == SyncBidirectional {
		if dep := unknownDependency(newTs); dep != "" {
			return SyncResult{}, ncerrors.New(ncerrors.Validation, op, fmt.Sprintf("unknown dependency %q after sync", dep))
		}
		recomputeBlocked(newTs)
		newTs.UpdatedAt = now()
		if err := r.store.SaveTaskset(newTs); err != nil {
			return SyncResult{}, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
		}
	}
	if dir == SyncToDoc || dir == SyncBidirectional {
		if err := saveChecklistFile(path, newDoc); err != nil {
			return SyncResult{}, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
		}
	}

	return result, nil
}

// ExportDependencyGraph renders the taskset's dependency graph in dot or
// mermaid format (spec.md §4.1 "export_dependency_graph").
func (r *Registry) ExportDependencyGraph(specName string, format GraphFormat) (string, error) {
	ts, err := r.GetTaskset(specName)
	if err != nil {
		return "", err
	}
	switch format {
	case FormatDot:
		return renderDot(ts), nil
	case FormatMermaid:
		return renderMermaid(ts), nil
	default:
		return "", ncerrors.New(ncerrors.Validation, "registry.ExportDependencyGraph", fmt.Sprintf("unknown format %q", format))
	}
}

// dotFillColor and mermaidFillColor assign the per-state node color spec.md
// §4.1 requires ("Nodes colored by state"). Kept as separate maps rather than
// one shared palette because dot and mermaid take fill colors in different
// forms (a graphviz color name vs. a CSS hex literal).
var dotFillColor = map[TaskState]string{
	StateReady:   "lightyellow",
	StateRunning: "lightblue",
	StateBlocked: "lightgray",
	StateDone:    "palegreen",
	StateFailed:  "lightcoral",
}

var mermaidFillColor = map[TaskState]string{
	StateReady:   "#fff9c4",
	StateRunning: "#bbdefb",
	StateBlocked: "#e0e0e0",
	StateDone:    "#c8e6c9",
	StateFailed:  "#ffcdd2",
}

func renderDot(ts *Taskset) string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", ts.SpecName)
	for _, t := range ts.Tasks {
		style := "filled"
		if t.IsOptional {
			style = "filled,dashed"
		}
		fmt.Fprintf(&b, "  %q [label=%q, state=%q, shape=box, style=%q, fillcolor=%q];\n",
			t.ID, t.Title, t.State, style, dotFillColor[t.State])
	}
	for _, t := range ts.Tasks {
		for _, dep := range t.Dependencies {
			fmt.Fprintf(&b, "  %q -> %q;\n", dep, t.ID)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func renderMermaid(ts *Taskset) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	for _, t := range ts.Tasks {
		id := sanitizeMermaidID(t.ID)
		fmt.Fprintf(&b, "  %s[%q]\n", id, t.Title)
		style := fmt.Sprintf("  style %s fill:%s", id, mermaidFillColor[t.State])
		if t.IsOptional {
			style += ",stroke-dasharray: 5 5"
		}
		b.WriteString(style + "\n")
	}
	for _, t := range ts.Tasks {
		for _, dep := range t.Dependencies {
			fmt.Fprintf(&b, "  %s --> %s\n", sanitizeMermaidID(dep), sanitizeMermaidID(t.ID))
		}
	}
	return b.String()
}

func sanitizeMermaidID(id string) string {
	return "t" + strings.NewReplacer(".", "_", "-", "_").Replace(id)
}

// ExecutionOrder returns the topological layering of specName's dependency
// graph, used by CLI tooling and tests to sanity-check a taskset without
// running the Dispatcher.
func (r *Registry) ExecutionOrder(specName string) ([][]string, error) {
	ts, err := r.GetTaskset(specName)
	if err != nil {
		return nil, err
	}
	return executionOrder(ts)
}
