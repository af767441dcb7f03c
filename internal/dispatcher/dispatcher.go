package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/necrocode/necrocode/internal/ncerrors"
	"github.com/necrocode/necrocode/internal/pool"
	"github.com/necrocode/necrocode/internal/registry"
	"github.com/necrocode/necrocode/internal/telemetry"
)

// Dispatcher runs the single scheduling loop per process described in
// spec.md §4.3. It is the only component that transitions tasks into
// Running, and the only component that calls Pool.AllocateSlot/ReleaseSlot
// on a task's behalf.
type Dispatcher struct {
	reg    *registry.Registry
	pool   *pool.Manager
	runner RunnerInvoker
	cfg    Config

	sem *semaphore.Weighted

	mu        sync.Mutex
	inFlight  map[string]*inFlight // keyed by taskID
	readySince map[string]time.Time // taskID -> first observed Ready, for aging/deadlock
	retries   map[string]*retryState
}

// New builds a Dispatcher. runner may be nil until wired by the caller via
// SetRunner (useful when the runner itself needs a reference back to
// report completions).
func New(reg *registry.Registry, poolMgr *pool.Manager, runner RunnerInvoker, cfg Config) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Dispatcher{
		reg:        reg,
		pool:       poolMgr,
		runner:     runner,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		inFlight:   make(map[string]*inFlight),
		readySince: make(map[string]time.Time),
		retries:    make(map[string]*retryState),
	}
}

func (d *Dispatcher) SetRunner(r RunnerInvoker) { d.runner = r }

// Run executes the control loop every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			if err := d.tick(ctx); err != nil {
				telemetry.LogError("dispatch loop iteration failed", err)
			}
			telemetry.DispatchLoopDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// tick runs exactly one control-loop iteration (spec.md §4.3 "Control
// loop" steps 1-5) across every known taskset.
func (d *Dispatcher) tick(ctx context.Context) error {
	specs, err := d.reg.ListTasksets()
	if err != nil {
		return fmt.Errorf("list tasksets: %w", err)
	}

	var allReady []readyTask
	for _, spec := range specs {
		ready, err := d.reg.GetReadyTasks(spec)
		if err != nil {
			telemetry.LogError("failed to load ready tasks", err, "spec", spec)
			continue
		}
		for _, t := range ready {
			allReady = append(allReady, readyTask{spec: spec, task: t})
		}
	}

	d.trackReadySince(allReady)
	d.checkHeartbeats(ctx)
	d.checkDeadlock(allReady)

	sort.SliceStable(allReady, func(i, j int) bool {
		pi, pj := d.effectivePriority(allReady[i]), d.effectivePriority(allReady[j])
		if pi != pj {
			return pi > pj
		}
		return allReady[i].task.CreatedAt.Before(allReady[j].task.CreatedAt)
	})

	for _, rt := range allReady {
		d.maybeDispatch(ctx, rt)
	}
	return nil
}

type readyTask struct {
	spec string
	task registry.Task
}

func (d *Dispatcher) effectivePriority(rt readyTask) int {
	d.mu.Lock()
	since, ok := d.readySince[rt.task.ID]
	d.mu.Unlock()
	if !ok || d.cfg.AgingInterval <= 0 {
		return rt.task.Priority
	}
	elapsed := time.Since(since)
	delta := int(elapsed / d.cfg.AgingInterval)
	if delta > d.cfg.AgingMaxDelta {
		delta = d.cfg.AgingMaxDelta
	}
	return rt.task.Priority + delta
}

func (d *Dispatcher) trackReadySince(ready []readyTask) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]struct{}, len(ready))
	for _, rt := range ready {
		seen[rt.task.ID] = struct{}{}
		if _, ok := d.readySince[rt.task.ID]; !ok {
			d.readySince[rt.task.ID] = time.Now()
		}
	}
	for id := range d.readySince {
		if _, ok := seen[id]; !ok {
			delete(d.readySince, id)
		}
	}
}

// maybeDispatch attempts to dispatch one Ready task, skipping it (staying
// Ready) if concurrency, skill, or repo capacity is unavailable.
func (d *Dispatcher) maybeDispatch(ctx context.Context, rt readyTask) {
	if d.runner == nil {
		telemetry.DispatchSkippedTotal.WithLabelValues("no_runner").Inc()
		return
	}

	if !d.sem.TryAcquire(1) {
		telemetry.DispatchSkippedTotal.WithLabelValues("max_concurrency").Inc()
		return
	}
	acquiredSem := true
	defer func() {
		if acquiredSem {
			d.sem.Release(1)
		}
	}()

	skillLimit, hasLimit := d.cfg.PerSkillLimit[rt.task.RequiredSkill]
	if hasLimit && d.countInFlightSkill(rt.task.RequiredSkill) >= skillLimit {
		telemetry.DispatchSkippedTotal.WithLabelValues("skill_limit").Inc()
		return
	}

	if d.runner.IdleCount(rt.task.RequiredSkill) <= 0 {
		telemetry.DispatchSkippedTotal.WithLabelValues("no_idle_runner").Inc()
		return
	}

	if !d.retryReady(rt.task.ID) {
		telemetry.DispatchSkippedTotal.WithLabelValues("backoff").Inc()
		return
	}

	ts, err := d.reg.GetTaskset(rt.spec)
	if err != nil {
		telemetry.LogError("failed to reload taskset for dispatch", err, "spec", rt.spec)
		return
	}
	repoName := repoNameFor(ts)

	slot, err := d.pool.AllocateSlot(ctx, repoName, rt.task.ID)
	if err != nil {
		if ncerrors.Is(err, ncerrors.ResourceExhausted) {
			telemetry.DispatchSkippedTotal.WithLabelValues("no_available_slot").Inc()
		} else {
			telemetry.LogError("allocate slot failed", err, "repo", repoName)
		}
		return
	}

	tc := TaskContext{
		TaskID:             rt.task.ID,
		SpecName:           rt.spec,
		Title:              rt.task.Title,
		Description:        rt.task.Description,
		AcceptanceCriteria: rt.task.AcceptanceCriteria,
		Dependencies:       rt.task.Dependencies,
		RequiredSkill:      rt.task.RequiredSkill,
		SlotID:             slot.ID,
		SlotPath:           slot.Path,
		BranchName:         slot.Branch,
		TimeoutSeconds:     taskTimeoutSeconds(ts, rt.task),
	}

	if err := d.reg.UpdateTaskState(rt.spec, rt.task.ID, registry.StateRunning, registry.Metadata{
		"slot_id": slot.ID, "runner_skill": rt.task.RequiredSkill,
	}); err != nil {
		telemetry.LogError("failed to mark task running", err, "task", rt.task.ID)
		d.pool.ReleaseSlot(ctx, repoName, slot.ID, rt.task.ID, false)
		return
	}
	d.reg.RecordEvent(rt.spec, rt.task.ID, registry.EventAssigned, registry.Metadata{"slot_id": slot.ID})

	if err := d.runner.Dispatch(ctx, tc); err != nil {
		telemetry.LogError("runner dispatch failed", err, "task", rt.task.ID)
		d.reg.UpdateTaskState(rt.spec, rt.task.ID, registry.StateFailed, registry.Metadata{"reason": "DispatchError"})
		d.pool.ReleaseSlot(ctx, repoName, slot.ID, rt.task.ID, false)
		return
	}

	d.reg.RecordEvent(rt.spec, rt.task.ID, registry.EventStarted, nil)
	telemetry.TasksDispatchedTotal.WithLabelValues(rt.spec, rt.task.RequiredSkill).Inc()

	d.mu.Lock()
	d.inFlight[rt.task.ID] = &inFlight{
		specName: rt.spec, taskID: rt.task.ID, slotID: slot.ID,
		repoName: repoName, skill: rt.task.RequiredSkill, dispatchedAt: time.Now(),
	}
	d.mu.Unlock()

	acquiredSem = false // ownership of the concurrency slot transfers to the in-flight task
}

func (d *Dispatcher) countInFlightSkill(skill string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.inFlight {
		if f.skill == skill {
			n++
		}
	}
	return n
}

func (d *Dispatcher) retryReady(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.retries[taskID]
	if !ok {
		return true
	}
	return !time.Now().Before(rs.nextAttempt)
}

// CompleteTask is called by the Agent Runner (through whatever transport
// wires it to the Dispatcher) when a task finishes, releasing its slot and
// concurrency token and applying retry policy on failure (spec.md §4.3
// "Retry policy").
func (d *Dispatcher) CompleteTask(ctx context.Context, taskID string, failed bool, reason string) error {
	d.mu.Lock()
	f, ok := d.inFlight[taskID]
	if ok {
		delete(d.inFlight, taskID)
	}
	d.mu.Unlock()
	if !ok {
		return ncerrors.New(ncerrors.NotFound, "dispatcher.CompleteTask", fmt.Sprintf("task %q is not in flight", taskID))
	}

	d.sem.Release(1)
	d.pool.ReleaseSlot(ctx, f.repoName, f.slotID, taskID, true)

	newState := registry.StateDone
	if failed {
		newState = registry.StateFailed
	}
	if err := d.reg.UpdateTaskState(f.specName, taskID, newState, registry.Metadata{"reason": reason}); err != nil {
		return err
	}

	if failed {
		d.scheduleRetry(f.specName, taskID)
		telemetry.TaskOutcomesTotal.WithLabelValues(f.specName, "failed").Inc()
	} else {
		telemetry.TaskOutcomesTotal.WithLabelValues(f.specName, "done").Inc()
	}
	return nil
}

func (d *Dispatcher) scheduleRetry(specName, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.retries[taskID]
	if !ok {
		rs = &retryState{budget: d.cfg.DefaultRetryBudget, backoff: d.cfg.InitialBackoff}
		d.retries[taskID] = rs
	}
	if rs.attempts >= rs.budget {
		return
	}
	rs.attempts++
	rs.nextAttempt = time.Now().Add(rs.backoff)
	rs.backoff *= 2
	if rs.backoff > d.cfg.MaxBackoff {
		rs.backoff = d.cfg.MaxBackoff
	}
	d.reg.RecordEvent(specName, taskID, registry.EventRetryScheduled, registry.Metadata{
		"attempt": rs.attempts, "next_attempt": rs.nextAttempt.Format(time.RFC3339),
	})
	// A retried task is re-enqueued by moving it straight back to Ready
	// here.
	_ = d.reg.UpdateTaskState(specName, taskID, registry.StateReady, nil)
}

// checkHeartbeats force-fails any in-flight task whose last RunnerHeartbeat
// event is older than HeartbeatStale (spec.md §4.3 step 4).
func (d *Dispatcher) checkHeartbeats(ctx context.Context) {
	d.mu.Lock()
	snapshot := make([]*inFlight, 0, len(d.inFlight))
	for _, f := range d.inFlight {
		snapshot = append(snapshot, f)
	}
	d.mu.Unlock()

	for _, f := range snapshot {
		events, err := d.reg.QueryEvents(f.specName, registry.TimeRange{}, f.taskID)
		if err != nil {
			continue
		}
		lastHeartbeat := f.dispatchedAt
		for _, ev := range events {
			if ev.EventType == registry.EventRunnerHeartbeat && ev.Timestamp.After(lastHeartbeat) {
				lastHeartbeat = ev.Timestamp
			}
		}
		if time.Since(lastHeartbeat) <= d.cfg.HeartbeatStale {
			continue
		}

		d.reg.RecordEvent(f.specName, f.taskID, registry.EventHeartbeatTimeout, nil)
		d.runner.Cancel(f.taskID)
		d.CompleteTask(ctx, f.taskID, true, "HeartbeatTimeout")
	}
}

// checkDeadlock logs a DeadlockSuspected event when the oldest Ready task
// has waited longer than DeadlockThreshold and no task is in flight
// (spec.md §4.3 "Deadlock detection"). Pool slot availability is not
// consulted.
func (d *Dispatcher) checkDeadlock(ready []readyTask) {
	if len(ready) == 0 || d.cfg.DeadlockThreshold <= 0 {
		return
	}
	d.mu.Lock()
	oldest := time.Now()
	for _, t := range ready {
		if since, ok := d.readySince[t.task.ID]; ok && since.Before(oldest) {
			oldest = since
		}
	}
	noRunningRecently := len(d.inFlight) == 0
	d.mu.Unlock()

	if noRunningRecently && time.Since(oldest) > d.cfg.DeadlockThreshold {
		d.reg.RecordEvent(ready[0].spec, "", registry.EventDeadlockSuspected, registry.Metadata{
			"ready_count": len(ready),
		})
		telemetry.DeadlockSuspectedTotal.Inc()
	}
}

// CancelTask implements operator-initiated cancellation (spec.md §4.3
// "Cancellation"): the runner is asked to abort, and after a grace period
// the slot is force-released regardless.
func (d *Dispatcher) CancelTask(ctx context.Context, taskID string) error {
	d.mu.Lock()
	f, ok := d.inFlight[taskID]
	d.mu.Unlock()
	if !ok {
		return ncerrors.New(ncerrors.NotFound, "dispatcher.CancelTask", fmt.Sprintf("task %q is not in flight", taskID))
	}

	d.reg.RecordEvent(f.specName, taskID, registry.EventCancelRequested, nil)
	if d.runner != nil {
		d.runner.Cancel(taskID)
	}

	go func() {
		timer := time.NewTimer(d.cfg.CancelGrace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			d.mu.Lock()
			_, stillInFlight := d.inFlight[taskID]
			d.mu.Unlock()
			if stillInFlight {
				d.CompleteTask(ctx, taskID, true, "Cancelled")
			}
		}
	}()
	return nil
}

func repoNameFor(ts *registry.Taskset) string {
	if ts.Metadata != nil {
		if name, ok := ts.Metadata["repo_name"].(string); ok && name != "" {
			return name
		}
	}
	return ts.SpecName
}

func taskTimeoutSeconds(ts *registry.Taskset, task registry.Task) int {
	if ts.Metadata != nil {
		if v, ok := ts.Metadata["default_task_timeout_seconds"].(float64); ok && v > 0 {
			return int(v)
		}
	}
	return 1800
}
