package dispatcher

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/necrocode/necrocode/internal/pool"
	"github.com/necrocode/necrocode/internal/registry"
)

type fakeRunner struct {
	mu        sync.Mutex
	dispatched []TaskContext
	idle      int
}

func (f *fakeRunner) Dispatch(ctx context.Context, tc TaskContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, tc)
	return nil
}

func (f *fakeRunner) IdleCount(skill string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *fakeRunner) Cancel(taskID string) error { return nil }

func initSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, exec.Command("sh", "-c", "echo hello > "+filepath.Join(dir, "README.md")).Run())
	run("add", "-A")
	run("commit", "-m", "initial commit")
	return dir
}

func newHarness(t *testing.T) (*registry.Registry, *pool.Manager, *fakeRunner, *Dispatcher) {
	t.Helper()
	reg, err := registry.New(t.TempDir(), 0)
	require.NoError(t, err)

	pm, err := pool.NewManager(t.TempDir(), time.Minute, 10*time.Millisecond)
	require.NoError(t, err)

	runner := &fakeRunner{idle: 5}
	cfg := Config{
		MaxConcurrency: 4,
		HeartbeatStale: time.Hour,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond * 10,
	}
	d := New(reg, pm, runner, cfg)
	return reg, pm, runner, d
}

func TestTick_DispatchesReadyTask(t *testing.T) {
	ctx := context.Background()
	reg, pm, runner, d := newHarness(t)

	src := initSourceRepo(t)
	require.NoError(t, pm.CreatePool(ctx, "demo", src, 1, pool.CleanupPolicy{}))
	require.NoError(t, reg.CreateTaskset(&registry.Taskset{
		SpecName: "demo",
		Metadata: registry.Metadata{"repo_name": "demo"},
		Tasks:    []registry.Task{{ID: "1", Title: "t1", State: registry.StateReady}},
	}))

	require.NoError(t, d.tick(ctx))

	runner.mu.Lock()
	n := len(runner.dispatched)
	runner.mu.Unlock()
	require.Equal(t, 1, n)

	ts, err := reg.GetTaskset("demo")
	require.NoError(t, err)
	require.Equal(t, registry.StateRunning, ts.Tasks[0].State)
}

func TestTick_SkipsWhenNoIdleRunner(t *testing.T) {
	ctx := context.Background()
	reg, pm, runner, d := newHarness(t)
	runner.idle = 0

	src := initSourceRepo(t)
	require.NoError(t, pm.CreatePool(ctx, "demo", src, 1, pool.CleanupPolicy{}))
	require.NoError(t, reg.CreateTaskset(&registry.Taskset{
		SpecName: "demo",
		Metadata: registry.Metadata{"repo_name": "demo"},
		Tasks:    []registry.Task{{ID: "1", Title: "t1", State: registry.StateReady}},
	}))

	require.NoError(t, d.tick(ctx))

	ts, err := reg.GetTaskset("demo")
	require.NoError(t, err)
	require.Equal(t, registry.StateReady, ts.Tasks[0].State)
}

func TestCompleteTask_ReleasesSlotAndRetries(t *testing.T) {
	ctx := context.Background()
	reg, pm, _, d := newHarness(t)

	src := initSourceRepo(t)
	require.NoError(t, pm.CreatePool(ctx, "demo", src, 1, pool.CleanupPolicy{}))
	require.NoError(t, reg.CreateTaskset(&registry.Taskset{
		SpecName: "demo",
		Metadata: registry.Metadata{"repo_name": "demo"},
		Tasks:    []registry.Task{{ID: "1", Title: "t1", State: registry.StateReady}},
	}))
	require.NoError(t, d.tick(ctx))

	d.cfg.DefaultRetryBudget = 2
	require.NoError(t, d.CompleteTask(ctx, "1", true, "TestFailure"))

	ts, err := reg.GetTaskset("demo")
	require.NoError(t, err)
	require.Equal(t, registry.StateReady, ts.Tasks[0].State, "failed task with retry budget goes back to Ready")

	status, err := pm.GetSlotStatus("demo", "slot1")
	require.NoError(t, err)
	require.Equal(t, pool.SlotAvailable, status.Slot.State)
}
