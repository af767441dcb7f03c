package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/necrocode/necrocode/internal/gitexec"
	"github.com/necrocode/necrocode/internal/lockfile"
	"github.com/necrocode/necrocode/internal/ncerrors"
	"github.com/necrocode/necrocode/internal/telemetry"
)

// Manager owns every repository's pool under a single workspaces root
// (spec.md §4.2 "Storage layout"). One Manager is shared by the Dispatcher
// and any CLI tooling that needs to inspect or repair pools.
type Manager struct {
	workspacesDir string
	git           *gitexec.Client
	locks         *lockfile.Manager

	mu    sync.Mutex
	pools map[string]*poolHandle
}

type poolHandle struct {
	mu sync.Mutex
}

// NewManager creates a Manager rooted at workspacesDir, with per-slot locks
// kept under <workspacesDir>/locks so they are independent of any single
// repo's directory (and therefore survive repo removal).
func NewManager(workspacesDir string, lockLeaseTTL, lockAcquireRetry time.Duration) (*Manager, error) {
	locks, err := lockfile.NewManager(filepath.Join(workspacesDir, "locks"), lockLeaseTTL, lockAcquireRetry)
	if err != nil {
		return nil, fmt.Errorf("pool: init lock manager: %w", err)
	}
	return &Manager{
		workspacesDir: workspacesDir,
		git:           gitexec.NewClient(),
		locks:         locks,
		pools:         make(map[string]*poolHandle),
	}, nil
}

func (m *Manager) handleFor(repoName string) *poolHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.pools[repoName]
	if !ok {
		h = &poolHandle{}
		m.pools[repoName] = h
	}
	return h
}

func (m *Manager) repoDir(repoName string) string      { return filepath.Join(m.workspacesDir, repoName) }
func (m *Manager) mainRepoDir(repoName string) string  { return filepath.Join(m.repoDir(repoName), ".main_repo") }
func (m *Manager) worktreesDir(repoName string) string { return filepath.Join(m.repoDir(repoName), "worktrees") }
func (m *Manager) poolFile(repoName string) string     { return filepath.Join(m.repoDir(repoName), "pool.json") }

func (m *Manager) loadPool(repoName string) (*Pool, error) {
	data, err := os.ReadFile(m.poolFile(repoName))
	if err != nil {
		return nil, err
	}
	var p Pool
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pool.json for %s: %w", repoName, err)
	}
	return &p, nil
}

func (m *Manager) savePool(p *Pool) error {
	p.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pool.json: %w", err)
	}
	dest := m.poolFile(p.RepoName)
	tmp := dest + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write pool.json temp file: %w", err)
	}
	return os.Rename(tmp, dest)
}

// CreatePool clones repoURL as a shared bare repository and provisions
// numSlots worktrees, each on its own deterministic slot branch (spec.md
// §4.2 "create_pool").
func (m *Manager) CreatePool(ctx context.Context, repoName, repoURL string, numSlots int, policy CleanupPolicy) error {
	const op = "pool.CreatePool"
	h := m.handleFor(repoName)
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := m.loadPool(repoName); err == nil {
		return ncerrors.New(ncerrors.Conflict, op, fmt.Sprintf("pool %q already exists", repoName))
	}

	mainRepo := m.mainRepoDir(repoName)
	wtDir := m.worktreesDir(repoName)
	if err := os.MkdirAll(filepath.Dir(mainRepo), 0755); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	if err := os.MkdirAll(wtDir, 0755); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}

	if err := m.git.CloneBare(ctx, repoURL, mainRepo); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}

	p := &Pool{
		RepoName:      repoName,
		RepoURL:       repoURL,
		MainRepoPath:  mainRepo,
		WorktreesDir:  wtDir,
		CleanupPolicy: policy,
		CreatedAt:     time.Now().UTC(),
	}

	for k := 1; k <= numSlots; k++ {
		slot, err := m.provisionSlot(ctx, p, k)
		if err != nil {
			return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
		}
		p.Slots = append(p.Slots, *slot)
	}
	p.NextSlotNum = numSlots + 1

	if err := m.savePool(p); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	telemetry.SlotsByStateGauge.WithLabelValues(repoName, string(SlotAvailable)).Add(float64(numSlots))
	return nil
}

func (m *Manager) provisionSlot(ctx context.Context, p *Pool, k int) (*Slot, error) {
	slotID := fmt.Sprintf("slot%d", k)
	branch := slotBranch(p.RepoName, k)
	path := filepath.Join(p.WorktreesDir, slotID)

	if err := m.git.WorktreeAdd(ctx, p.MainRepoPath, path, branch, "HEAD"); err != nil {
		return nil, fmt.Errorf("provision %s: %w", slotID, err)
	}
	return &Slot{
		ID:             slotID,
		RepoName:       p.RepoName,
		Path:           path,
		Branch:         branch,
		State:          SlotAvailable,
		LastReleasedAt: time.Now().UTC(),
	}, nil
}

// AllocateSlot selects the oldest-released Available slot (LRU), marks it
// Allocated under a per-slot exclusion lock, runs pre-allocate cleanup if
// configured, and returns it (spec.md §4.2 "allocate_slot").
func (m *Manager) AllocateSlot(ctx context.Context, repoName, holder string) (*Slot, error) {
	const op = "pool.AllocateSlot"
	h := m.handleFor(repoName)
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := m.loadPool(repoName)
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.NotFound, op, err)
	}

	candidates := make([]int, 0, len(p.Slots))
	for i, s := range p.Slots {
		if s.State == SlotAvailable {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil, ncerrors.New(ncerrors.ResourceExhausted, op, fmt.Sprintf("no available slot in pool %q", repoName))
	}
	sort.Slice(candidates, func(a, b int) bool {
		sa, sb := p.Slots[candidates[a]], p.Slots[candidates[b]]
		if !sa.LastReleasedAt.Equal(sb.LastReleasedAt) {
			return sa.LastReleasedAt.Before(sb.LastReleasedAt)
		}
		return sa.ID < sb.ID
	})
	idx := candidates[0]
	slot := &p.Slots[idx]

	lockHandle, err := m.locks.Acquire(repoName+"-"+slot.ID, holder, 10*time.Second, func(name string) {
		telemetry.StaleLocksClearedTotal.WithLabelValues("slot").Inc()
	})
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.Conflict, op, err)
	}
	defer lockHandle.Release()

	if p.CleanupPolicy.FetchOnAllocate {
		if err := m.preAllocateCleanup(ctx, slot); err != nil {
			slot.State = SlotError
			slot.ErrorReason = err.Error()
			m.savePool(p)
			return nil, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
		}
	}

	slot.State = SlotAllocated
	slot.Holder = holder
	slot.AllocatedAt = time.Now().UTC()
	slot.UsageCount++

	if err := m.savePool(p); err != nil {
		return nil, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	telemetry.SlotsByStateGauge.WithLabelValues(repoName, string(SlotAvailable)).Dec()
	telemetry.SlotsByStateGauge.WithLabelValues(repoName, string(SlotAllocated)).Inc()
	telemetry.SlotAllocationsTotal.WithLabelValues(repoName).Inc()

	out := *slot
	return &out, nil
}

func (m *Manager) preAllocateCleanup(ctx context.Context, slot *Slot) error {
	if err := m.git.FetchAll(ctx, slot.Path); err != nil {
		return fmt.Errorf("fetch all: %w", err)
	}
	if err := m.git.CheckoutBranch(ctx, slot.Path, slot.Branch); err != nil {
		return fmt.Errorf("checkout slot branch: %w", err)
	}
	if err := m.git.ResetHard(ctx, slot.Path, "origin/HEAD"); err != nil {
		return fmt.Errorf("reset hard: %w", err)
	}
	if err := m.git.CleanForce(ctx, slot.Path); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

func (m *Manager) postReleaseCleanup(ctx context.Context, slot *Slot) error {
	if err := m.git.CheckoutBranch(ctx, slot.Path, slot.Branch); err != nil {
		return fmt.Errorf("checkout slot branch: %w", err)
	}
	if err := m.git.ResetHard(ctx, slot.Path, "HEAD"); err != nil {
		return fmt.Errorf("reset hard: %w", err)
	}
	if err := m.git.CleanForce(ctx, slot.Path); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

// ReleaseSlot verifies holder owns slotID, optionally cleans it, and
// transitions it back to Available (spec.md §4.2 "release_slot").
func (m *Manager) ReleaseSlot(ctx context.Context, repoName, slotID, holder string, cleanup bool) error {
	const op = "pool.ReleaseSlot"
	h := m.handleFor(repoName)
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := m.loadPool(repoName)
	if err != nil {
		return ncerrors.Wrap(ncerrors.NotFound, op, err)
	}
	slot := findSlot(p, slotID)
	if slot == nil {
		return ncerrors.New(ncerrors.NotFound, op, fmt.Sprintf("slot %q not found", slotID))
	}
	if slot.State != SlotAllocated {
		return ncerrors.New(ncerrors.Conflict, op, fmt.Sprintf("slot %q is not allocated", slotID))
	}
	if holder != "" && slot.Holder != holder {
		return ncerrors.New(ncerrors.Conflict, op, fmt.Sprintf("slot %q is held by %q, not %q", slotID, slot.Holder, holder))
	}

	if cleanup && p.CleanupPolicy.CleanOnRelease {
		if err := m.postReleaseCleanup(ctx, slot); err != nil {
			slot.State = SlotError
			slot.ErrorReason = err.Error()
			m.savePool(p)
			telemetry.SlotsByStateGauge.WithLabelValues(repoName, string(SlotAllocated)).Dec()
			telemetry.SlotsByStateGauge.WithLabelValues(repoName, string(SlotError)).Inc()
			return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
		}
	}

	slot.State = SlotAvailable
	slot.Holder = ""
	slot.LastReleasedAt = time.Now().UTC()

	if err := m.savePool(p); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	telemetry.SlotsByStateGauge.WithLabelValues(repoName, string(SlotAllocated)).Dec()
	telemetry.SlotsByStateGauge.WithLabelValues(repoName, string(SlotAvailable)).Inc()
	return nil
}

func findSlot(p *Pool, slotID string) *Slot {
	for i := range p.Slots {
		if p.Slots[i].ID == slotID {
			return &p.Slots[i]
		}
	}
	return nil
}

// GetSlotStatus returns a read-only snapshot of one slot.
func (m *Manager) GetSlotStatus(repoName, slotID string) (*SlotStatus, error) {
	const op = "pool.GetSlotStatus"
	p, err := m.loadPool(repoName)
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.NotFound, op, err)
	}
	slot := findSlot(p, slotID)
	if slot == nil {
		return nil, ncerrors.New(ncerrors.NotFound, op, fmt.Sprintf("slot %q not found", slotID))
	}
	return &SlotStatus{Slot: *slot, DiskBytes: dirSize(slot.Path)}, nil
}

func dirSize(path string) int64 {
	var total int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// AddSlot provisions one additional worktree at runtime (spec.md §4.2
// "add_slot").
func (m *Manager) AddSlot(ctx context.Context, repoName string) (*Slot, error) {
	const op = "pool.AddSlot"
	h := m.handleFor(repoName)
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := m.loadPool(repoName)
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.NotFound, op, err)
	}
	slot, err := m.provisionSlot(ctx, p, p.NextSlotNum)
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	p.NextSlotNum++
	p.Slots = append(p.Slots, *slot)
	if err := m.savePool(p); err != nil {
		return nil, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	telemetry.SlotsByStateGauge.WithLabelValues(repoName, string(SlotAvailable)).Inc()
	out := *slot
	return &out, nil
}

// RemoveSlot tears down slotID's worktree. Removing an Allocated slot fails
// unless force is set (spec.md §4.2 "remove_slot").
func (m *Manager) RemoveSlot(ctx context.Context, repoName, slotID string, force bool) error {
	const op = "pool.RemoveSlot"
	h := m.handleFor(repoName)
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := m.loadPool(repoName)
	if err != nil {
		return ncerrors.Wrap(ncerrors.NotFound, op, err)
	}
	var kept []Slot
	var target *Slot
	for i := range p.Slots {
		if p.Slots[i].ID == slotID {
			target = &p.Slots[i]
			continue
		}
		kept = append(kept, p.Slots[i])
	}
	if target == nil {
		return ncerrors.New(ncerrors.NotFound, op, fmt.Sprintf("slot %q not found", slotID))
	}
	if target.State == SlotAllocated && !force {
		return ncerrors.New(ncerrors.Conflict, op, fmt.Sprintf("slot %q is allocated; use force", slotID))
	}

	if err := m.git.WorktreeRemove(ctx, p.MainRepoPath, target.Path, true); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}

	prevState := target.State
	p.Slots = kept
	if err := m.savePool(p); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	telemetry.SlotsByStateGauge.WithLabelValues(repoName, string(prevState)).Dec()
	return nil
}

// verifySlot implements the integrity check from spec.md §4.2 "Integrity
// verification".
func (m *Manager) verifySlot(ctx context.Context, p *Pool, slot *Slot) error {
	if _, err := os.Stat(slot.Path); err != nil {
		return fmt.Errorf("worktree directory missing: %w", err)
	}
	if _, err := os.Stat(filepath.Join(slot.Path, ".git")); err != nil {
		return fmt.Errorf(".git missing: %w", err)
	}
	if _, err := m.git.RevParseHEAD(ctx, slot.Path); err != nil {
		return fmt.Errorf("rev-parse HEAD failed: %w", err)
	}
	if _, err := m.git.StatusPorcelain(ctx, slot.Path); err != nil {
		return fmt.Errorf("git status failed: %w", err)
	}
	return nil
}

// DetectAnomalies scans a repo's pool for slots allocated past
// maxAllocationHours, slots failing integrity verification, and orphan
// lock files (spec.md §4.2 "detect_anomalies").
func (m *Manager) DetectAnomalies(ctx context.Context, repoName string, maxAllocationHours int) (*AnomalyReport, error) {
	const op = "pool.DetectAnomalies"
	p, err := m.loadPool(repoName)
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.NotFound, op, err)
	}

	report := &AnomalyReport{}
	threshold := time.Duration(maxAllocationHours) * time.Hour
	slotIDs := make(map[string]struct{}, len(p.Slots))
	for _, slot := range p.Slots {
		slotIDs[slot.ID] = struct{}{}
		if slot.State == SlotAllocated && time.Since(slot.AllocatedAt) > threshold {
			report.LongAllocated = append(report.LongAllocated, slot.ID)
		}
		if slot.State != SlotError {
			if err := m.verifySlot(ctx, p, &slot); err != nil {
				report.Corrupted = append(report.Corrupted, slot.ID)
			}
		} else {
			report.Corrupted = append(report.Corrupted, slot.ID)
		}
	}

	lockDir := filepath.Join(m.workspacesDir, "locks")
	entries, _ := os.ReadDir(lockDir)
	for _, e := range entries {
		name := e.Name()
		prefix := repoName + "-"
		if !hasPrefix(name, prefix) {
			continue
		}
		slotID := name[len(prefix) : len(name)-len(filepath.Ext(name))]
		if _, ok := slotIDs[slotID]; !ok {
			report.OrphanLocks = append(report.OrphanLocks, name)
		}
	}

	return report, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// RecoverSlot runs git fsck against slotID; on corruption it cleans and
// re-initializes the worktree in place, and as a last resort deletes and
// recreates it under the same slot id (spec.md §4.2 "recover_slot").
func (m *Manager) RecoverSlot(ctx context.Context, repoName, slotID string, force bool) (bool, error) {
	const op = "pool.RecoverSlot"
	h := m.handleFor(repoName)
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := m.loadPool(repoName)
	if err != nil {
		return false, ncerrors.Wrap(ncerrors.NotFound, op, err)
	}
	slot := findSlot(p, slotID)
	if slot == nil {
		return false, ncerrors.New(ncerrors.NotFound, op, fmt.Sprintf("slot %q not found", slotID))
	}

	if err := m.git.Fsck(ctx, slot.Path); err != nil {
		if recoverErr := m.reinitSlot(ctx, p, slot); recoverErr != nil {
			if recreateErr := m.recreateSlot(ctx, p, slot); recreateErr != nil {
				if !force {
					return false, ncerrors.Wrap(ncerrors.Integrity, op, recreateErr)
				}
				slot.State = SlotAvailable
				slot.ErrorReason = ""
				m.savePool(p)
				telemetry.SlotRecoveriesTotal.WithLabelValues(repoName, "forced").Inc()
				return true, nil
			}
			telemetry.SlotRecoveriesTotal.WithLabelValues(repoName, "recreated").Inc()
		} else {
			telemetry.SlotRecoveriesTotal.WithLabelValues(repoName, "reinitialized").Inc()
		}
	}

	slot.State = SlotAvailable
	slot.ErrorReason = ""
	slot.LastReleasedAt = time.Now().UTC()
	if err := m.savePool(p); err != nil {
		return false, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	return true, nil
}

func (m *Manager) reinitSlot(ctx context.Context, p *Pool, slot *Slot) error {
	if err := m.git.CheckoutBranch(ctx, slot.Path, slot.Branch); err != nil {
		return err
	}
	if err := m.git.ResetHard(ctx, slot.Path, "HEAD"); err != nil {
		return err
	}
	return m.git.CleanForce(ctx, slot.Path)
}

func (m *Manager) recreateSlot(ctx context.Context, p *Pool, slot *Slot) error {
	_ = m.git.WorktreeRemove(ctx, p.MainRepoPath, slot.Path, true)
	if err := os.RemoveAll(slot.Path); err != nil {
		return err
	}
	return m.git.WorktreeAdd(ctx, p.MainRepoPath, slot.Path, slot.Branch, "HEAD")
}

// IsolateSlot marks slotID Error with the given reason, excluding it from
// allocation until an explicit recovery (spec.md §4.2 "isolate_slot").
func (m *Manager) IsolateSlot(repoName, slotID, reason string) error {
	const op = "pool.IsolateSlot"
	h := m.handleFor(repoName)
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := m.loadPool(repoName)
	if err != nil {
		return ncerrors.Wrap(ncerrors.NotFound, op, err)
	}
	slot := findSlot(p, slotID)
	if slot == nil {
		return ncerrors.New(ncerrors.NotFound, op, fmt.Sprintf("slot %q not found", slotID))
	}
	prevState := slot.State
	slot.State = SlotError
	slot.ErrorReason = reason
	if err := m.savePool(p); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	telemetry.SlotsByStateGauge.WithLabelValues(repoName, string(prevState)).Dec()
	telemetry.SlotsByStateGauge.WithLabelValues(repoName, string(SlotError)).Inc()
	return nil
}

// AutoRecover composes detection and recovery for a whole repo (spec.md
// §4.2 "auto_recover").
func (m *Manager) AutoRecover(ctx context.Context, repoName string, maxAllocationHours int) (*AutoRecoverResult, error) {
	report, err := m.DetectAnomalies(ctx, repoName, maxAllocationHours)
	if err != nil {
		return nil, err
	}

	result := &AutoRecoverResult{}
	for _, slotID := range report.LongAllocated {
		if err := m.ReleaseSlot(ctx, repoName, slotID, "", true); err == nil {
			result.Released++
		} else {
			m.IsolateSlot(repoName, slotID, "long_allocated_release_failed")
			result.Isolated++
		}
	}
	for _, slotID := range report.Corrupted {
		ok, err := m.RecoverSlot(ctx, repoName, slotID, false)
		if err == nil && ok {
			result.Recovered++
		} else {
			m.IsolateSlot(repoName, slotID, "recovery_failed")
			result.Isolated++
		}
	}
	for _, lockName := range report.OrphanLocks {
		if err := os.Remove(filepath.Join(m.workspacesDir, "locks", lockName)); err == nil {
			result.LocksCleaned++
			telemetry.StaleLocksClearedTotal.WithLabelValues("orphan").Inc()
		}
	}
	return result, nil
}
