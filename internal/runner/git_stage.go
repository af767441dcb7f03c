package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/necrocode/necrocode/internal/dispatcher"
	"github.com/necrocode/necrocode/internal/gitexec"
	"github.com/necrocode/necrocode/internal/ncerrors"
)

// prepareWorkspace implements spec.md §4.4 stage 1: checkout the default
// branch, fetch origin, rebase onto it, then create and check out the
// task's branch. Any failure here is a WorkspacePreparationError.
func (m *Manager) prepareWorkspace(ctx context.Context, tc dispatcher.TaskContext) error {
	const op = "runner.prepareWorkspace"
	dir := tc.SlotPath
	defaultBranch := m.cfg.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}

	if err := m.git.CheckoutBranch(ctx, dir, defaultBranch); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, fmt.Errorf("checkout %s: %w", defaultBranch, err))
	}
	if err := m.git.Fetch(ctx, dir, "origin"); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, fmt.Errorf("fetch origin: %w", err))
	}
	if err := m.git.RebaseOnto(ctx, dir, "origin/"+defaultBranch); err != nil {
		_ = m.git.RebaseAbort(ctx, dir)
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, fmt.Errorf("rebase onto origin/%s: %w", defaultBranch, err))
	}
	if err := m.git.CheckoutNew(ctx, dir, tc.BranchName, ""); err != nil {
		return ncerrors.Wrap(ncerrors.ExternalTransient, op, fmt.Errorf("checkout branch %s: %w", tc.BranchName, err))
	}
	return nil
}

// commitScope derives the commit message scope from the task's required
// skill, per spec.md §4.4 stage 6's `spirit(<scope>): <title> [Task <id>]`.
func commitScope(requiredSkill string) string {
	if requiredSkill == "" {
		return "task"
	}
	return strings.ToLower(requiredSkill)
}

// commitAndPush implements spec.md §4.4 stage 6: stage all changes, commit
// with the conventional message, and push with up to PushMaxRetries
// retries on non-fast-forward, rebasing onto origin between attempts.
// Returns (committed, error); committed is false when there was nothing to
// commit (the task required no code change).
func (m *Manager) commitAndPush(ctx context.Context, tc dispatcher.TaskContext) (bool, error) {
	const op = "runner.commitAndPush"
	dir := tc.SlotPath
	defaultBranch := m.cfg.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}

	if err := m.git.AddAll(ctx, dir); err != nil {
		return false, ncerrors.Wrap(ncerrors.Integrity, op, err)
	}
	msg := fmt.Sprintf("spirit(%s): %s [Task %s]", commitScope(tc.RequiredSkill), tc.Title, tc.TaskID)
	committed, err := m.git.Commit(ctx, dir, msg)
	if err != nil {
		return false, ncerrors.Wrap(ncerrors.Integrity, op, err)
	}
	if !committed {
		return false, nil
	}

	maxRetries := m.cfg.PushMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := m.git.Push(ctx, dir, "origin", tc.BranchName)
		if err == nil {
			return true, nil
		}
		lastErr = err
		if !gitexec.IsNonFastForward(err) {
			return true, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
		}
		if attempt == maxRetries {
			break
		}
		if err := m.git.Fetch(ctx, dir, "origin"); err != nil {
			return true, ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
		}
		if err := m.git.RebaseOnto(ctx, dir, "origin/"+tc.BranchName); err != nil {
			_ = m.git.RebaseAbort(ctx, dir)
			return true, ncerrors.New(ncerrors.Conflict, op, "PushConflict: rebase failed between push attempts: "+err.Error())
		}
	}
	return true, ncerrors.New(ncerrors.Conflict, op, fmt.Sprintf("PushConflict: %d consecutive non-fast-forward rejections: %v", maxRetries+1, lastErr))
}
