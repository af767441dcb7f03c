package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/necrocode/necrocode/internal/dispatcher"
	"github.com/necrocode/necrocode/internal/llm"
	"github.com/necrocode/necrocode/internal/ncerrors"
	"github.com/necrocode/necrocode/internal/registry"
	"github.com/necrocode/necrocode/internal/telemetry"
)

// outcome is runPipeline's verdict, consumed by Dispatch's goroutine and
// relayed to the Dispatcher through Completer.
type outcome struct {
	failed bool
	reason string
}

// runPipeline executes the eight stages of spec.md §4.4 against a single
// allocated slot: prepare, build prompt, invoke the LLM, apply edits, test,
// push, upload artifacts, report. It is stateless across invocations; all
// state needed lives in tc and the slot's working tree.
func (m *Manager) runPipeline(ctx context.Context, tc dispatcher.TaskContext) outcome {
	timeout := time.Duration(tc.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = m.cfg.DefaultTaskTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return m.fail(tc, "Timeout", err)
	}

	// Stage 1: prepare workspace.
	if err := m.prepareWorkspace(ctx, tc); err != nil {
		return m.fail(tc, "WorkspacePreparationError", err)
	}

	// Stage 2: build prompt.
	prompt := m.buildPrompt(tc)

	// Stage 3: invoke the LLM, heartbeating throughout.
	stopHB := m.startHeartbeat(ctx, tc)
	model := tc.SpecName
	if m.cfg.Model != "" {
		model = m.cfg.Model
	}
	maxTokens := tc.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.cfg.MaxTokensDefault
	}
	resp, err := m.llmClient.Complete(ctx, llm.Request{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []llm.Message{
			{Role: "user", Content: prompt},
		},
	})
	stopHB()
	if err != nil {
		return m.fail(tc, "ImplementationError", err)
	}
	m.recordEvent(tc, registry.EventRunnerHeartbeat, registry.Metadata{
		"total_tokens": resp.Usage.TotalTokens,
	})

	// Stage 4: parse and apply edits.
	modelResp, err := parseModelResponse(resp.Content)
	if err != nil {
		return m.fail(tc, "ImplementationError", err)
	}
	if err := applyEdits(tc.SlotPath, modelResp.CodeChanges); err != nil {
		return m.fail(tc, "ImplementationError", err)
	}

	// Stage 5: run tests.
	stopHB = m.startHeartbeat(ctx, tc)
	commands := resolveTestCommands(tc.TestCommands, tc.SlotPath)
	perCommandTimeout := timeout / 2
	outcomes, passed := m.runTests(ctx, tc.SlotPath, commands, perCommandTimeout, m.cfg.FailFast)
	stopHB()
	if !passed {
		m.uploadTestResult(ctx, tc, outcomes)
		return m.fail(tc, "TestFailure", ncerrors.New(ncerrors.Validation, "runner.runPipeline", "one or more test commands failed"))
	}

	// Stage 6: commit and push.
	committed, err := m.commitAndPush(ctx, tc)
	if err != nil {
		return m.fail(tc, "PushConflict", err)
	}

	// Stage 7: upload artifacts.
	m.uploadTestResult(ctx, tc, outcomes)
	if committed {
		if diff, derr := m.git.DiffUnified(ctx, tc.SlotPath); derr == nil && diff != "" {
			m.uploadArtifact(ctx, tc, registry.ArtifactDiff, []byte(diff))
		}
	}
	m.uploadArtifact(ctx, tc, registry.ArtifactLog, []byte(modelResp.Explanation))

	// Stage 8: report completion.
	m.recordEvent(tc, registry.EventCompleted, registry.Metadata{"committed": committed})
	return outcome{failed: false}
}

func (m *Manager) fail(tc dispatcher.TaskContext, reason string, err error) outcome {
	telemetry.LogError("task pipeline failed", err, "task", tc.TaskID, "reason", reason)
	m.recordEvent(tc, registry.EventFailed, registry.Metadata{"reason": reason, "error": err.Error()})
	return outcome{failed: true, reason: reason}
}

func (m *Manager) uploadTestResult(ctx context.Context, tc dispatcher.TaskContext, outcomes []TestOutcome) {
	data, err := json.Marshal(outcomes)
	if err != nil {
		telemetry.LogError("failed to marshal test outcomes", err, "task", tc.TaskID)
		return
	}
	m.uploadArtifact(ctx, tc, registry.ArtifactTestResult, data)
}

func (m *Manager) uploadArtifact(ctx context.Context, tc dispatcher.TaskContext, typ registry.ArtifactType, data []byte) {
	uri, err := m.artifacts.Upload(ctx, typ, data, registry.Metadata{"task_id": tc.TaskID})
	if err != nil {
		telemetry.LogError("failed to upload artifact", err, "task", tc.TaskID, "type", string(typ))
		return
	}
	artifact := registry.Artifact{
		Type:      typ,
		URI:       uri,
		SizeBytes: int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}
	if err := m.reg.AddArtifact(tc.SpecName, tc.TaskID, artifact); err != nil {
		telemetry.LogError("failed to record artifact", err, "task", tc.TaskID, "type", string(typ))
	}
}
