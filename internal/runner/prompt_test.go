package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/necrocode/necrocode/internal/dispatcher"
)

func TestFileTree_RespectsDepthAndSkipsGit(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "sub", "deep.go"), []byte("x"), 0o644))

	tree := fileTree(root, 2)
	assert.Contains(t, tree, "main.go")
	assert.Contains(t, tree, "pkg")
	assert.NotContains(t, tree, ".git")
	assert.NotContains(t, tree, "deep.go")
}

func TestBuildPrompt_IncludesAcceptanceCriteriaAndSchema(t *testing.T) {
	m := &Manager{cfg: Config{WorkspaceTreeDepth: 1}}
	tc := dispatcher.TaskContext{
		TaskID:             "t1",
		Title:              "Add retry logic",
		Description:        "Retry on transient failure.",
		AcceptanceCriteria: []string{"Retries three times", "Backs off exponentially"},
	}

	prompt := m.buildPrompt(tc)
	assert.Contains(t, prompt, "Add retry logic")
	assert.Contains(t, prompt, "1. Retries three times")
	assert.Contains(t, prompt, "2. Backs off exponentially")
	assert.Contains(t, prompt, "code_changes")
}
