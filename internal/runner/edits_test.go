package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModelResponse_Valid(t *testing.T) {
	raw := `{"code_changes":[{"file_path":"main.go","operation":"create","content":"package main"}],"explanation":"added main"}`
	resp, err := parseModelResponse(raw)
	require.NoError(t, err)
	require.Len(t, resp.CodeChanges, 1)
	assert.Equal(t, "main.go", resp.CodeChanges[0].FilePath)
	assert.Equal(t, OpCreate, resp.CodeChanges[0].Operation)
}

func TestParseModelResponse_RejectsTrailingContent(t *testing.T) {
	raw := `{"code_changes":[],"explanation":"nothing"} trailing garbage`
	_, err := parseModelResponse(raw)
	require.Error(t, err)
}

func TestParseModelResponse_RejectsPathTraversal(t *testing.T) {
	raw := `{"code_changes":[{"file_path":"../../etc/passwd","operation":"modify","content":"x"}],"explanation":"bad"}`
	_, err := parseModelResponse(raw)
	require.Error(t, err)
}

func TestParseModelResponse_RejectsAbsolutePath(t *testing.T) {
	raw := `{"code_changes":[{"file_path":"/etc/passwd","operation":"modify","content":"x"}],"explanation":"bad"}`
	_, err := parseModelResponse(raw)
	require.Error(t, err)
}

func TestParseModelResponse_RejectsUnknownOperation(t *testing.T) {
	raw := `{"code_changes":[{"file_path":"a.go","operation":"rename","content":"x"}],"explanation":"bad"}`
	_, err := parseModelResponse(raw)
	require.Error(t, err)
}

func TestApplyEdits_CreateModifyDelete(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "old.txt"), []byte("stale"), 0o644))

	changes := []CodeChange{
		{FilePath: "new.txt", Operation: OpCreate, Content: "fresh"},
		{FilePath: "old.txt", Operation: OpDelete},
		{FilePath: "nested/dir/file.txt", Operation: OpCreate, Content: "nested"},
	}
	require.NoError(t, applyEdits(root, changes))

	data, err := os.ReadFile(filepath.Join(root, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))

	_, err = os.Stat(filepath.Join(root, "old.txt"))
	assert.True(t, os.IsNotExist(err))

	data, err = os.ReadFile(filepath.Join(root, "nested/dir/file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))
}
