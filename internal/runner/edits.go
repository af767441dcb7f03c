package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/necrocode/necrocode/internal/ncerrors"
)

// Operation is one of the three file operations the model may request.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// CodeChange is one entry in the model's code_changes array.
type CodeChange struct {
	FilePath  string    `json:"file_path"`
	Operation Operation `json:"operation"`
	Content   string    `json:"content,omitempty"`
}

// ModelResponse is the strict JSON schema instructed in buildPrompt.
type ModelResponse struct {
	CodeChanges []CodeChange `json:"code_changes"`
	Explanation string       `json:"explanation"`
}

// parseModelResponse parses raw strictly: trailing non-whitespace text
// after the JSON object is rejected, per spec.md §4.4 stage 4 ("Parse the
// model's JSON strictly (reject trailing text)").
func parseModelResponse(raw string) (*ModelResponse, error) {
	const op = "runner.parseModelResponse"
	trimmed := strings.TrimSpace(raw)
	dec := json.NewDecoder(strings.NewReader(trimmed))
	var resp ModelResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, ncerrors.Wrap(ncerrors.Integrity, op, fmt.Errorf("decode model response: %w", err))
	}
	if dec.More() {
		return nil, ncerrors.New(ncerrors.Integrity, op, "trailing content after JSON object")
	}
	for _, c := range resp.CodeChanges {
		if c.FilePath == "" {
			return nil, ncerrors.New(ncerrors.Integrity, op, "code_changes entry missing file_path")
		}
		if filepath.IsAbs(c.FilePath) || strings.Contains(c.FilePath, "..") {
			return nil, ncerrors.New(ncerrors.Integrity, op, "code_changes entry has unsafe file_path: "+c.FilePath)
		}
		switch c.Operation {
		case OpCreate, OpModify, OpDelete:
		default:
			return nil, ncerrors.New(ncerrors.Integrity, op, "code_changes entry has unknown operation: "+string(c.Operation))
		}
	}
	return &resp, nil
}

// applyEdits applies each change under root, verifying afterward that every
// create/modify path exists and every delete path is absent (spec.md §4.4
// stage 4 "After application, verify every referenced path exists ... or is
// absent").
func applyEdits(root string, changes []CodeChange) error {
	const op = "runner.applyEdits"
	for _, c := range changes {
		full := filepath.Join(root, c.FilePath)
		switch c.Operation {
		case OpCreate, OpModify:
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return ncerrors.Wrap(ncerrors.Integrity, op, err)
			}
			if err := os.WriteFile(full, []byte(c.Content), 0o644); err != nil {
				return ncerrors.Wrap(ncerrors.Integrity, op, err)
			}
		case OpDelete:
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return ncerrors.Wrap(ncerrors.Integrity, op, err)
			}
		}
	}
	return verifyEdits(root, changes)
}

func verifyEdits(root string, changes []CodeChange) error {
	const op = "runner.verifyEdits"
	for _, c := range changes {
		full := filepath.Join(root, c.FilePath)
		_, err := os.Stat(full)
		switch c.Operation {
		case OpCreate, OpModify:
			if err != nil {
				return ncerrors.Wrap(ncerrors.Integrity, op, fmt.Errorf("expected %s to exist: %w", c.FilePath, err))
			}
		case OpDelete:
			if err == nil {
				return ncerrors.New(ncerrors.Integrity, op, "expected "+c.FilePath+" to be absent after delete")
			}
		}
	}
	return nil
}
