package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/necrocode/necrocode/internal/dispatcher"
	"github.com/necrocode/necrocode/internal/registry"
)

const responseSchemaInstructions = `Respond with a single JSON object and nothing else (no markdown fences,
no commentary before or after). Trailing text after the closing brace is
rejected. The object must match:

{
  "code_changes": [
    {"file_path": "relative/path", "operation": "create|modify|delete", "content": "full file contents, omitted for delete"}
  ],
  "explanation": "brief summary of what changed and why"
}`

// buildPrompt assembles the deterministic prompt described in spec.md §4.4
// stage 2: title, description, numbered acceptance criteria, completed
// dependencies, a depth-limited file tree, related file contents, and the
// response schema instruction block.
func (m *Manager) buildPrompt(tc dispatcher.TaskContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %s: %s\n\n", tc.TaskID, tc.Title)
	b.WriteString(tc.Description)
	b.WriteString("\n\n## Acceptance Criteria\n")
	for i, c := range tc.AcceptanceCriteria {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}

	if len(tc.Dependencies) > 0 {
		b.WriteString("\n## Completed Dependencies\n")
		for _, dep := range m.completedDependencyTitles(tc) {
			fmt.Fprintf(&b, "- %s\n", dep)
		}
	}

	depth := m.cfg.WorkspaceTreeDepth
	if depth <= 0 {
		depth = 3
	}
	b.WriteString("\n## Workspace\n```\n")
	b.WriteString(fileTree(tc.SlotPath, depth))
	b.WriteString("```\n")

	if len(tc.RelatedFiles) > 0 {
		b.WriteString("\n## Related Files\n")
		for _, rel := range tc.RelatedFiles {
			content, err := os.ReadFile(filepath.Join(tc.SlotPath, rel))
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "### %s\n```\n%s\n```\n", rel, string(content))
		}
	}

	b.WriteString("\n## Response Format\n")
	b.WriteString(responseSchemaInstructions)
	return b.String()
}

// completedDependencyTitles loads the taskset to resolve dependency ids to
// titles for the prompt's "Completed Dependencies" section.
func (m *Manager) completedDependencyTitles(tc dispatcher.TaskContext) []string {
	ts, err := m.reg.GetTaskset(tc.SpecName)
	if err != nil {
		return tc.Dependencies
	}
	byID := make(map[string]registry.Task, len(ts.Tasks))
	for _, t := range ts.Tasks {
		byID[t.ID] = t
	}
	out := make([]string, 0, len(tc.Dependencies))
	for _, depID := range tc.Dependencies {
		if t, ok := byID[depID]; ok && t.State == registry.StateDone {
			out = append(out, fmt.Sprintf("%s: %s", t.ID, t.Title))
		}
	}
	return out
}

// fileTree renders a depth-limited directory listing, skipping VCS
// internals, for the prompt's compact workspace representation.
func fileTree(root string, maxDepth int) string {
	var b strings.Builder
	var walk func(dir string, prefix string, depth int)
	walk = func(dir string, prefix string, depth int) {
		if depth > maxDepth {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if e.Name() == ".git" {
				continue
			}
			fmt.Fprintf(&b, "%s%s\n", prefix, e.Name())
			if e.IsDir() {
				walk(filepath.Join(dir, e.Name()), prefix+"  ", depth+1)
			}
		}
	}
	walk(root, "", 1)
	return b.String()
}
