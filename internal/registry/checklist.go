package registry

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// checklistLineRe matches one checklist entry: indentation, a checkbox, a
// dotted requirement id, and a title, captured as groups 1 to 4 in that
// order.
var checklistLineRe = regexp.MustCompile(`^(\s*)- \[( |x|-)\] (\d+(?:\.\d+)*) (.+)$`)

var requirementsLineRe = regexp.MustCompile(`^\s*_Requirements:\s*(.+)_\s*$`)

// checklistItem is one parsed line of a checklist document.
type checklistItem struct {
	indent   int
	id       string
	title    string
	checked  bool
	disabled bool // "- [-]" marks a Running or Failed task (see renderChecklist)
	reqs     string
	children []*checklistItem
}

// parseChecklist parses the line-anchored checklist grammar (spec.md §4.1
// "Checklist synchronization"): each line is `- [ ] <id> <title>`, with
// indentation establishing a parent/child hierarchy by stack depth, and an
// optional trailing `_Requirements: ..._` line attached to the item above
// it.
func parseChecklist(doc string) ([]*checklistItem, error) {
	lines := strings.Split(doc, "\n")

	var roots []*checklistItem
	var stack []*checklistItem // stack[k] is the open item at indent level k
	var last *checklistItem

	for lineNo, raw := range lines {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if m := requirementsLineRe.FindStringSubmatch(raw); m != nil {
			if last != nil {
				last.reqs = m[1]
			}
			continue
		}

		m := checklistLineRe.FindStringSubmatch(raw)
		if m == nil {
			continue // non-checklist prose is preserved verbatim by the caller, not parsed
		}

		indent := len(strings.ReplaceAll(m[1], "\t", "  ")) / 2
		item := &checklistItem{
			indent:   indent,
			checked:  m[2] == "x",
			disabled: m[2] == "-",
			id:       m[3],
			title:    strings.TrimSpace(m[4]),
		}

		if indent == 0 || len(stack) == 0 {
			roots = append(roots, item)
			stack = []*checklistItem{item}
		} else {
			for len(stack) > indent {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				return nil, fmt.Errorf("checklist line %d: indentation has no parent", lineNo+1)
			}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, item)
			stack = append(stack, item)
		}
		last = item
	}
	return roots, nil
}

func flattenChecklist(items []*checklistItem) []*checklistItem {
	var out []*checklistItem
	var walk func([]*checklistItem)
	walk = func(in []*checklistItem) {
		for _, it := range in {
			out = append(out, it)
			walk(it.children)
		}
	}
	walk(items)
	return out
}

// syncChecklist reconciles a checklist document with ts according to dir,
// returning the (possibly unmodified) document body and a summary of what
// changed (spec.md §4.1 "sync_checklist").
func syncChecklist(ts *Taskset, doc string, dir SyncDirection) (*Taskset, string, SyncResult, error) {
	items, err := parseChecklist(doc)
	if err != nil {
		return ts, doc, SyncResult{}, err
	}
	flat := flattenChecklist(items)

	// indexOf is kept separate from the *Task map rebuilt below because
	// appending to ts.Tasks can reallocate the backing array mid-loop,
	// which would dangle any pointer taken before the append.
	indexOf := make(map[string]int, len(ts.Tasks))
	for i := range ts.Tasks {
		indexOf[ts.Tasks[i].ID] = i
	}

	result := SyncResult{Direction: dir}

	if dir == SyncFromDoc || dir == SyncBidirectional {
		for _, it := range flat {
			idx, exists := indexOf[it.id]
			if !exists {
				state := StateReady
				if it.checked {
					state = StateDone
				}
				ts.Tasks = append(ts.Tasks, Task{
					ID:          it.id,
					Title:       it.title,
					State:       state,
					CreatedAt:   now(),
					UpdatedAt:   now(),
					Description: it.reqs,
				})
				indexOf[it.id] = len(ts.Tasks) - 1
				result.TasksAdded++
				continue
			}

			task := &ts.Tasks[idx]
			changed := false
			if task.Title != it.title {
				task.Title = it.title
				changed = true
			}
			if it.checked && task.State != StateDone {
				task.State = StateDone
				changed = true
			} else if !it.checked && !it.disabled && task.State == StateDone {
				task.State = StateReady
				result.TasksReenabled++
				changed = true
			}
			if changed {
				task.UpdatedAt = now()
				result.TasksUpdated++
			}
		}
	}

	byID := make(map[string]*Task, len(ts.Tasks))
	for i := range ts.Tasks {
		byID[ts.Tasks[i].ID] = &ts.Tasks[i]
	}

	outDoc := doc
	if dir == SyncToDoc || dir == SyncBidirectional {
		outDoc, result.CheckboxesSet = renderChecklist(items, byID, doc)
	}

	return ts, outDoc, result, nil
}

// renderChecklist rewrites the checkbox state of every matched line in doc
// to reflect the Registry's current Task.State, leaving all other text
// (headings, prose, requirement lines) untouched.
func renderChecklist(items []*checklistItem, byID map[string]*Task, doc string) (string, int) {
	lines := strings.Split(doc, "\n")
	set := 0
	for i, raw := range lines {
		m := checklistLineRe.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		id := m[3]
		task, ok := byID[id]
		if !ok {
			continue
		}
		box := " "
		switch task.State {
		case StateDone:
			box = "x"
		case StateRunning, StateFailed:
			box = "-"
		}
		if m[2] != box {
			set++
		}
		lines[i] = checklistLineRe.ReplaceAllString(raw, fmt.Sprintf(`${1}- [%s] ${3} ${4}`, box))
	}
	return strings.Join(lines, "\n"), set
}

// loadChecklistFile and saveChecklistFile are thin I/O wrappers kept
// separate from the pure sync logic above so it stays unit-testable
// without touching disk.
func loadChecklistFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func saveChecklistFile(path, doc string) error {
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, []byte(doc), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
