package registry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// validateSpecName guards against path traversal in taskset file names,
// mirroring the session-name guard the teacher applies before touching the
// filesystem.
func validateSpecName(name string) error {
	if name == "" {
		return fmt.Errorf("spec name cannot be empty")
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("invalid spec name %q: path traversal characters detected", name)
	}
	return nil
}

// Store persists Tasksets as JSON documents and TaskEvents as an
// append-only, rotating line-delimited JSON log (spec.md §4.1, §6). The
// taskset document is the mutable source of truth; the event log is a
// strictly-append audit trail, copied into the SQLite projection only by
// the `cache rebuild` command.
type Store struct {
	mu           sync.Mutex
	dir          string
	rotateBytes  int64
}

// NewStore creates the taskset and event-log directories under dir.
func NewStore(dir string, rotateBytes int64) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tasksets"), 0755); err != nil {
		return nil, fmt.Errorf("create tasksets dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "events"), 0755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	if rotateBytes <= 0 {
		rotateBytes = 100 * 1024 * 1024
	}
	return &Store{dir: dir, rotateBytes: rotateBytes}, nil
}

func (s *Store) tasksetPath(specName string) string {
	return filepath.Join(s.dir, "tasksets", specName+".json")
}

func (s *Store) eventLogPath(specName string) string {
	return filepath.Join(s.dir, "events", specName+".jsonl")
}

// SaveTaskset writes ts atomically: marshal, write to a uniquely-named temp
// file in the same directory, then rename over the destination so a reader
// never observes a torn write.
func (s *Store) SaveTaskset(ts *Taskset) error {
	if err := validateSpecName(ts.SpecName); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveTasksetLocked(ts)
}

func (s *Store) saveTasksetLocked(ts *Taskset) error {
	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal taskset %s: %w", ts.SpecName, err)
	}

	dest := s.tasksetPath(ts.SpecName)
	tmp := dest + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write taskset temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename taskset file: %w", err)
	}
	return nil
}

// LoadTaskset reads the taskset document for specName, or returns
// os.ErrNotExist (wrapped) if it has never been created.
func (s *Store) LoadTaskset(specName string) (*Taskset, error) {
	if err := validateSpecName(specName); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.tasksetPath(specName))
	if err != nil {
		return nil, err
	}
	var ts Taskset
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("parse taskset %s: %w", specName, err)
	}
	return &ts, nil
}

// ListTasksets returns every spec name with a persisted taskset document.
func (s *Store) ListTasksets() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, "tasksets"))
	if err != nil {
		return nil, fmt.Errorf("read tasksets dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name()[:len(e.Name())-len(".json")])
	}
	sort.Strings(names)
	return names, nil
}

// AppendEvent appends ev to the spec's event log, rotating the log file
// once it crosses rotateBytes. Rotation renames the current file to a
// ".1" suffix (bumping any existing numbered files up by one) so readers
// can still replay full history by walking ".N" down to ".1" then the
// live file, grounded on the teacher's size-bounded log handling.
func (s *Store) AppendEvent(ev TaskEvent) error {
	if err := validateSpecName(ev.SpecName); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.eventLogPath(ev.SpecName)
	if info, err := os.Stat(path); err == nil && info.Size() >= s.rotateBytes {
		if err := s.rotateLocked(ev.SpecName); err != nil {
			return fmt.Errorf("rotate event log: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) rotateLocked(specName string) error {
	base := s.eventLogPath(specName)

	// Find the highest existing ".N" suffix so we can shift every
	// numbered file up by one before renaming the live file to ".1".
	highest := 0
	for n := 1; ; n++ {
		if _, err := os.Stat(fmt.Sprintf("%s.%d", base, n)); err != nil {
			highest = n - 1
			break
		}
	}
	for n := highest; n >= 1; n-- {
		old := fmt.Sprintf("%s.%d", base, n)
		next := fmt.Sprintf("%s.%d", base, n+1)
		if err := os.Rename(old, next); err != nil {
			return err
		}
	}
	return os.Rename(base, base+".1")
}

// QueryEvents replays a spec's event log (oldest numbered segment first,
// then the live file) and returns events whose timestamp falls in tr.
// An empty TimeRange (both fields zero) matches everything.
func (s *Store) QueryEvents(specName string, tr TimeRange, taskID string) ([]TaskEvent, error) {
	if err := validateSpecName(specName); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	base := s.eventLogPath(specName)
	highest := 0
	for n := 1; ; n++ {
		p := fmt.Sprintf("%s.%d", base, n)
		if _, err := os.Stat(p); err != nil {
			break
		}
		highest = n
	}
	for n := highest; n >= 1; n-- {
		paths = append(paths, fmt.Sprintf("%s.%d", base, n))
	}
	paths = append(paths, base)

	var out []TaskEvent
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("open event segment %s: %w", p, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var ev TaskEvent
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				continue // skip a corrupted line rather than failing the whole query
			}
			if taskID != "" && ev.TaskID != taskID {
				continue
			}
			if !tr.From.IsZero() && ev.Timestamp.Before(tr.From) {
				continue
			}
			if !tr.To.IsZero() && ev.Timestamp.After(tr.To) {
				continue
			}
			out = append(out, ev)
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan event segment %s: %w", p, err)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// now is a seam for tests; production code always uses time.Now().UTC().
var now = func() time.Time { return time.Now().UTC() }
