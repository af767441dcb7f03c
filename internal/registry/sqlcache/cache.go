// Package sqlcache is a read-optimized projection of the Task Registry's
// event log and task state into SQLite, offering indexed event and
// ready-task queries over large tasksets. The JSON document on disk remains
// the source of truth (spec.md §6); this cache is filled from it by
// Rebuild, which the `necrocode cache rebuild` command runs. The Registry
// itself neither reads nor updates the cache.
package sqlcache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/necrocode/necrocode/internal/registry"
)

// Cache is a SQLite-backed secondary index over one registry directory's
// tasksets and events.
type Cache struct {
	db *sql.DB
}

// Open creates or opens the cache database at path, in WAL mode with a
// busy timeout so readers never block a concurrent writer.
func Open(path string) (*Cache, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlcache: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlcache: ping: %w", err)
	}
	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			spec_name TEXT NOT NULL,
			task_id TEXT NOT NULL,
			state TEXT NOT NULL,
			required_skill TEXT,
			priority INTEGER NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (spec_name, task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks (spec_name, state)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			spec_name TEXT NOT NULL,
			task_id TEXT,
			event_type TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			details TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_spec_time ON events (spec_name, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_task ON events (spec_name, task_id)`,
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return fmt.Errorf("sqlcache: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Rebuild truncates and repopulates the cache for one taskset from its
// authoritative JSON state and event log; the `cache rebuild` command is
// its caller.
func (c *Cache) Rebuild(ts *registry.Taskset, events []registry.TaskEvent) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlcache: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tasks WHERE spec_name = ?`, ts.SpecName); err != nil {
		return fmt.Errorf("sqlcache: clear tasks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE spec_name = ?`, ts.SpecName); err != nil {
		return fmt.Errorf("sqlcache: clear events: %w", err)
	}

	for _, t := range ts.Tasks {
		if _, err := tx.Exec(
			`INSERT INTO tasks (spec_name, task_id, state, required_skill, priority, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			ts.SpecName, t.ID, string(t.State), t.RequiredSkill, t.Priority, t.UpdatedAt,
		); err != nil {
			return fmt.Errorf("sqlcache: insert task %s: %w", t.ID, err)
		}
	}

	for _, e := range events {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("sqlcache: marshal event details: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO events (spec_name, task_id, event_type, timestamp, details) VALUES (?, ?, ?, ?, ?)`,
			e.SpecName, e.TaskID, string(e.EventType), e.Timestamp, string(details),
		); err != nil {
			return fmt.Errorf("sqlcache: insert event: %w", err)
		}
	}

	return tx.Commit()
}

// RecordTaskState upserts a single task's projected row. Registry writes do
// not call it, so between rebuilds the cache does not follow the JSON
// document.
func (c *Cache) RecordTaskState(specName string, t registry.Task) error {
	_, err := c.db.Exec(
		`INSERT INTO tasks (spec_name, task_id, state, required_skill, priority, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (spec_name, task_id) DO UPDATE SET
		   state = excluded.state, required_skill = excluded.required_skill,
		   priority = excluded.priority, updated_at = excluded.updated_at`,
		specName, t.ID, string(t.State), t.RequiredSkill, t.Priority, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlcache: record task state: %w", err)
	}
	return nil
}

// RecordEvent appends one event row. Registry.RecordEvent does not call it.
func (c *Cache) RecordEvent(e registry.TaskEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("sqlcache: marshal event details: %w", err)
	}
	_, err = c.db.Exec(
		`INSERT INTO events (spec_name, task_id, event_type, timestamp, details) VALUES (?, ?, ?, ?, ?)`,
		e.SpecName, e.TaskID, string(e.EventType), e.Timestamp, string(details),
	)
	if err != nil {
		return fmt.Errorf("sqlcache: record event: %w", err)
	}
	return nil
}

// ReadyTaskIDs returns the ids of tasks in the Ready state for specName,
// ordered by descending priority. Registry.GetReadyTasks does not use it;
// it reads the JSON taskset.
func (c *Cache) ReadyTaskIDs(specName string) ([]string, error) {
	rows, err := c.db.Query(
		`SELECT task_id FROM tasks WHERE spec_name = ? AND state = ? ORDER BY priority DESC`,
		specName, string(registry.StateReady),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlcache: query ready tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlcache: scan ready task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueryEvents filters events by spec, optional task id, and time range.
// Registry.QueryEvents does not use it; it reads the event log files.
func (c *Cache) QueryEvents(specName string, tr registry.TimeRange, taskID string) ([]registry.TaskEvent, error) {
	query := `SELECT task_id, event_type, timestamp, details FROM events WHERE spec_name = ?`
	params := []any{specName}
	if !tr.From.IsZero() {
		query += ` AND timestamp >= ?`
		params = append(params, tr.From)
	}
	if !tr.To.IsZero() {
		query += ` AND timestamp <= ?`
		params = append(params, tr.To)
	}
	if taskID != "" {
		query += ` AND task_id = ?`
		params = append(params, taskID)
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := c.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("sqlcache: query events: %w", err)
	}
	defer rows.Close()

	var out []registry.TaskEvent
	for rows.Next() {
		var (
			id, eventType, detailsJSON string
			ts                         time.Time
		)
		if err := rows.Scan(&id, &eventType, &ts, &detailsJSON); err != nil {
			return nil, fmt.Errorf("sqlcache: scan event: %w", err)
		}
		var details registry.Metadata
		if detailsJSON != "" {
			if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil {
				return nil, fmt.Errorf("sqlcache: unmarshal event details: %w", err)
			}
		}
		out = append(out, registry.TaskEvent{
			SpecName:  specName,
			TaskID:    id,
			EventType: registry.EventType(eventType),
			Timestamp: ts,
			Details:   details,
		})
	}
	return out, rows.Err()
}
