// eventlog_backend.go: SQLite and JSONL storage for the kernel event log
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agilira/go-errors"
	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
	"github.com/sugawarayuuta/sonnet"
)

// eventBackend stores events. Implementations are safe for concurrent use.
type eventBackend interface {
	Name() string
	Path() string
	Write(events []Event) error
	Query(q EventQuery) ([]Event, error)
	Cleanup(before time.Time) (int64, error)
	Maintenance() error
	Stats() (*EventStoreStats, error)
	Close() error
}

// EventStoreStats describes the contents of an event store
type EventStoreStats struct {
	TotalEvents       int64            `json:"total_events"`
	EventsByLevel     map[string]int64 `json:"events_by_level"`
	EventsByComponent map[string]int64 `json:"events_by_component"`
	OldestEvent       *time.Time       `json:"oldest_event,omitempty"`
	NewestEvent       *time.Time       `json:"newest_event,omitempty"`
	SizeBytes         int64            `json:"size_bytes"`
	SchemaVersion     int              `json:"schema_version"`
}

func newEventStoreStats() *EventStoreStats {
	return &EventStoreStats{
		EventsByLevel:     make(map[string]int64),
		EventsByComponent: make(map[string]int64),
	}
}

// createEventBackend picks JSONL for a .jsonl output file and SQLite for
// everything else, falling back to JSONL next to the requested path when
// SQLite cannot be opened.
func createEventBackend(config EventLogConfig) (eventBackend, error) {
	if filepath.Ext(config.OutputFile) == ".jsonl" {
		return newJSONLEventBackend(config.OutputFile)
	}

	backend, err := newSQLiteEventBackend(config)
	if err == nil {
		return backend, nil
	}

	fallback := strings.TrimSuffix(eventDatabasePath(config), filepath.Ext(eventDatabasePath(config))) + ".jsonl"
	jsonl, jsonlErr := newJSONLEventBackend(fallback)
	if jsonlErr != nil {
		return nil, fmt.Errorf("all event backends failed - SQLite: %w, JSONL: %v", err, jsonlErr)
	}
	return jsonl, nil
}

// DefaultEventDatabase is the shared SQLite store used when no output file
// is configured.
func DefaultEventDatabase() string {
	return filepath.Join(os.TempDir(), "fprime", "events.db")
}

func eventDatabasePath(config EventLogConfig) string {
	if config.OutputFile != "" {
		return config.OutputFile
	}
	return DefaultEventDatabase()
}

type sqliteEventBackend struct {
	db            *sql.DB
	path          string
	retentionDays int
	insertStmt    *sql.Stmt
	mu            sync.RWMutex
	closed        bool
}

func newSQLiteEventBackend(config EventLogConfig) (*sqliteEventBackend, error) {
	path := eventDatabasePath(config)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create event database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_cache_size=1000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping event database: %w", err)
	}

	s := &sqliteEventBackend{db: db, path: path, retentionDays: config.RetentionDays}
	if err := s.ensureSchemaVersion(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event database schema migration failed: %w", err)
	}

	stmt, err := db.Prepare(`
	INSERT INTO kernel_events (
		timestamp, ts_nano, level, event, component,
		process_id, process_name, context, checksum
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	s.insertStmt = stmt

	// Retention is best effort at open; a failure here is not fatal.
	_ = s.Maintenance()
	return s, nil
}

const eventSchemaVersion = 2

func (s *sqliteEventBackend) ensureSchemaVersion() error {
	if _, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_info (
		version INTEGER PRIMARY KEY,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("failed to create schema_info table: %w", err)
	}

	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version >= eventSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	for v := version; v < eventSchemaVersion; v++ {
		var stmts []string
		switch v {
		case 0:
			stmts = []string{
				`CREATE TABLE IF NOT EXISTS kernel_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					timestamp TEXT NOT NULL,
					ts_nano INTEGER NOT NULL,
					level INTEGER NOT NULL,
					event TEXT NOT NULL,
					component TEXT NOT NULL,
					process_id INTEGER NOT NULL,
					process_name TEXT NOT NULL,
					context TEXT,
					checksum TEXT,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);`,
				"CREATE INDEX IF NOT EXISTS idx_events_ts ON kernel_events(ts_nano)",
				"CREATE INDEX IF NOT EXISTS idx_events_component ON kernel_events(component)",
			}
		case 1:
			stmts = []string{
				"CREATE INDEX IF NOT EXISTS idx_events_event_ts ON kernel_events(event, ts_nano)",
				"CREATE INDEX IF NOT EXISTS idx_events_level_ts ON kernel_events(level, ts_nano)",
			}
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration to v%d failed: %w", v+1, err)
			}
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_info (version, updated_at) VALUES (?, CURRENT_TIMESTAMP)`,
		eventSchemaVersion); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}
	return nil
}

func (s *sqliteEventBackend) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_info ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check schema version: %w", err)
	}
	return version, nil
}

func (s *sqliteEventBackend) Name() string { return "sqlite" }
func (s *sqliteEventBackend) Path() string { return s.path }

func (s *sqliteEventBackend) Write(events []Event) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New(ErrCodeIOError, "event database is closed")
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt := tx.Stmt(s.insertStmt)
	defer func() { _ = stmt.Close() }()

	for i := range events {
		e := &events[i]
		contextJSON := ""
		if e.Context != nil {
			data, mErr := sonnet.Marshal(e.Context)
			if mErr != nil {
				return fmt.Errorf("failed to serialize event context: %w", mErr)
			}
			contextJSON = string(data)
		}
		if _, err = stmt.Exec(
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Timestamp.UnixNano(),
			int(e.Level),
			e.Event,
			e.Component,
			e.ProcessID,
			e.ProcessName,
			contextJSON,
			e.Checksum,
		); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteEventBackend) Query(q EventQuery) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New(ErrCodeIOError, "event database is closed")
	}

	var where []string
	var args []interface{}
	if !q.Since.IsZero() {
		where = append(where, "ts_nano >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "ts_nano <= ?")
		args = append(args, q.Until.UnixNano())
	}
	if q.MinLevel > EventInfo {
		where = append(where, "level >= ?")
		args = append(args, int(q.MinLevel))
	}
	if q.Event != "" {
		where = append(where, "event = ?")
		args = append(args, q.Event)
	}
	if q.Component != "" {
		where = append(where, "component = ?")
		args = append(args, q.Component)
	}

	query := "SELECT timestamp, level, event, component, process_id, process_name, context, checksum FROM kernel_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts_nano ASC, id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e        Event
			ts       string
			level    int
			ctxJSON  sql.NullString
			checksum sql.NullString
		)
		if err := rows.Scan(&ts, &level, &e.Event, &e.Component, &e.ProcessID, &e.ProcessName, &ctxJSON, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("invalid stored timestamp %q: %w", ts, err)
		}
		e.Level = EventLevel(level)
		e.Checksum = checksum.String
		if ctxJSON.Valid && ctxJSON.String != "" {
			if err := sonnet.Unmarshal([]byte(ctxJSON.String), &e.Context); err != nil {
				return nil, fmt.Errorf("invalid stored context: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteEventBackend) Cleanup(before time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errors.New(ErrCodeIOError, "event database is closed")
	}
	res, err := s.db.Exec("DELETE FROM kernel_events WHERE ts_nano < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteEventBackend) Maintenance() error {
	if s.retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
		if _, err := s.Cleanup(cutoff); err != nil {
			return err
		}
	}
	for _, task := range []string{"PRAGMA optimize", "PRAGMA wal_checkpoint(PASSIVE)"} {
		_, _ = s.db.Exec(task) // Optimizations are advisory
	}
	return nil
}

func (s *sqliteEventBackend) Stats() (*EventStoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New(ErrCodeIOError, "event database is closed")
	}

	stats := newEventStoreStats()
	if err := s.db.QueryRow("SELECT COUNT(*) FROM kernel_events").Scan(&stats.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	if err := s.groupCount("SELECT level, COUNT(*) FROM kernel_events GROUP BY level", func(key string, n int64) {
		var lvl int
		_, _ = fmt.Sscanf(key, "%d", &lvl)
		stats.EventsByLevel[EventLevel(lvl).String()] = n
	}); err != nil {
		return nil, err
	}
	if err := s.groupCount("SELECT component, COUNT(*) FROM kernel_events GROUP BY component", func(key string, n int64) {
		stats.EventsByComponent[key] = n
	}); err != nil {
		return nil, err
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRow("SELECT MIN(ts_nano), MAX(ts_nano) FROM kernel_events").Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("failed to get event time range: %w", err)
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64).UTC()
		stats.OldestEvent = &t
	}
	if newest.Valid {
		t := time.Unix(0, newest.Int64).UTC()
		stats.NewestEvent = &t
	}

	version, err := s.schemaVersion()
	if err != nil {
		return nil, err
	}
	stats.SchemaVersion = version
	if info, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats, nil
}

func (s *sqliteEventBackend) groupCount(query string, add func(key string, n int64)) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return fmt.Errorf("failed to group events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan grouped events: %w", err)
		}
		add(key, n)
	}
	return rows.Err()
}

func (s *sqliteEventBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []string
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		errs = append(errs, err.Error())
	}
	if s.insertStmt != nil {
		if err := s.insertStmt.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing event database: %s", strings.Join(errs, "; "))
	}
	return nil
}

// jsonlEventBackend appends one JSON document per line.
type jsonlEventBackend struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	closed bool
}

func newJSONLEventBackend(path string) (*jsonlEventBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("JSONL event backend requires an output file")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &jsonlEventBackend{path: path, file: file}, nil
}

func (j *jsonlEventBackend) Name() string { return "jsonl" }
func (j *jsonlEventBackend) Path() string { return j.path }

func (j *jsonlEventBackend) Write(events []Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errors.New(ErrCodeIOError, "event log is closed")
	}

	w := bufio.NewWriter(j.file)
	for i := range events {
		data, err := sonnet.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write events: %w", err)
	}
	return j.file.Sync()
}

// scan calls fn for every decodable line of the log.
func (j *jsonlEventBackend) scan(fn func(e *Event)) error {
	f, err := os.Open(j.path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := sonnet.Unmarshal(line, &e); err != nil {
			continue // A torn final line after a crash is skipped
		}
		fn(&e)
	}
	return sc.Err()
}

func (j *jsonlEventBackend) Query(q EventQuery) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Event
	err := j.scan(func(e *Event) {
		if q.Limit > 0 && len(out) >= q.Limit {
			return
		}
		if q.matches(e) {
			out = append(out, *e)
		}
	})
	return out, err
}

// Cleanup rewrites the log without the old events.
func (j *jsonlEventBackend) Cleanup(before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, errors.New(ErrCodeIOError, "event log is closed")
	}

	var keep [][]byte
	var removed int64
	err := j.scan(func(e *Event) {
		if e.Timestamp.Before(before) {
			removed++
			return
		}
		if data, err := sonnet.Marshal(e); err == nil {
			keep = append(keep, data)
		}
	})
	if err != nil || removed == 0 {
		return 0, err
	}

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) // #nosec G304 -- derived from operator path
	if err != nil {
		return 0, fmt.Errorf("failed to rewrite event log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range keep {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failed to rewrite event log: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to rewrite event log: %w", err)
	}

	_ = j.file.Close()
	if err := os.Rename(tmp, j.path); err != nil {
		return 0, fmt.Errorf("failed to replace event log: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- operator-supplied path
	if err != nil {
		j.closed = true
		return removed, fmt.Errorf("failed to reopen event log: %w", err)
	}
	j.file = file
	return removed, nil
}

func (j *jsonlEventBackend) Maintenance() error { return nil }

func (j *jsonlEventBackend) Stats() (*EventStoreStats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stats := newEventStoreStats()
	stats.SchemaVersion = 1
	err := j.scan(func(e *Event) {
		stats.TotalEvents++
		stats.EventsByLevel[e.Level.String()]++
		stats.EventsByComponent[e.Component]++
		ts := e.Timestamp
		if stats.OldestEvent == nil || ts.Before(*stats.OldestEvent) {
			stats.OldestEvent = &ts
		}
		if stats.NewestEvent == nil || ts.After(*stats.NewestEvent) {
			t := ts
			stats.NewestEvent = &t
		}
	})
	if info, statErr := os.Stat(j.path); statErr == nil {
		stats.SizeBytes = info.Size()
	}
	return stats, err
}

func (j *jsonlEventBackend) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}
