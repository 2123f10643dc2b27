// eventlog.go: Buffered kernel event log with pluggable storage
//
// The event log is the default Reporter of a deployment: queue drops,
// invalid buffer returns, rate group overruns, handler failures and health
// transitions are recorded with a tamper-detection checksum and flushed
// in batches by a background goroutine.
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
)

// MarshalText renders the level by name in stored events.
func (l EventLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name.
func (l *EventLevel) UnmarshalText(text []byte) error {
	lvl, ok := ParseEventLevel(string(text))
	if !ok {
		return errors.New(ErrCodeInvalidConfig, "unknown event level").WithContext("level", string(text))
	}
	*l = lvl
	return nil
}

// Event is one recorded kernel event
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	Level       EventLevel             `json:"level"`
	Event       string                 `json:"event"`
	Component   string                 `json:"component"`
	ProcessID   int                    `json:"process_id"`
	ProcessName string                 `json:"process_name"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Checksum    string                 `json:"checksum"`
}

// EventLogConfig configures the event log
type EventLogConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	OutputFile    string        `yaml:"output_file" json:"output_file"` // .jsonl selects JSONL, anything else SQLite
	MinLevel      EventLevel    `yaml:"min_level" json:"min_level"`
	BufferSize    int           `yaml:"buffer_size" json:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	RetentionDays int           `yaml:"retention_days" json:"retention_days"`
}

// DefaultEventLogConfig returns the default event log configuration: SQLite
// storage in the shared system database, flushed every second.
func DefaultEventLogConfig() EventLogConfig {
	return EventLogConfig{
		Enabled:       true,
		OutputFile:    "",
		MinLevel:      EventInfo,
		BufferSize:    512,
		FlushInterval: time.Second,
		RetentionDays: 30,
	}
}

// EventQuery filters stored events. Zero fields match everything.
type EventQuery struct {
	Since     time.Time
	Until     time.Time
	MinLevel  EventLevel
	Event     string
	Component string
	Limit     int
}

func (q EventQuery) matches(e *Event) bool {
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	if e.Level < q.MinLevel {
		return false
	}
	if q.Event != "" && e.Event != q.Event {
		return false
	}
	if q.Component != "" && e.Component != q.Component {
		return false
	}
	return true
}

// EventLogStats reports the logger's own counters and the store contents
type EventLogStats struct {
	Backend  string           `json:"backend"`
	Path     string           `json:"path"`
	Recorded uint64           `json:"recorded"`
	Dropped  uint64           `json:"dropped"`
	Flushes  uint64           `json:"flushes"`
	Failures uint64           `json:"failures"`
	Store    *EventStoreStats `json:"store,omitempty"`
}

// EventLogger records kernel events. It implements Reporter; ReportEvent
// never performs I/O: a full buffer wakes the flusher and, past twice the
// buffer size, new events are dropped and counted.
type EventLogger struct {
	config      EventLogConfig
	backend     eventBackend
	processID   int
	processName string

	bufferMu sync.Mutex
	buffer   []Event
	spare    []Event

	flushMu  sync.Mutex
	kick     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	closed   atomic.Bool
	recorded atomic.Uint64
	dropped  atomic.Uint64
	flushes  atomic.Uint64
	failures atomic.Uint64
}

// NewEventLogger opens the configured backend and starts the background
// flusher when FlushInterval is positive.
func NewEventLogger(config EventLogConfig) (*EventLogger, error) {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultEventLogConfig().BufferSize
	}
	backend, err := createEventBackend(config)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to initialize event log backend")
	}

	l := &EventLogger{
		config:      config,
		backend:     backend,
		processID:   os.Getpid(),
		processName: processName(),
		buffer:      make([]Event, 0, config.BufferSize),
		spare:       make([]Event, 0, config.BufferSize),
		kick:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	if config.FlushInterval > 0 {
		go l.flushLoop()
	} else {
		close(l.doneCh)
	}
	return l, nil
}

// ReportEvent implements Reporter.
func (l *EventLogger) ReportEvent(level EventLevel, event, component string, context map[string]interface{}) {
	l.Log(level, event, component, context)
}

// Log records an event.
func (l *EventLogger) Log(level EventLevel, event, component string, context map[string]interface{}) {
	if l == nil || !l.config.Enabled || level < l.config.MinLevel || l.closed.Load() {
		return
	}

	e := Event{
		Timestamp:   timecache.CachedTime().UTC(),
		Level:       level,
		Event:       event,
		Component:   component,
		ProcessID:   l.processID,
		ProcessName: l.processName,
		Context:     context,
	}
	e.Checksum = eventChecksum(&e)

	l.bufferMu.Lock()
	if len(l.buffer) >= 2*l.config.BufferSize {
		l.bufferMu.Unlock()
		l.dropped.Add(1)
		return
	}
	l.buffer = append(l.buffer, e)
	full := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()
	l.recorded.Add(1)

	if full {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

// Flush writes every buffered event to the backend.
func (l *EventLogger) Flush() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.bufferMu.Lock()
	batch := l.buffer
	l.buffer = l.spare[:0]
	l.bufferMu.Unlock()

	if len(batch) == 0 {
		l.spare = batch
		return nil
	}
	err := l.backend.Write(batch)
	for i := range batch {
		batch[i] = Event{}
	}
	l.spare = batch[:0]
	l.flushes.Add(1)
	if err != nil {
		l.failures.Add(1)
		return errors.Wrap(err, ErrCodeIOError, "failed to write events to backend")
	}
	return nil
}

// Query returns stored events matching q, oldest first. Buffered events
// are flushed first.
func (l *EventLogger) Query(q EventQuery) ([]Event, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}
	return l.backend.Query(q)
}

// Cleanup deletes stored events older than maxAge and returns how many
// were removed.
func (l *EventLogger) Cleanup(maxAge time.Duration) (int64, error) {
	if err := l.Flush(); err != nil {
		return 0, err
	}
	return l.backend.Cleanup(time.Now().Add(-maxAge))
}

// Maintenance runs backend housekeeping (retention, checkpoints).
func (l *EventLogger) Maintenance() error {
	return l.backend.Maintenance()
}

// Stats returns the logger counters and the store statistics.
func (l *EventLogger) Stats() (EventLogStats, error) {
	s := EventLogStats{
		Backend:  l.backend.Name(),
		Path:     l.backend.Path(),
		Recorded: l.recorded.Load(),
		Dropped:  l.dropped.Load(),
		Flushes:  l.flushes.Load(),
		Failures: l.failures.Load(),
	}
	store, err := l.backend.Stats()
	if err != nil {
		return s, err
	}
	s.Store = store
	return s, nil
}

// Close stops the flusher, writes what is left and closes the backend.
func (l *EventLogger) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stopCh)
	<-l.doneCh

	if err := l.Flush(); err != nil {
		_ = l.backend.Close()
		return err
	}
	if err := l.backend.Close(); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to close event log backend")
	}
	return nil
}

func (l *EventLogger) flushLoop() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = l.Flush() // Counted in failures
		case <-l.kick:
			_ = l.Flush()
		case <-l.stopCh:
			return
		}
	}
}

// eventChecksum is a SHA-256 over the identifying fields of the event.
// Context is left out: its numbers do not survive a JSON round trip.
func eventChecksum(e *Event) string {
	data := fmt.Sprintf("%s:%s:%s:%s:%d",
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Level, e.Event, e.Component, e.ProcessID)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(data)))
}

// VerifyChecksum reports whether the stored checksum matches the event.
func (e *Event) VerifyChecksum() bool {
	return e.Checksum == eventChecksum(e)
}

func processName() string {
	if len(os.Args) > 0 && os.Args[0] != "" {
		return filepath.Base(os.Args[0])
	}
	return "fprime"
}
