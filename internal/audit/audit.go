// Package audit provides a command audit trail for central: one Event per
// dispatched client command, recording who ran what and how it came out.
// Grounded on the teacher's pkg/audit (Store/Logger split) and pkg/fleet's
// store_factory.go backend-switch pattern: an in-memory ring buffer is the
// default, with an optional modernc.org/sqlite file-backed store for
// deployments that want the trail to survive a central restart.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Event is a single audit record: one dispatched command.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"ts"`
	Cmd       string        `json:"cmd"`
	User      string        `json:"user"`
	Ticket    string        `json:"ticket"`
	Code      int           `json:"code"`
	Msg       string        `json:"msg,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// QueryOptions filters audit log reads.
type QueryOptions struct {
	User  string
	Cmd   string
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the persistence interface for the audit log.
type Store interface {
	Append(ctx context.Context, event *Event) error
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)
}

// ------------------------------------------------------------------
// RingStore: in-memory, fixed-capacity, the default.
// ------------------------------------------------------------------

// RingStore keeps the last capacity events in memory. It is the default
// store: central's command audit trail costs nothing to enable and does
// not outlive the process, matching the no-persistence posture of the
// rest of central's state.
type RingStore struct {
	mu       sync.Mutex
	events   []*Event
	capacity int
	next     int
	seq      int64
}

// NewRingStore creates an in-memory audit store holding the most recent
// capacity events.
func NewRingStore(capacity int) *RingStore {
	if capacity <= 0 {
		capacity = 4096
	}
	return &RingStore{capacity: capacity}
}

func (s *RingStore) Append(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		s.seq++
		event.ID = fmt.Sprintf("evt_%d", s.seq)
	}
	if len(s.events) < s.capacity {
		s.events = append(s.events, event)
	} else {
		s.events[s.next] = event
		s.next = (s.next + 1) % s.capacity
	}
	return nil
}

func (s *RingStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	s.mu.Lock()
	snapshot := make([]*Event, len(s.events))
	copy(snapshot, s.events)
	s.mu.Unlock()

	var results []*Event
	for _, e := range snapshot {
		if !matches(e, opts) {
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

func matches(e *Event, opts QueryOptions) bool {
	if opts.User != "" && e.User != opts.User {
		return false
	}
	if opts.Cmd != "" && e.Cmd != opts.Cmd {
		return false
	}
	if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
		return false
	}
	return true
}

// ------------------------------------------------------------------
// SQLiteStore: optional durable backend.
// ------------------------------------------------------------------

// SQLiteStore persists the audit trail to a file-backed SQLite database,
// for deployments that want the command log to survive a central restart.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed audit store
// at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite %s: %w", dbPath, err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		ts DATETIME NOT NULL,
		cmd TEXT NOT NULL,
		user TEXT NOT NULL DEFAULT '',
		ticket TEXT NOT NULL DEFAULT '',
		code INTEGER NOT NULL DEFAULT 0,
		msg TEXT NOT NULL DEFAULT '',
		duration_ns INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events(user)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Append(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt_%d", event.Timestamp.UnixNano())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, ts, cmd, user, ticket, code, msg, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UTC(), event.Cmd, event.User, event.Ticket,
		event.Code, event.Msg, int64(event.Duration))
	return err
}

func (s *SQLiteStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	query := "SELECT id, ts, cmd, user, ticket, code, msg, duration_ns FROM audit_events WHERE 1=1"
	var args []any
	if opts.User != "" {
		query += " AND user = ?"
		args = append(args, opts.User)
	}
	if opts.Cmd != "" {
		query += " AND cmd = ?"
		args = append(args, opts.Cmd)
	}
	if !opts.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		query += " AND ts <= ?"
		args = append(args, opts.Until.UTC())
	}
	query += " ORDER BY ts DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var durationNs int64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Cmd, &e.User, &e.Ticket, &e.Code, &e.Msg, &durationNs); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationNs)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ------------------------------------------------------------------
// Logger: the write-side API handlers call.
// ------------------------------------------------------------------

// Logger records one event per dispatched command.
type Logger struct {
	store Store
}

// NewLogger wraps store; a nil store defaults to an unbounded-use
// in-memory ring of the last 4096 events.
func NewLogger(store Store) *Logger {
	if store == nil {
		store = NewRingStore(0)
	}
	return &Logger{store: store}
}

// LogCommand records the outcome of one dispatched client command. Errors
// writing the event are swallowed: a broken audit sink must never turn
// into a failed command.
func (l *Logger) LogCommand(ctx context.Context, cmd, user, ticket string, code int, msg string, dur time.Duration) {
	l.store.Append(ctx, &Event{Cmd: cmd, User: user, Ticket: ticket, Code: code, Msg: msg, Duration: dur})
}
