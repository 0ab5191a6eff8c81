package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/opsflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// every pooled connection to :memory: would open its own database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateRecord inserts a new session record at version 1.
func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *engine.ExecutionRecord) error {
	if rec == nil || rec.SessionID == "" {
		return engine.NewPermanentError("record with a session ID is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	prev := rec.Version
	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		rec.Version = prev
		return fmt.Errorf("failed to encode record: %w", err)
	}

	query := `
		INSERT INTO sessions (session_id, state, username, original_goal, record, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.SessionID,
		rec.State,
		rec.Username,
		rec.OriginalGoal,
		string(data),
		rec.Version,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		rec.Version = prev
		return fmt.Errorf("failed to create record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		rec.Version = prev
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		rec.Version = prev
		return alreadyExists(rec.SessionID)
	}

	return nil
}

// GetRecord loads a session record by ID
func (s *SQLiteStore) GetRecord(ctx context.Context, sessionID string) (*engine.ExecutionRecord, error) {
	query := `SELECT record, version FROM sessions WHERE session_id = ?`

	var (
		data    string
		version int64
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	rec := &engine.ExecutionRecord{}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", sessionID, err)
	}
	rec.Version = version

	return rec, nil
}

// SaveRecord writes rec if it carries the stored version, then bumps rec.Version.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *engine.ExecutionRecord) error {
	expected := rec.Version
	rec.Version = expected + 1
	data, err := json.Marshal(rec)
	if err != nil {
		rec.Version = expected
		return fmt.Errorf("failed to encode record: %w", err)
	}

	query := `
		UPDATE sessions
		SET state = ?, username = ?, record = ?, version = ?, updated_at = ?
		WHERE session_id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.State,
		rec.Username,
		string(data),
		rec.Version,
		rec.UpdatedAt,
		rec.SessionID,
		expected,
	)
	if err != nil {
		rec.Version = expected
		return fmt.Errorf("failed to save record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		rec.Version = expected
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	rec.Version = expected
	var stored int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM sessions WHERE session_id = ?`, rec.SessionID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(rec.SessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to read stored version: %w", err)
	}
	return staleRecord(rec.SessionID, expected, stored)
}

// ListRecords lists sessions, most recently updated first
func (s *SQLiteStore) ListRecords(ctx context.Context, opts ListOptions) ([]*SessionSummary, error) {
	var (
		where []string
		args  []interface{}
	)
	if opts.State != "" {
		where = append(where, "state = ?")
		args = append(args, opts.State)
	}

	query := `SELECT session_id, state, username, original_goal, version, created_at, updated_at FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, session_id"
	query, args = withPaging(query, args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	sessions := []*SessionSummary{}
	for rows.Next() {
		summary := &SessionSummary{}
		err := rows.Scan(
			&summary.SessionID,
			&summary.State,
			&summary.Username,
			&summary.OriginalGoal,
			&summary.Version,
			&summary.CreatedAt,
			&summary.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		sessions = append(sessions, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return sessions, nil
}

// DeleteRecord removes a session and its events
func (s *SQLiteStore) DeleteRecord(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound(sessionID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// AppendEvent appends an event to the session log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	var details *string
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		d := string(data)
		details = &d
	}

	query := `
		INSERT INTO session_events (id, session_id, task_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.SessionID,
		event.TaskID,
		event.Type,
		event.Level,
		event.Message,
		details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// Publish stores the event, so the store can sit behind an engine.EventPublisher.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	return s.AppendEvent(ctx, event)
}

// ListEvents returns events in append order
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Level != "" {
		where = append(where, "level = ?")
		args = append(args, filter.Level)
	}

	query := `SELECT id, session_id, task_id, type, level, message, details, timestamp FROM session_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	query, args = withPaging(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var details sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&event.TaskID,
			&event.Type,
			&event.Level,
			&event.Message,
			&details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func withPaging(query string, args []interface{}, limit, offset int) (string, []interface{}) {
	if limit <= 0 && offset <= 0 {
		return query, args
	}
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	return query, append(args, limit, offset)
}
