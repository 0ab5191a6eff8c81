package stores

import (
	"context"
	"time"

	"github.com/openfroyo/opsflow/pkg/engine"
)

// SessionSummary is the listing view of a stored record.
type SessionSummary struct {
	SessionID    string              `json:"session_id" yaml:"session_id"`
	State        engine.SessionState `json:"state" yaml:"state"`
	Username     string              `json:"username,omitempty" yaml:"username,omitempty"`
	OriginalGoal string              `json:"original_goal" yaml:"original_goal"`
	Version      int64               `json:"version" yaml:"version"`
	CreatedAt    time.Time           `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at" yaml:"updated_at"`
}

// ListOptions filters ListRecords. A zero Limit means no limit.
type ListOptions struct {
	State  engine.SessionState
	Limit  int
	Offset int
}

// EventFilter filters ListEvents. Empty fields match everything.
type EventFilter struct {
	SessionID string
	TaskID    string
	Level     string
	Limit     int
	Offset    int
}

// Store is the full persistence surface used by the CLI.
type Store interface {
	engine.RecordStore
	engine.EventPublisher

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	ListRecords(ctx context.Context, opts ListOptions) ([]*SessionSummary, error)
	DeleteRecord(ctx context.Context, sessionID string) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error)

	HealthCheck(ctx context.Context) error
}

func notFound(sessionID string) error {
	return engine.NewPermanentError("session not found: "+sessionID, nil).
		WithCode(engine.ErrCodeSessionNotFound).
		WithResource(sessionID)
}

func alreadyExists(sessionID string) error {
	return engine.NewConflictError("session already exists: "+sessionID, nil).
		WithCode(engine.ErrCodeInvalidState).
		WithResource(sessionID)
}

func staleRecord(sessionID string, have, stored int64) error {
	return engine.NewConflictError("record was modified concurrently", nil).
		WithCode(engine.ErrCodeStaleRecord).
		WithResource(sessionID).
		WithDetail("version", have).
		WithDetail("stored_version", stored)
}

func summarize(rec *engine.ExecutionRecord) *SessionSummary {
	return &SessionSummary{
		SessionID:    rec.SessionID,
		State:        rec.State,
		Username:     rec.Username,
		OriginalGoal: rec.OriginalGoal,
		Version:      rec.Version,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
