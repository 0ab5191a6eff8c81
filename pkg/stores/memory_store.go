package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/opsflow/pkg/engine"
)

// MemoryStore implements Store in process memory. Records are kept as JSON
// snapshots so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	events  []*engine.Event
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

// Init is a no-op.
func (m *MemoryStore) Init(_ context.Context) error { return nil }

// Migrate is a no-op.
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(_ context.Context) error { return nil }

// CreateRecord stores a new record at version 1.
func (m *MemoryStore) CreateRecord(_ context.Context, rec *engine.ExecutionRecord) error {
	if rec == nil || rec.SessionID == "" {
		return engine.NewPermanentError("record with a session ID is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.SessionID]; exists {
		return alreadyExists(rec.SessionID)
	}

	prev := rec.Version
	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		rec.Version = prev
		return fmt.Errorf("failed to encode record: %w", err)
	}
	m.records[rec.SessionID] = data
	return nil
}

// GetRecord returns a copy of the stored record.
func (m *MemoryStore) GetRecord(_ context.Context, sessionID string) (*engine.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.records[sessionID]
	if !ok {
		return nil, notFound(sessionID)
	}
	return decodeRecord(sessionID, data)
}

// SaveRecord replaces the stored record if versions match.
func (m *MemoryStore) SaveRecord(_ context.Context, rec *engine.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.records[rec.SessionID]
	if !ok {
		return notFound(rec.SessionID)
	}
	stored, err := decodeRecord(rec.SessionID, data)
	if err != nil {
		return err
	}
	if stored.Version != rec.Version {
		return staleRecord(rec.SessionID, rec.Version, stored.Version)
	}

	rec.Version++
	data, err = json.Marshal(rec)
	if err != nil {
		rec.Version--
		return fmt.Errorf("failed to encode record: %w", err)
	}
	m.records[rec.SessionID] = data
	return nil
}

// ListRecords lists sessions, most recently updated first
func (m *MemoryStore) ListRecords(_ context.Context, opts ListOptions) ([]*SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := []*SessionSummary{}
	for id, data := range m.records {
		rec, err := decodeRecord(id, data)
		if err != nil {
			return nil, err
		}
		if opts.State != "" && rec.State != opts.State {
			continue
		}
		sessions = append(sessions, summarize(rec))
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})

	return paginate(sessions, opts.Limit, opts.Offset), nil
}

// DeleteRecord removes a session and its events
func (m *MemoryStore) DeleteRecord(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[sessionID]; !ok {
		return notFound(sessionID)
	}
	delete(m.records, sessionID)

	kept := m.events[:0]
	for _, e := range m.events {
		if e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	m.events = kept
	return nil
}

// AppendEvent appends a copy of event to the log.
func (m *MemoryStore) AppendEvent(_ context.Context, event *engine.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *event
	m.events = append(m.events, &e)
	return nil
}

// Publish stores the event.
func (m *MemoryStore) Publish(ctx context.Context, event *engine.Event) error {
	return m.AppendEvent(ctx, event)
}

// ListEvents returns matching events in append order.
func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]*engine.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := []*engine.Event{}
	for _, e := range m.events {
		if filter.SessionID != "" && e.SessionID != filter.SessionID {
			continue
		}
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		if filter.Level != "" && e.Level != filter.Level {
			continue
		}
		c := *e
		events = append(events, &c)
	}
	return paginate(events, filter.Limit, filter.Offset), nil
}

func decodeRecord(sessionID string, data []byte) (*engine.ExecutionRecord, error) {
	rec := &engine.ExecutionRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", sessionID, err)
	}
	return rec, nil
}
