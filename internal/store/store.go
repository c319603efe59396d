// Package store persists the timer snapshot so pending reversions survive a
// restart.
package store

import (
	"context"
	"sync"
	"time"
)

// DefaultKey is the record name the timer snapshot is saved under
const DefaultKey = "timers"

// PersistedTimer is the durable form of a timer. It carries no watch handle
// or callback token; those are recreated on recovery.
type PersistedTimer struct {
	EntityID        string    `json:"entityId"`
	Attribute       string    `json:"attribute"`
	TargetValue     any       `json:"targetValue"`
	PreviousValue   any       `json:"previousValue"`
	ArmedAt         time.Time `json:"armedAt"`
	DurationSeconds float64   `json:"durationSeconds"`
	Deadline        time.Time `json:"deadline"`
}

// Store loads and saves named snapshots
type Store interface {
	// Load returns the snapshot saved under key, or an empty slice if none exists
	Load(ctx context.Context, key string) ([]PersistedTimer, error)

	// Save replaces the snapshot saved under key
	Save(ctx context.Context, key string, timers []PersistedTimer) error
}

// MemoryStore keeps snapshots in memory. Tests use it in place of SQLiteStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]PersistedTimer
	saves   int
	err     error
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]PersistedTimer)}
}

// Load returns a copy of the snapshot
func (m *MemoryStore) Load(_ context.Context, key string) ([]PersistedTimer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	return append([]PersistedTimer{}, m.records[key]...), nil
}

// Save stores a copy of the snapshot
func (m *MemoryStore) Save(_ context.Context, key string, timers []PersistedTimer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.records[key] = append([]PersistedTimer{}, timers...)
	m.saves++
	return nil
}

// Fail makes every subsequent Load and Save return err (nil to clear)
func (m *MemoryStore) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Saves returns how many snapshots were written
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
