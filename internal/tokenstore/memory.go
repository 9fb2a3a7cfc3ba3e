package tokenstore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory Store implementation. It is suitable for
// development, testing, and single-instance deployments without a
// database.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

// Upsert inserts or replaces the record for its UserID.
func (m *Memory) Upsert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UserID] = rec.Clone()
	return nil
}

// Get loads the record for a user.
func (m *Memory) Get(_ context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Delete removes the record for a user.
func (m *Memory) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, userID)
	return nil
}

// DeleteExpired removes every record with expiresAt <= now.
func (m *Memory) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for userID, rec := range m.records {
		if rec.IsExpired(now) {
			delete(m.records, userID)
			deleted++
		}
	}
	return deleted, nil
}

// ListDueForRefresh returns records past the refresh threshold but not expired.
func (m *Memory) ListDueForRefresh(_ context.Context, now time.Time, threshold float64) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*Record
	for _, rec := range m.records {
		if rec.RequiresRefresh(now, threshold) {
			due = append(due, rec.Clone())
		}
	}
	return due, nil
}

// ListActive returns unexpired records below the failure ceiling.
func (m *Memory) ListActive(_ context.Context, now time.Time, maxFailures int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active []*Record
	for _, rec := range m.records {
		if !rec.IsExpired(now) && rec.FailureCount < maxFailures {
			active = append(active, rec.Clone())
		}
	}
	return active, nil
}

// IncrementFailure bumps the failure counter and returns the new value.
func (m *Memory) IncrementFailure(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return 0, ErrNotFound
	}
	rec.FailureCount++
	return rec.FailureCount, nil
}

// Touch updates the record's updated_at timestamp.
func (m *Memory) Touch(_ context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return ErrNotFound
	}
	rec.UpdatedAt = now
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *Memory) Close() {}
