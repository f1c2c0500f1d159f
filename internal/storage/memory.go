package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/peteski22/adsmirror/internal/entity"
)

type memoryRecord struct {
	expiresAt time.Time
	snapshot  entity.Snapshot
}

// Memory is a Store held in process memory. It is used for tests and local dry runs.
type Memory struct {
	mu         sync.RWMutex
	now        func() time.Time
	records    map[string]map[string]memoryRecord
	ttl        time.Duration
	watermarks map[string]time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryTTL expires snapshots the given duration after they are written.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		m.ttl = ttl
	}
}

// WithMemoryClock sets the clock used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty Memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:        time.Now,
		records:    make(map[string]map[string]memoryRecord),
		watermarks: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshots returns live snapshots ordered by entity ID.
func (m *Memory) Snapshots(_ context.Context, t entity.Type, customerID string) ([]entity.Snapshot, error) {
	if err := validateScope(t, customerID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	records := m.records[partitionKey(t, customerID)]
	out := make([]entity.Snapshot, 0, len(records))
	for _, r := range records {
		if !r.expiresAt.IsZero() && !now.Before(r.expiresAt) {
			continue
		}
		out = append(out, r.snapshot)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// PutSnapshots stores copies of the snapshots.
func (m *Memory) PutSnapshots(_ context.Context, t entity.Type, customerID string, snaps []entity.Snapshot) error {
	if err := validateScope(t, customerID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pk := partitionKey(t, customerID)
	records, ok := m.records[pk]
	if !ok {
		records = make(map[string]memoryRecord, len(snaps))
		m.records[pk] = records
	}

	var expiresAt time.Time
	if m.ttl > 0 {
		expiresAt = m.now().Add(m.ttl)
	}

	for _, s := range snaps {
		s.Payload = entity.Clone(s.Payload)
		records[s.EntityID] = memoryRecord{expiresAt: expiresAt, snapshot: s}
	}
	return nil
}

// DeleteSnapshots removes the snapshots. Unknown IDs are ignored.
func (m *Memory) DeleteSnapshots(_ context.Context, t entity.Type, customerID string, ids []string) error {
	if err := validateScope(t, customerID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.records[partitionKey(t, customerID)]
	for _, id := range ids {
		delete(records, id)
	}
	return nil
}

// Watermark returns the stored sync point.
func (m *Memory) Watermark(_ context.Context, t entity.Type, customerID string) (time.Time, error) {
	if err := validateScope(t, customerID); err != nil {
		return time.Time{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.watermarks[partitionKey(t, customerID)], nil
}

// SetWatermark stores the sync point.
func (m *Memory) SetWatermark(_ context.Context, t entity.Type, customerID string, ts time.Time) error {
	if err := validateScope(t, customerID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.watermarks[partitionKey(t, customerID)] = ts
	return nil
}
