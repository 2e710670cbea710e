package idempotency

import (
	"context"
	"sync"
	"time"
)

// Record is the cached response of a completed dashboard action.
type Record struct {
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store abstracts idempotency persistence. Get returns nil, nil for unknown or
// expired keys. Claim stores record only when key has no live record and
// reports whether it did; Save is Claim without the report.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Claim(ctx context.Context, key string, record Record) (bool, error)
}

// MemoryStore keeps records for the lifetime of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

// Save keeps the first live record for key and drops anything already expired.
func (m *MemoryStore) Save(ctx context.Context, key string, record Record) error {
	_, err := m.Claim(ctx, key, record)
	return err
}

func (m *MemoryStore) Claim(_ context.Context, key string, record Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, rec := range m.data {
		if now.After(rec.ExpiresAt) {
			delete(m.data, k)
		}
	}
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = record
	return true, nil
}

// Len reports the number of stored records, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
