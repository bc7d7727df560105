package idempotency

import (
	"context"
	"sync"
	"time"
)

// Record is one completed mutation, captured after redaction so a
// replayed body never reintroduces scrubbed content.
type Record struct {
	ScopeKey     string    `json:"scope_key"`
	ResponseHash string    `json:"response_hash"`
	StatusCode   int       `json:"status_code"`
	ContentType  string    `json:"content_type,omitempty"`
	Body         []byte    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the persistence contract. Get returns (nil, nil) when the
// key is absent. PutIfAbsent is the atomic record-if-absent primitive
// that resolves races between concurrent replay attempts; it reports
// whether this call stored the record.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	PutIfAbsent(ctx context.Context, key string, rec *Record, ttl time.Duration) (bool, error)
}

// LocalStore is the in-process fallback used while the breaker is open.
// It gives weaker, single-instance guarantees.
type LocalStore struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

type localEntry struct {
	rec       Record
	expiresAt time.Time
}

func NewLocalStore() *LocalStore {
	return &LocalStore{entries: map[string]localEntry{}, now: time.Now}
}

func (s *LocalStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

func (s *LocalStore) PutIfAbsent(_ context.Context, key string, rec *Record, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.sweepLocked(now)
	s.entries[key] = localEntry{rec: *rec, expiresAt: now.Add(ttl)}
	return true, nil
}

// sweepLocked drops expired entries so the fallback map cannot grow
// without bound during a long outage.
func (s *LocalStore) sweepLocked(now time.Time) {
	if len(s.entries) < 4096 {
		return
	}
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
