package session

import (
	"context"
	"sync"
	"time"

	"careguide/api/internal/review"
)

type memoryRecord struct {
	expiresAt time.Time
	session   *review.Session
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	records map[string]memoryRecord
}

// NewMemoryStore creates an in-process store. A non-positive ttl disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]memoryRecord),
	}
}

func (s *MemoryStore) Load(_ context.Context, id string) (*review.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.ttl > 0 && s.now().After(record.expiresAt) {
		delete(s.records, id)
		return nil, ErrNotFound
	}
	return record.session.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, session *review.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[session.ID] = memoryRecord{
		expiresAt: s.now().Add(s.ttl),
		session:   session.Clone(),
	}
	s.pruneLocked()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) pruneLocked() {
	if s.ttl <= 0 {
		return
	}
	now := s.now()
	for id, record := range s.records {
		if now.After(record.expiresAt) {
			delete(s.records, id)
		}
	}
}
