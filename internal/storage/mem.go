package storage

import (
	"context"
	"sync"
)

type memStore struct {
	mu     sync.Mutex
	data   map[string]map[string][]byte
	audit  []AuditEntry
	closed bool
}

// NewMemory returns a volatile Store. It backs the "memory" driver and tests.
func NewMemory() Store {
	return &memStore{data: map[string]map[string][]byte{}}
}

func (s *memStore) Load(ctx context.Context, collection string) (map[string][]byte, error) {
	_ = ctx
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(s.data[collection]))
	for k, v := range s.data[collection] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *memStore) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.data[collection][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *memStore) Put(ctx context.Context, collection, key string, value []byte) error {
	_ = ctx
	if err := checkCollection(collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m := s.data[collection]
	if m == nil {
		m = map[string][]byte{}
		s.data[collection] = m
	}
	m[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(ctx context.Context, collection, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data[collection], key)
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
