package control

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store and Locker for single-node setups
type MemoryStore struct {
	mu      sync.Mutex
	signals map[string]Signal
	locks   map[string]memoryLock
}

type memoryLock struct {
	token   string
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string]Signal),
		locks:   make(map[string]memoryLock),
	}
}

func (s *MemoryStore) Set(_ context.Context, jobID string, sig Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig == SignalNone {
		delete(s.signals, jobID)
	} else {
		s.signals[jobID] = sig
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[jobID], nil
}

func (s *MemoryStore) Clear(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, jobID)
	return nil
}

func (s *MemoryStore) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if l, ok := s.locks[key]; ok && now.Before(l.expires) {
		return "", false, nil
	}

	token := uuid.NewString()
	s.locks[key] = memoryLock{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && l.token == token {
		delete(s.locks, key)
	}
	return nil
}
