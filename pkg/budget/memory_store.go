package budget

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage implements Storage in memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	budgets map[string]*Budget
	limits  map[string]int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		budgets: make(map[string]*Budget),
		limits:  make(map[string]int64),
	}
}

func (s *MemoryStorage) Get(ctx context.Context, scope string) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.budgets[scope]; ok {
		val := *b
		return &val, nil
	}
	return nil, nil
}

func (s *MemoryStorage) Reserve(ctx context.Context, scope, day string, delta, limit int64, now time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var used int64
	if b, ok := s.budgets[scope]; ok && b.Day == day {
		used = b.DailyUsed
	}
	next := max(used+delta, 0)
	if delta > 0 && next > limit {
		return used, false, nil
	}
	s.budgets[scope] = &Budget{Scope: scope, DailyUsed: next, Day: day, LastUpdated: now}
	return next, true, nil
}

func (s *MemoryStorage) Limit(ctx context.Context, scope string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.limits[scope]
	return l, ok, nil
}

func (s *MemoryStorage) SetLimit(ctx context.Context, scope string, daily int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[scope] = daily
	return nil
}
