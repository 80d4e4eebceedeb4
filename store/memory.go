package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
)

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*humanfn.ExecutionRecord
	wakeups map[string]humanfn.Wakeup
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*humanfn.ExecutionRecord),
		wakeups: make(map[string]humanfn.Wakeup),
	}
}

// Load returns a cloned record.
func (s *MemoryStore) Load(_ context.Context, id string) (*humanfn.ExecutionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec == nil {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Save performs compare-and-set persistence.
func (s *MemoryStore) Save(_ context.Context, rec *humanfn.ExecutionRecord, expectedVersion int) (int, error) {
	if s == nil {
		return 0, errors.New("in-memory store not configured")
	}
	next, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	version, err := applyVersion(next, s.records[next.ExecutionID], expectedVersion)
	if err != nil {
		return 0, err
	}
	s.records[next.ExecutionID] = next
	return version, nil
}

// List returns records matching filter, newest first.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*humanfn.ExecutionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	s.mu.RLock()
	out := make([]*humanfn.ExecutionRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutWakeup replaces the wake-up slot for the execution.
func (s *MemoryStore) PutWakeup(_ context.Context, w humanfn.Wakeup) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	w, err := normalizeWakeup(w)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeups[w.ExecutionID] = w
	return nil
}

// GetWakeup returns the armed wake-up, or nil.
func (s *MemoryStore) GetWakeup(_ context.Context, executionID string) (*humanfn.Wakeup, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wakeups[strings.TrimSpace(executionID)]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

// DeleteWakeup removes the slot when token matches.
func (s *MemoryStore) DeleteWakeup(_ context.Context, executionID, token string) (bool, error) {
	if s == nil {
		return false, errors.New("in-memory store not configured")
	}
	executionID = strings.TrimSpace(executionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wakeups[executionID]
	if !ok {
		return false, nil
	}
	if token != "" && w.Token != token {
		return false, nil
	}
	delete(s.wakeups, executionID)
	return true, nil
}

// DueWakeups returns wake-ups due at now, oldest first.
func (s *MemoryStore) DueWakeups(_ context.Context, now time.Time, limit int) ([]humanfn.Wakeup, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	return s.collectWakeups(func(w humanfn.Wakeup) bool { return !w.ScheduledFor.After(now) }, limit), nil
}

// PendingWakeups returns every armed wake-up, oldest first.
func (s *MemoryStore) PendingWakeups(_ context.Context, limit int) ([]humanfn.Wakeup, error) {
	if s == nil {
		return nil, errors.New("in-memory store not configured")
	}
	return s.collectWakeups(func(humanfn.Wakeup) bool { return true }, limit), nil
}

func (s *MemoryStore) collectWakeups(keep func(humanfn.Wakeup) bool, limit int) []humanfn.Wakeup {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	out := make([]humanfn.Wakeup, 0)
	for _, w := range s.wakeups {
		if keep(w) {
			out = append(out, w)
		}
	}
	s.mu.RUnlock()
	sortWakeups(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortWakeups(list []humanfn.Wakeup) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ScheduledFor.Equal(list[j].ScheduledFor) {
			return list[i].ExecutionID < list[j].ExecutionID
		}
		return list[i].ScheduledFor.Before(list[j].ScheduledFor)
	})
}
