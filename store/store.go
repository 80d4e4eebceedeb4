package store

import (
	"context"
	"errors"
	"strings"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
)

var (
	// ErrStateVersionConflict indicates optimistic-lock compare-and-set failure.
	ErrStateVersionConflict = errors.New("state version conflict")
)

// RecordStore persists execution records with optimistic locking.
type RecordStore interface {
	// Load returns nil, nil when the execution does not exist.
	Load(ctx context.Context, id string) (*humanfn.ExecutionRecord, error)
	// Save writes rec when the stored version equals expectedVersion
	// (0 inserts) and returns the new version.
	Save(ctx context.Context, rec *humanfn.ExecutionRecord, expectedVersion int) (int, error)
	List(ctx context.Context, filter ListFilter) ([]*humanfn.ExecutionRecord, error)
}

// WakeupStore persists the single deferred wake-up slot of each execution.
type WakeupStore interface {
	PutWakeup(ctx context.Context, w humanfn.Wakeup) error
	GetWakeup(ctx context.Context, executionID string) (*humanfn.Wakeup, error)
	// DeleteWakeup removes the slot when token matches; an empty token
	// removes unconditionally.
	DeleteWakeup(ctx context.Context, executionID, token string) (bool, error)
	// DueWakeups returns wake-ups scheduled at or before now, oldest first.
	DueWakeups(ctx context.Context, now time.Time, limit int) ([]humanfn.Wakeup, error)
	// PendingWakeups returns every armed wake-up, oldest first.
	PendingWakeups(ctx context.Context, limit int) ([]humanfn.Wakeup, error)
}

// Store is the full durable store.
type Store interface {
	RecordStore
	WakeupStore
}

// ListFilter narrows List results.
type ListFilter struct {
	Status   humanfn.Status
	Function string
	Limit    int
}

func (f ListFilter) matches(rec *humanfn.ExecutionRecord) bool {
	if rec == nil {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if fn := strings.TrimSpace(f.Function); fn != "" && rec.FunctionName != fn {
		return false
	}
	return true
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

func normalizeRecord(rec *humanfn.ExecutionRecord) (*humanfn.ExecutionRecord, error) {
	rec = rec.Clone()
	if rec == nil {
		return nil, errors.New("execution record required")
	}
	rec.ExecutionID = strings.TrimSpace(rec.ExecutionID)
	if rec.ExecutionID == "" {
		return nil, errors.New("execution record id required")
	}
	if rec.Status == "" {
		return nil, errors.New("execution record status required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return rec, nil
}

func applyVersion(rec *humanfn.ExecutionRecord, current *humanfn.ExecutionRecord, expectedVersion int) (int, error) {
	if expectedVersion < 0 {
		expectedVersion = 0
	}
	if current == nil {
		if expectedVersion != 0 {
			return 0, ErrStateVersionConflict
		}
		rec.Version = 1
		return 1, nil
	}
	if current.Version != expectedVersion {
		return 0, ErrStateVersionConflict
	}
	rec.Version = expectedVersion + 1
	return rec.Version, nil
}

func normalizeWakeup(w humanfn.Wakeup) (humanfn.Wakeup, error) {
	w.ExecutionID = strings.TrimSpace(w.ExecutionID)
	if w.ExecutionID == "" {
		return w, errors.New("wake-up execution id required")
	}
	switch w.Kind {
	case humanfn.WakeupTimeout, humanfn.WakeupRetry:
	default:
		return w, errors.New("wake-up kind must be timeout or retry")
	}
	if w.ScheduledFor.IsZero() {
		return w, errors.New("wake-up scheduled time required")
	}
	w.ScheduledFor = w.ScheduledFor.UTC()
	return w, nil
}
