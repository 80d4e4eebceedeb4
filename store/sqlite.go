package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
)

// SQLiteStore persists records and wake-ups through database/sql. The caller
// registers the driver (modernc.org/sqlite in this module).
type SQLiteStore struct {
	db          *sql.DB
	recordTable string
	wakeupTable string

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewSQLiteStore builds a store; prefix namespaces both tables.
func NewSQLiteStore(db *sql.DB, prefix string) *SQLiteStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "humanfn_"
	}
	return &SQLiteStore{
		db:          db,
		recordTable: prefix + "executions",
		wakeupTable: prefix + "wakeups",
	}
}

// Load reads the record for id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*humanfn.ExecutionRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT version, payload FROM %s WHERE execution_id = ?`, s.recordTable)
	var version int
	var payload string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(version, payload)
}

// Save writes rec using optimistic version compare.
func (s *SQLiteStore) Save(ctx context.Context, rec *humanfn.ExecutionRecord, expectedVersion int) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	next, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}
	if expectedVersion < 0 {
		expectedVersion = 0
	}
	next.Version = expectedVersion + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return 0, err
	}

	var result sql.Result
	if expectedVersion == 0 {
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (execution_id, function_name, status, version, payload, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?, ?)`, s.recordTable)
		result, err = s.db.ExecContext(ctx, q,
			next.ExecutionID,
			next.FunctionName,
			string(next.Status),
			string(payload),
			next.CreatedAt.UTC().UnixNano(),
			formatTimestamp(next.UpdatedAt),
		)
	} else {
		q := fmt.Sprintf(`UPDATE %s SET function_name=?, status=?, version=?, payload=?, updated_at=? WHERE execution_id=? AND version=?`, s.recordTable)
		result, err = s.db.ExecContext(ctx, q,
			next.FunctionName,
			string(next.Status),
			next.Version,
			string(payload),
			formatTimestamp(next.UpdatedAt),
			next.ExecutionID,
			expectedVersion,
		)
	}
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, ErrStateVersionConflict
	}
	return next.Version, nil
}

// List returns records matching filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*humanfn.ExecutionRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if fn := strings.TrimSpace(filter.Function); fn != "" {
		where = append(where, "function_name = ?")
		args = append(args, fn)
	}
	q := fmt.Sprintf(`SELECT version, payload FROM %s`, s.recordTable)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, execution_id ASC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*humanfn.ExecutionRecord
	for rows.Next() {
		var version int
		var payload string
		if err := rows.Scan(&version, &payload); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(version, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutWakeup replaces the wake-up slot for the execution.
func (s *SQLiteStore) PutWakeup(ctx context.Context, w humanfn.Wakeup) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	w, err := normalizeWakeup(w)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (execution_id, kind, scheduled_for, token) VALUES (?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET kind=excluded.kind, scheduled_for=excluded.scheduled_for, token=excluded.token`, s.wakeupTable)
	_, err = s.db.ExecContext(ctx, q, w.ExecutionID, string(w.Kind), w.ScheduledFor.UnixNano(), w.Token)
	return err
}

// GetWakeup returns the armed wake-up, or nil.
func (s *SQLiteStore) GetWakeup(ctx context.Context, executionID string) (*humanfn.Wakeup, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT execution_id, kind, scheduled_for, token FROM %s WHERE execution_id = ?`, s.wakeupTable)
	w, err := scanWakeup(s.db.QueryRowContext(ctx, q, strings.TrimSpace(executionID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// DeleteWakeup removes the slot when token matches.
func (s *SQLiteStore) DeleteWakeup(ctx context.Context, executionID, token string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	executionID = strings.TrimSpace(executionID)
	var (
		result sql.Result
		err    error
	)
	if token == "" {
		q := fmt.Sprintf(`DELETE FROM %s WHERE execution_id = ?`, s.wakeupTable)
		result, err = s.db.ExecContext(ctx, q, executionID)
	} else {
		q := fmt.Sprintf(`DELETE FROM %s WHERE execution_id = ? AND token = ?`, s.wakeupTable)
		result, err = s.db.ExecContext(ctx, q, executionID, token)
	}
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// DueWakeups returns wake-ups due at now, oldest first.
func (s *SQLiteStore) DueWakeups(ctx context.Context, now time.Time, limit int) ([]humanfn.Wakeup, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT execution_id, kind, scheduled_for, token FROM %s WHERE scheduled_for <= ? ORDER BY scheduled_for ASC, execution_id ASC LIMIT ?`, s.wakeupTable)
	return s.queryWakeups(ctx, q, now.UTC().UnixNano(), limit)
}

// PendingWakeups returns every armed wake-up, oldest first.
func (s *SQLiteStore) PendingWakeups(ctx context.Context, limit int) ([]humanfn.Wakeup, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT execution_id, kind, scheduled_for, token FROM %s ORDER BY scheduled_for ASC, execution_id ASC LIMIT ?`, s.wakeupTable)
	return s.queryWakeups(ctx, q, limit)
}

func (s *SQLiteStore) queryWakeups(ctx context.Context, q string, args ...any) ([]humanfn.Wakeup, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []humanfn.Wakeup
	for rows.Next() {
		w, err := scanWakeup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	s.schemaReady = true
	return nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	recordDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		execution_id TEXT PRIMARY KEY,
		function_name TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.recordTable)
	if _, err := s.db.ExecContext(ctx, recordDDL); err != nil {
		return err
	}
	wakeupDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		execution_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		scheduled_for INTEGER NOT NULL,
		token TEXT
	)`, s.wakeupTable)
	if _, err := s.db.ExecContext(ctx, wakeupDDL); err != nil {
		return err
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_due ON %s (scheduled_for)`, s.wakeupTable, s.wakeupTable)
	_, err := s.db.ExecContext(ctx, index)
	return err
}

type sqlRowScanner interface {
	Scan(dest ...any) error
}

func scanWakeup(row sqlRowScanner) (humanfn.Wakeup, error) {
	var (
		w     humanfn.Wakeup
		kind  string
		due   int64
		token sql.NullString
	)
	if err := row.Scan(&w.ExecutionID, &kind, &due, &token); err != nil {
		return humanfn.Wakeup{}, err
	}
	w.Kind = humanfn.WakeupKind(kind)
	w.ScheduledFor = time.Unix(0, due).UTC()
	w.Token = token.String
	return w, nil
}

func decodeRecord(version int, payload string) (*humanfn.ExecutionRecord, error) {
	var rec humanfn.ExecutionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode execution record: %w", err)
	}
	rec.Version = version
	return &rec, nil
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}
