package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"underwriter/internal/domain"
	"underwriter/internal/kv"
)

// Repo is the SQLite persistence layer. It implements kv.Store over the kv
// table and reads the audit trail written by events.Writer.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = kv.ErrNotFound

var _ kv.Store = Repo{}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expires sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key=?`, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid && expires.Int64 <= r.now().UnixMilli() {
		_, _ = r.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=? AND expires_at=?`, key, expires.Int64)
		return nil, ErrNotFound
	}
	return value, nil
}

func (r Repo) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := r.now()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).UnixMilli()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO kv(key,value,expires_at,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		key, value, expires, now.UTC().Format(time.RFC3339Nano))
	return err
}

func (r Repo) Delete(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key)
	return err
}

func (r Repo) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?) ORDER BY key`,
		escapeLike(prefix)+"%", r.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Purge deletes expired entries and reports how many were removed.
func (r Repo) Purge(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, r.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// EventFilters narrows audit trail queries.
type EventFilters struct {
	RunID string
	Type  string
	Limit int
}

// LatestEvents returns the newest audit events matching f, newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.AuditEvent, error) {
	q := `SELECT id,ts,type,run_id,COALESCE(stage,''),description,payload_json FROM audit_events WHERE 1=1`
	var args []any
	if f.RunID != "" {
		q += ` AND run_id=?`
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		q += ` AND type=?`
		args = append(args, f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, q, args...)
}

// EventsForRun returns the audit trail of one run in emission order.
func (r Repo) EventsForRun(ctx context.Context, runID string) ([]domain.AuditEvent, error) {
	return r.queryEvents(ctx, `SELECT id,ts,type,run_id,COALESCE(stage,''),description,payload_json FROM audit_events WHERE run_id=? ORDER BY id`, runID)
}

func (r Repo) queryEvents(ctx context.Context, q string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Stage, &e.Description, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
