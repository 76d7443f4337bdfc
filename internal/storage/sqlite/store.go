// Package sqlite stores the offline event queue in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/queue"
	"github.com/ChuLiYu/sitepresence/pkg/types"

	_ "modernc.org/sqlite"
)

// Store is a queue.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ queue.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// synchronous(FULL) makes every committed insert durable before it returns.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema creates the queue table and its index.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queued_events (
			local_id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			latitude REAL,
			longitude REAL,
			event_time_ns INTEGER NOT NULL,
			event_time TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_at TEXT,
			is_synced INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT,
			created_at TEXT NOT NULL,
			synced_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queued_events_pending ON queued_events(is_synced, event_time_ns, local_id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Insert persists ev and returns its local id.
func (s *Store) Insert(ctx context.Context, ev types.QueuedEvent) (int64, error) {
	outcome := ev.Outcome
	if outcome == "" {
		outcome = types.OutcomePending
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_events (
			user_id, site_id, event_type, latitude, longitude,
			event_time_ns, event_time, retry_count, last_retry_at,
			is_synced, outcome, last_error, created_at, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID,
		string(ev.SiteID),
		string(ev.EventType),
		nullFloat(ev.Latitude),
		nullFloat(ev.Longitude),
		ev.Timestamp.UnixNano(),
		formatTime(ev.Timestamp),
		ev.RetryCount,
		nullTime(ev.LastRetryAt),
		ev.IsSynced,
		string(outcome),
		nullString(ev.LastError),
		formatTime(created),
		nullTime(ev.SyncedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert queued event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert queued event: %w", err)
	}
	return id, nil
}

const selectColumns = `local_id, user_id, site_id, event_type, latitude, longitude,
	event_time_ns, retry_count, last_retry_at, is_synced, outcome, last_error,
	created_at, synced_at`

// Pending returns unsynced events oldest first.
func (s *Store) Pending(ctx context.Context) ([]types.QueuedEvent, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM queued_events
		WHERE is_synced = 0 ORDER BY event_time_ns ASC, local_id ASC`)
}

// Rejected returns permanently failed events oldest first.
func (s *Store) Rejected(ctx context.Context) ([]types.QueuedEvent, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM queued_events
		WHERE outcome = ? ORDER BY event_time_ns ASC, local_id ASC`, string(types.OutcomeRejected))
}

func (s *Store) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	return s.update(ctx, `UPDATE queued_events
		SET is_synced = 1, outcome = ?, synced_at = ?
		WHERE local_id = ?`, string(types.OutcomeDelivered), formatTime(at), id)
}

func (s *Store) MarkRejected(ctx context.Context, id int64, reason string, at time.Time) error {
	return s.update(ctx, `UPDATE queued_events
		SET is_synced = 1, outcome = ?, last_error = ?, synced_at = ?
		WHERE local_id = ?`, string(types.OutcomeRejected), reason, formatTime(at), id)
}

func (s *Store) RecordRetry(ctx context.Context, id int64, reason string, at time.Time) error {
	return s.update(ctx, `UPDATE queued_events
		SET retry_count = retry_count + 1, last_retry_at = ?, last_error = ?
		WHERE local_id = ?`, formatTime(at), reason, id)
}

// CountPending counts unsynced events.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_events WHERE is_synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// DeleteSyncedBefore removes synced events with an event time before cutoff.
func (s *Store) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_events
		WHERE is_synced = 1 AND event_time_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete synced events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete synced events: %w", err)
	}
	return int(n), nil
}

func (s *Store) update(ctx context.Context, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update queued event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update queued event: %w", err)
	}
	if n == 0 {
		return queue.ErrEventNotFound
	}
	return nil
}

func (s *Store) query(ctx context.Context, stmt string, args ...any) ([]types.QueuedEvent, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query queued events: %w", err)
	}
	defer rows.Close()

	var out []types.QueuedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued events: %w", err)
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (types.QueuedEvent, error) {
	var (
		ev                  types.QueuedEvent
		siteID, kind, outc  string
		lat, lon            sql.NullFloat64
		eventNs             int64
		lastRetry, syncedAt sql.NullString
		lastErr             sql.NullString
		createdAt           string
	)
	if err := rows.Scan(&ev.LocalID, &ev.UserID, &siteID, &kind, &lat, &lon,
		&eventNs, &ev.RetryCount, &lastRetry, &ev.IsSynced, &outc, &lastErr,
		&createdAt, &syncedAt); err != nil {
		return ev, fmt.Errorf("scan queued event: %w", err)
	}

	ev.SiteID = types.SiteID(siteID)
	ev.EventType = types.TransitionKind(kind)
	ev.Outcome = types.DeliveryOutcome(outc)
	ev.Timestamp = time.Unix(0, eventNs).UTC()
	ev.LastError = lastErr.String
	if lat.Valid {
		v := lat.Float64
		ev.Latitude = &v
	}
	if lon.Valid {
		v := lon.Float64
		ev.Longitude = &v
	}

	var err error
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return ev, err
	}
	if ev.LastRetryAt, err = parseNullTime(lastRetry); err != nil {
		return ev, err
	}
	if ev.SyncedAt, err = parseNullTime(syncedAt); err != nil {
		return ev, err
	}
	return ev, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
