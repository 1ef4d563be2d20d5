// Package offsqlite binds the offsync durable-store contract to SQLite:
// pending actions, the dead-letter store and the entity snapshot cache
// live in metadata tables inside the application's database file and
// survive process restarts.
// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/trendpulse/go-offsync/offsync"
)

// Store is the SQLite-backed durable store. All writes are serialized to
// avoid SQLite locking issues; reads may run concurrently.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	ownsDB  bool
}

var (
	_ offsync.DurableStore  = (*Store)(nil)
	_ offsync.SnapshotStore = (*Store)(nil)
)

// Open opens (or creates) a store at path. Use ":memory:" for an
// ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewStore wraps a caller-owned database handle. The sync metadata tables
// are created if missing, and actions left in_flight by a crash are
// demoted to pending so a reload sees the same pending set as before.
func NewStore(db *sql.DB) (*Store, error) {
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{db: db}, nil
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _sync_pending_actions (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			entity_id   TEXT NOT NULL DEFAULT '',
			payload     TEXT,
			based_on    TEXT NOT NULL DEFAULT '',
			priority    INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','in_flight')),
			created_at  TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS _sync_dead_letter (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			entity_id   TEXT NOT NULL DEFAULT '',
			payload     TEXT,
			priority    INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			reason      TEXT NOT NULL,
			message     TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			failed_at   TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS _sync_entity_cache (
			entity_id  TEXT PRIMARY KEY,
			payload    TEXT,
			deleted    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			cached_at  TEXT NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	// Crash recovery: nothing may stay in_flight across a restart.
	if _, err := db.Exec(`UPDATE _sync_pending_actions SET status = 'pending' WHERE status = 'in_flight'`); err != nil {
		return fmt.Errorf("failed to demote in-flight actions: %w", err)
	}
	return nil
}

// Close closes the underlying handle when the store opened it itself.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Put inserts or replaces the action under its id in a single upsert
// statement, so a partial write can never corrupt the row.
func (s *Store) Put(ctx context.Context, action *offsync.PendingAction) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_pending_actions (id, kind, entity_id, payload, based_on, priority, retry_count, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			entity_id = excluded.entity_id,
			payload = excluded.payload,
			based_on = excluded.based_on,
			priority = excluded.priority,
			retry_count = excluded.retry_count,
			status = excluded.status,
			created_at = excluded.created_at
	`, action.ID, string(action.Kind), action.EntityID, nullableText(action.Payload),
		encodeTime(action.BasedOn), action.Priority, action.RetryCount,
		string(action.Status), encodeTime(action.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to put action %s: %w", action.ID, err)
	}
	return nil
}

// Get returns the action by id, or offsync.ErrActionNotFound.
func (s *Store) Get(ctx context.Context, id string) (*offsync.PendingAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, entity_id, payload, based_on, priority, retry_count, status, created_at
		FROM _sync_pending_actions WHERE id = ?
	`, id)
	action, err := scanAction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, offsync.ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action %s: %w", id, err)
	}
	return action, nil
}

// ListAll enumerates every pending or in-flight action, oldest first
// within each priority band.
func (s *Store) ListAll(ctx context.Context) ([]*offsync.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, entity_id, payload, based_on, priority, retry_count, status, created_at
		FROM _sync_pending_actions
		ORDER BY priority DESC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*offsync.PendingAction
	for rows.Next() {
		action, err := scanAction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}

// Remove deletes the action by id.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM _sync_pending_actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove action %s: %w", id, err)
	}
	return nil
}

// MoveToDeadLetter records the action in the dead-letter table and removes
// it from the pending table in one transaction.
func (s *Store) MoveToDeadLetter(ctx context.Context, action *offsync.PendingAction, reason, message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_dead_letter (id, kind, entity_id, payload, priority, retry_count, reason, message, created_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			retry_count = excluded.retry_count,
			reason = excluded.reason,
			message = excluded.message,
			failed_at = excluded.failed_at
	`, action.ID, string(action.Kind), action.EntityID, nullableText(action.Payload),
		action.Priority, action.RetryCount, reason, message,
		encodeTime(action.CreatedAt), encodeTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to insert dead-lettered action %s: %w", action.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_pending_actions WHERE id = ?`, action.ID); err != nil {
		return fmt.Errorf("failed to remove pending action %s: %w", action.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter transaction: %w", err)
	}
	return nil
}

// ListDeadLettered enumerates the dead-letter store, most recent first.
func (s *Store) ListDeadLettered(ctx context.Context) ([]*offsync.DeadLetteredAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, entity_id, payload, priority, retry_count, reason, message, created_at, failed_at
		FROM _sync_dead_letter
		ORDER BY failed_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-lettered actions: %w", err)
	}
	defer rows.Close()

	var dead []*offsync.DeadLetteredAction
	for rows.Next() {
		var (
			d                         offsync.DeadLetteredAction
			kind, createdAt, failedAt string
			payload                   sql.NullString
		)
		if err := rows.Scan(&d.ID, &kind, &d.EntityID, &payload, &d.Priority,
			&d.RetryCount, &d.Reason, &d.Message, &createdAt, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead-lettered action: %w", err)
		}
		d.Kind = offsync.ActionKind(kind)
		d.Status = offsync.StatusDeadLettered
		if payload.Valid {
			d.Payload = []byte(payload.String)
		}
		if d.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, fmt.Errorf("bad created_at for %s: %w", d.ID, err)
		}
		if d.FailedAt, err = decodeTime(failedAt); err != nil {
			return nil, fmt.Errorf("bad failed_at for %s: %w", d.ID, err)
		}
		dead = append(dead, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead-lettered actions: %w", err)
	}
	return dead, nil
}

// RemoveDeadLettered deletes a dead-lettered action by id.
func (s *Store) RemoveDeadLettered(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM _sync_dead_letter WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove dead-lettered action %s: %w", id, err)
	}
	return nil
}

func scanAction(scan func(dest ...any) error) (*offsync.PendingAction, error) {
	var (
		a                  offsync.PendingAction
		kind, status       string
		basedOn, createdAt string
		payload            sql.NullString
	)
	if err := scan(&a.ID, &kind, &a.EntityID, &payload, &basedOn,
		&a.Priority, &a.RetryCount, &status, &createdAt); err != nil {
		return nil, err
	}
	a.Kind = offsync.ActionKind(kind)
	a.Status = offsync.ActionStatus(status)
	if payload.Valid {
		a.Payload = []byte(payload.String)
	}
	var err error
	if a.BasedOn, err = decodeTime(basedOn); err != nil {
		return nil, fmt.Errorf("bad based_on for %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for %s: %w", a.ID, err)
	}
	return &a, nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
