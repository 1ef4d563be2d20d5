// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trendpulse/go-offsync/offsync"
)

// SaveSnapshot upserts a locally cached remote entity version.
func (s *Store) SaveSnapshot(ctx context.Context, snap *offsync.EntitySnapshot) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cachedAt := snap.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_entity_cache (entity_id, payload, deleted, updated_at, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			payload = excluded.payload,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at,
			cached_at = excluded.cached_at
	`, snap.EntityID, nullableText(snap.Payload), boolToInt(snap.Deleted),
		encodeTime(snap.UpdatedAt), encodeTime(cachedAt))
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", snap.EntityID, err)
	}
	return nil
}

// GetSnapshot returns the cached version of an entity, or
// offsync.ErrSnapshotNotFound.
func (s *Store) GetSnapshot(ctx context.Context, entityID string) (*offsync.EntitySnapshot, error) {
	return s.getSnapshot(ctx, entityID, 0)
}

// GetSnapshotMaxAge is GetSnapshot with a freshness bound: snapshots
// cached longer than maxAge ago count as absent.
func (s *Store) GetSnapshotMaxAge(ctx context.Context, entityID string, maxAge time.Duration) (*offsync.EntitySnapshot, error) {
	return s.getSnapshot(ctx, entityID, maxAge)
}

func (s *Store) getSnapshot(ctx context.Context, entityID string, maxAge time.Duration) (*offsync.EntitySnapshot, error) {
	var (
		snap                offsync.EntitySnapshot
		payload             sql.NullString
		deleted             int
		updatedAt, cachedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, payload, deleted, updated_at, cached_at
		FROM _sync_entity_cache WHERE entity_id = ?
	`, entityID).Scan(&snap.EntityID, &payload, &deleted, &updatedAt, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, offsync.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot for %s: %w", entityID, err)
	}

	if payload.Valid {
		snap.Payload = []byte(payload.String)
	}
	snap.Deleted = deleted != 0
	if snap.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at for snapshot %s: %w", entityID, err)
	}
	if snap.CachedAt, err = decodeTime(cachedAt); err != nil {
		return nil, fmt.Errorf("bad cached_at for snapshot %s: %w", entityID, err)
	}

	if maxAge > 0 && time.Since(snap.CachedAt) > maxAge {
		return nil, offsync.ErrSnapshotNotFound
	}
	return &snap, nil
}

// PruneSnapshots deletes snapshots cached before the cutoff and returns
// how many were removed.
func (s *Store) PruneSnapshots(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := encodeTime(time.Now().UTC().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, `DELETE FROM _sync_entity_cache WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned snapshots: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
