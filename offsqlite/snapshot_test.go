// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trendpulse/go-offsync/offsync"
)

func TestSnapshotSaveGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSnapshot(ctx, &offsync.EntitySnapshot{
		EntityID:  "trend-1",
		Payload:   []byte(`{"title":"cached"}`),
		UpdatedAt: updated,
	}))

	snap, err := store.GetSnapshot(ctx, "trend-1")
	require.NoError(t, err)
	require.Equal(t, "trend-1", snap.EntityID)
	require.JSONEq(t, `{"title":"cached"}`, string(snap.Payload))
	require.True(t, updated.Equal(snap.UpdatedAt))
	// CachedAt defaults to the write time.
	require.False(t, snap.CachedAt.IsZero())
}

func TestSnapshotGetMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetSnapshot(context.Background(), "nope")
	require.ErrorIs(t, err, offsync.ErrSnapshotNotFound)
}

func TestSnapshotUpsertReplacesPayload(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSnapshot(ctx, &offsync.EntitySnapshot{
		EntityID: "trend-1", Payload: []byte(`{"v":1}`), UpdatedAt: base,
	}))
	require.NoError(t, store.SaveSnapshot(ctx, &offsync.EntitySnapshot{
		EntityID: "trend-1", Payload: []byte(`{"v":2}`), UpdatedAt: base.Add(time.Minute), Deleted: true,
	}))

	snap, err := store.GetSnapshot(ctx, "trend-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(snap.Payload))
	require.True(t, snap.Deleted)
	require.True(t, base.Add(time.Minute).Equal(snap.UpdatedAt))
}

func TestSnapshotMaxAge(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.SaveSnapshot(ctx, &offsync.EntitySnapshot{
		EntityID:  "fresh",
		Payload:   []byte(`{}`),
		UpdatedAt: time.Now().UTC(),
		CachedAt:  time.Now().UTC(),
	}))
	require.NoError(t, store.SaveSnapshot(ctx, &offsync.EntitySnapshot{
		EntityID:  "stale",
		Payload:   []byte(`{}`),
		UpdatedAt: time.Now().UTC(),
		CachedAt:  time.Now().UTC().Add(-2 * time.Hour),
	}))

	_, err := store.GetSnapshotMaxAge(ctx, "fresh", time.Hour)
	require.NoError(t, err)

	_, err = store.GetSnapshotMaxAge(ctx, "stale", time.Hour)
	require.ErrorIs(t, err, offsync.ErrSnapshotNotFound)

	// A zero max age disables the freshness bound.
	_, err = store.GetSnapshotMaxAge(ctx, "stale", 0)
	require.NoError(t, err)
}

func TestSnapshotPrune(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.SaveSnapshot(ctx, &offsync.EntitySnapshot{
		EntityID: "old", Payload: []byte(`{}`),
		UpdatedAt: time.Now().UTC(), CachedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))
	require.NoError(t, store.SaveSnapshot(ctx, &offsync.EntitySnapshot{
		EntityID: "recent", Payload: []byte(`{}`),
		UpdatedAt: time.Now().UTC(), CachedAt: time.Now().UTC(),
	}))

	pruned, err := store.PruneSnapshots(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	_, err = store.GetSnapshot(ctx, "old")
	require.ErrorIs(t, err, offsync.ErrSnapshotNotFound)
	_, err = store.GetSnapshot(ctx, "recent")
	require.NoError(t, err)
}
