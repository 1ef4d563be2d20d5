// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
)

// ErrActionNotFound is returned by DurableStore.Get for an unknown id.
var ErrActionNotFound = errors.New("offsync: action not found")

// ErrSnapshotNotFound is returned by SnapshotStore.GetSnapshot when no
// fresh-enough snapshot exists for an entity.
var ErrSnapshotNotFound = errors.New("offsync: snapshot not found")

// DurableStore persists pending actions across process restarts. It is the
// single source of truth; the Queue index is rebuilt from it on startup.
//
// All writes must be atomic per action id: a crash between a Put and an
// index update must not lose the action, and a failed write must not
// corrupt sibling entries.
type DurableStore interface {
	// Put inserts or replaces the action under its id.
	Put(ctx context.Context, action *PendingAction) error

	// Get returns the action by id, or ErrActionNotFound.
	Get(ctx context.Context, id string) (*PendingAction, error)

	// ListAll enumerates every non-dead-lettered action.
	ListAll(ctx context.Context) ([]*PendingAction, error)

	// Remove deletes the action by id. Removing an absent id is not an error.
	Remove(ctx context.Context, id string) error

	// MoveToDeadLetter atomically removes the action from the pending set
	// and records it in the dead-letter store with a reason.
	MoveToDeadLetter(ctx context.Context, action *PendingAction, reason, message string) error

	// ListDeadLettered enumerates the dead-letter store.
	ListDeadLettered(ctx context.Context) ([]*DeadLetteredAction, error)

	// RemoveDeadLettered deletes a dead-lettered action, used by the
	// manual retry hook.
	RemoveDeadLettered(ctx context.Context, id string) error
}

// SnapshotStore is an optional extension of DurableStore for caching
// remote entity versions locally. The engine persists conflict winners
// through it when the configured store implements it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *EntitySnapshot) error
	GetSnapshot(ctx context.Context, entityID string) (*EntitySnapshot, error)
}
