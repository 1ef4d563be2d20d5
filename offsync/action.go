// Package offsync implements an offline-first mutation synchronization
// engine: a durable pending-action queue, a connectivity-aware sync
// processor with retry/backoff and dead-lettering, and last-write-wins
// conflict resolution against a remote system of record.
//
// The remote side is abstracted behind the RemoteApplier interface; storage
// is abstracted behind DurableStore (see the offsqlite package for the
// SQLite binding).
// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"time"
)

// ActionKind identifies the remote operation a pending action maps to.
type ActionKind string

const (
	KindCreateEntity  ActionKind = "CREATE_ENTITY"
	KindUpdateEntity  ActionKind = "UPDATE_ENTITY"
	KindDeleteEntity  ActionKind = "DELETE_ENTITY"
	KindSubmitVote    ActionKind = "SUBMIT_VOTE"
	KindCreateSession ActionKind = "CREATE_SESSION"
)

// ActionStatus tracks a pending action through its lifetime. Completed
// actions are removed from the store immediately and never persisted.
type ActionStatus string

const (
	StatusPending      ActionStatus = "pending"
	StatusInFlight     ActionStatus = "in_flight"
	StatusCompleted    ActionStatus = "completed"
	StatusDeadLettered ActionStatus = "dead_lettered"
)

// Dead-letter reason constants. retries_exhausted marks actions that hit
// the retry cap; the others mark permanent failures recorded on first
// occurrence so they stay distinguishable from exhaustion.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonServerRejected   = "server_rejected"
	ReasonTargetMissing    = "target_missing"
	ReasonBadPayload       = "bad_payload"
)

// PendingAction is a single queued mutation intent. The durable store owns
// the canonical copy; the in-memory queue is a derived index.
type PendingAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	BasedOn    time.Time       `json:"based_on,omitempty"` // remote updated_at the mutation was computed against
	Priority   int             `json:"priority"`
	RetryCount int             `json:"retry_count"`
	Status     ActionStatus    `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Clone returns a shallow copy with its own Payload slice, so callers
// holding the result cannot mutate queue state.
func (a *PendingAction) Clone() *PendingAction {
	cp := *a
	if a.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	return &cp
}

// DeadLetteredAction is a pending action moved to the dead-letter store,
// retained for manual inspection and retry.
type DeadLetteredAction struct {
	PendingAction
	Reason   string    `json:"reason"`
	Message  string    `json:"message,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// EntitySnapshot is a locally cached copy of a remote entity version.
type EntitySnapshot struct {
	EntityID  string          `json:"entity_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	CachedAt  time.Time       `json:"cached_at"`
}
