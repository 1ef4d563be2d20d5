// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Resolution outcomes.
const (
	// OutcomeRemoteWins discards the local mutation; Merged holds the
	// winning remote payload with local-only fields folded in.
	OutcomeRemoteWins = "remote_wins"

	// OutcomeRetryLocal re-applies the local mutation, rebased onto the
	// remote version carried in BasedOn.
	OutcomeRetryLocal = "retry_local"

	// OutcomeStaleTarget discards the mutation because its target no
	// longer exists remotely.
	OutcomeStaleTarget = "stale_target"
)

// Resolution is the decision for one conflict candidate.
type Resolution struct {
	Outcome string
	Merged  json.RawMessage // payload to cache (remote_wins) or re-apply (retry_local)
	BasedOn time.Time       // new base version for retry_local
	Changed bool            // retry_local only: payload differs from the attempted one
}

// ConflictResolver decides, given a locally queued mutation and the
// current remote version of the same entity, which side wins and how
// local-only fields are merged. Resolve must be a pure function of its
// inputs: the same (local, remote) pair always yields the same result.
type ConflictResolver interface {
	Resolve(local *PendingAction, remote *EntityVersion) (*Resolution, error)
}

// LastWriteWins resolves by server timestamp: the remote version wins when
// its updated_at is newer than the base version the local mutation was
// computed against, except for fields listed in LocalOnlyFields, which are
// merged from the local payload into the winning version.
//
// This is intentionally last-writer-wins under loosely synchronized
// clocks: concurrent edits from two offline devices will silently prefer
// the one that reaches the server last. No vector clocks, no CRDT merge.
type LastWriteWins struct {
	// LocalOnlyFields never exist on the server and survive a remote win,
	// e.g. a client-generated correlation id.
	LocalOnlyFields []string
}

// DefaultLocalOnlyFields are the client-side bookkeeping fields preserved
// across remote wins.
var DefaultLocalOnlyFields = []string{"local_id", "sync_status"}

// NewLastWriteWins returns the default resolver. A nil field list uses
// DefaultLocalOnlyFields.
func NewLastWriteWins(localOnlyFields []string) *LastWriteWins {
	if localOnlyFields == nil {
		localOnlyFields = DefaultLocalOnlyFields
	}
	return &LastWriteWins{LocalOnlyFields: localOnlyFields}
}

// Resolve implements ConflictResolver.
func (r *LastWriteWins) Resolve(local *PendingAction, remote *EntityVersion) (*Resolution, error) {
	if remote == nil || remote.Deleted {
		return &Resolution{Outcome: OutcomeStaleTarget}, nil
	}

	if remote.UpdatedAt.After(local.BasedOn) {
		merged, err := mergeLocalOnlyFields(remote.Payload, local.Payload, r.LocalOnlyFields)
		if err != nil {
			return nil, fmt.Errorf("failed to merge local-only fields: %w", err)
		}
		return &Resolution{Outcome: OutcomeRemoteWins, Merged: merged, BasedOn: remote.UpdatedAt}, nil
	}

	// Local still reflects the remote state it was computed against
	// (version mismatch without a newer timestamp, e.g. an equal-clock
	// race the server refused). Rebase and try again unchanged.
	return &Resolution{
		Outcome: OutcomeRetryLocal,
		Merged:  local.Payload,
		BasedOn: remote.UpdatedAt,
		Changed: false,
	}, nil
}

// mergeLocalOnlyFields copies the named fields from the local payload into
// the remote one. Field order is fixed by the configuration and
// json.Marshal sorts object keys, so the output is deterministic.
func mergeLocalOnlyFields(remote, local json.RawMessage, fields []string) (json.RawMessage, error) {
	if len(fields) == 0 || len(local) == 0 {
		return remote, nil
	}

	var remoteMap map[string]any
	if len(remote) > 0 {
		m, err := decodeObject(remote)
		if err != nil {
			return nil, fmt.Errorf("invalid remote payload: %w", err)
		}
		remoteMap = m
	}
	if remoteMap == nil {
		remoteMap = make(map[string]any)
	}

	localMap, err := decodeObject(local)
	if err != nil {
		return nil, fmt.Errorf("invalid local payload: %w", err)
	}

	for _, f := range fields {
		if v, ok := localMap[f]; ok {
			remoteMap[f] = v
		}
	}

	out, err := json.Marshal(remoteMap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	return out, nil
}

// decodeObject unmarshals with UseNumber so numeric values round-trip
// verbatim instead of passing through float64.
func decodeObject(data json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
