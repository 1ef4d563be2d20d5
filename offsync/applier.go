// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EntityVersion is the remote system's view of an entity after (or instead
// of) applying a mutation.
type EntityVersion struct {
	EntityID  string          `json:"entity_id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RemoteApplier performs the actual network mutation for one action. Each
// action kind must map to exactly one idempotent-if-retried remote
// operation; the action id travels in the payload as the idempotency key.
//
// Errors should be *ApplyError values; anything else is classified as
// transient and retried with backoff.
type RemoteApplier interface {
	Apply(ctx context.Context, action *PendingAction) (*EntityVersion, error)
}

// ApplyFunc adapts a function to the RemoteApplier interface.
type ApplyFunc func(ctx context.Context, action *PendingAction) (*EntityVersion, error)

func (f ApplyFunc) Apply(ctx context.Context, action *PendingAction) (*EntityVersion, error) {
	return f(ctx, action)
}

// Apply error classes.
const (
	ErrClassTransient = "transient" // network timeout, 5xx: retried with backoff
	ErrClassRejected  = "rejected"  // validation failure: dead-lettered immediately
	ErrClassConflict  = "conflict"  // remote changed: routed to the conflict resolver
	ErrClassNotFound  = "not_found" // target entity no longer exists remotely
)

// ApplyError is the typed failure of a remote apply attempt.
type ApplyError struct {
	Class   string
	Message string
	Remote  *EntityVersion // current remote version, set for conflicts when known
	Err     error
}

func (e *ApplyError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("apply %s: %s: %v", e.Class, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("apply %s: %s", e.Class, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("apply %s: %v", e.Class, e.Err)
	default:
		return fmt.Sprintf("apply %s", e.Class)
	}
}

func (e *ApplyError) Unwrap() error { return e.Err }

// NewTransientError wraps a retryable failure (network error, 5xx).
func NewTransientError(err error) *ApplyError {
	return &ApplyError{Class: ErrClassTransient, Err: err}
}

// NewRejectedError marks a permanent server-side rejection.
func NewRejectedError(message string) *ApplyError {
	return &ApplyError{Class: ErrClassRejected, Message: message}
}

// NewConflictError reports that the remote entity changed since the local
// mutation's base version. remote may be nil when the entity was deleted.
func NewConflictError(remote *EntityVersion) *ApplyError {
	return &ApplyError{Class: ErrClassConflict, Remote: remote}
}

// NewNotFoundError reports that the action's target no longer exists.
func NewNotFoundError(message string) *ApplyError {
	return &ApplyError{Class: ErrClassNotFound, Message: message}
}

// classifyApplyError extracts the typed apply error, defaulting unknown
// failures to transient so they are retried rather than dropped.
func classifyApplyError(err error) *ApplyError {
	var applyErr *ApplyError
	if errors.As(err, &applyErr) {
		return applyErr
	}
	return NewTransientError(err)
}
