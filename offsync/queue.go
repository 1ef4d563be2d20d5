// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is the in-memory ordering index over a DurableStore. It serializes
// all mutating access to the store, persists before indexing, and hands
// out batches in priority-desc, created-asc order.
type Queue struct {
	mu      sync.Mutex
	store   DurableStore
	entries map[string]*queueEntry
	logger  *slog.Logger
}

type queueEntry struct {
	action *PendingAction

	// nextAttempt gates retried actions until their backoff delay has
	// elapsed. In-memory only: reloaded actions are immediately eligible.
	nextAttempt time.Time
}

// NewQueue creates a queue over the given store. Call Load before use to
// rebuild the index from persisted state.
func NewQueue(store DurableStore, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:   store,
		entries: make(map[string]*queueEntry),
		logger:  logger,
	}
}

// Load rebuilds the index from the durable store. Actions left in_flight
// by a crash are demoted to pending so they are retried, not stuck.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending actions: %w", err)
	}

	q.entries = make(map[string]*queueEntry, len(actions))
	for _, action := range actions {
		if action.Status == StatusInFlight {
			action.Status = StatusPending
			if err := q.store.Put(ctx, action); err != nil {
				return fmt.Errorf("failed to demote in-flight action %s: %w", action.ID, err)
			}
			q.logger.Debug("demoted in-flight action to pending on load", "action_id", action.ID)
		}
		q.entries[action.ID] = &queueEntry{action: action}
	}
	return nil
}

// Enqueue persists the action and adds it to the index, returning its id.
// A missing id is assigned (uuid), a zero CreatedAt is stamped now.
//
// Duplicate ids coalesce: while the existing entry is still pending its
// payload, priority and base version are replaced (keeping its queue
// position); once it is in flight the call is a no-op.
func (q *Queue) Enqueue(ctx context.Context, action *PendingAction) (string, error) {
	if action == nil {
		return "", fmt.Errorf("action cannot be nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	a := action.Clone()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Status = StatusPending
	a.RetryCount = 0

	if existing, ok := q.entries[a.ID]; ok {
		if existing.action.Status == StatusInFlight {
			return a.ID, nil
		}
		// Coalesce onto the queued entry, preserving its position.
		a.CreatedAt = existing.action.CreatedAt
	}

	if err := q.store.Put(ctx, a); err != nil {
		return "", fmt.Errorf("failed to persist action %s: %w", a.ID, err)
	}
	q.entries[a.ID] = &queueEntry{action: a}
	return a.ID, nil
}

// NextBatch returns up to max pending actions ordered by priority
// descending then createdAt ascending. In-flight actions and actions whose
// backoff gate has not elapsed are excluded, so concurrent drains never
// double-select and retries wait out their delay.
func (q *Queue) NextBatch(max int) []*PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	eligible := make([]*queueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if e.action.Status != StatusPending {
			continue
		}
		if !e.nextAttempt.IsZero() && now.Before(e.nextAttempt) {
			continue
		}
		eligible = append(eligible, e)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i].action, eligible[j].action
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if max > 0 && len(eligible) > max {
		eligible = eligible[:max]
	}
	batch := make([]*PendingAction, len(eligible))
	for i, e := range eligible {
		batch[i] = e.action.Clone()
	}
	return batch
}

// MarkInFlight transitions a pending action to in_flight.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return ErrActionNotFound
	}
	e.action.Status = StatusInFlight
	if err := q.store.Put(ctx, e.action); err != nil {
		e.action.Status = StatusPending
		return fmt.Errorf("failed to mark action %s in flight: %w", id, err)
	}
	return nil
}

// Complete removes a successfully applied (or discarded) action from the
// store and the index. Completed actions are not retained as tombstones.
func (q *Queue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; !ok {
		return ErrActionNotFound
	}
	if err := q.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove completed action %s: %w", id, err)
	}
	delete(q.entries, id)
	return nil
}

// Fail records a failed apply attempt: increments the retry count, returns
// the action to pending, and gates the next attempt behind delay. The new
// retry count is returned so the caller can decide on dead-lettering.
func (q *Queue) Fail(ctx context.Context, id string, delay time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return 0, ErrActionNotFound
	}
	e.action.RetryCount++
	e.action.Status = StatusPending
	e.nextAttempt = time.Now().Add(delay)
	if err := q.store.Put(ctx, e.action); err != nil {
		return e.action.RetryCount, fmt.Errorf("failed to persist retry state for %s: %w", id, err)
	}
	return e.action.RetryCount, nil
}

// DeadLetter moves the action to the dead-letter store with a reason and
// drops it from the index. Dead-lettered actions are never auto-retried.
func (q *Queue) DeadLetter(ctx context.Context, id, reason, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return ErrActionNotFound
	}
	e.action.Status = StatusDeadLettered
	if err := q.store.MoveToDeadLetter(ctx, e.action, reason, message); err != nil {
		e.action.Status = StatusPending
		return fmt.Errorf("failed to dead-letter action %s: %w", id, err)
	}
	delete(q.entries, id)
	q.logger.Warn("action dead-lettered", "action_id", id, "reason", reason)
	return nil
}

// Requeue replaces an action's payload and base version after conflict
// resolution and returns it to pending. resetRetries restarts the retry
// budget, used only when the resolved payload actually changed. The next
// attempt is gated behind delay so re-applies land in a later drain pass.
func (q *Queue) Requeue(ctx context.Context, id string, payload []byte, basedOn time.Time, resetRetries bool, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return ErrActionNotFound
	}
	e.action.Payload = append([]byte(nil), payload...)
	e.action.BasedOn = basedOn
	e.action.Status = StatusPending
	if resetRetries {
		e.action.RetryCount = 0
	}
	e.nextAttempt = time.Now().Add(delay)
	if err := q.store.Put(ctx, e.action); err != nil {
		return fmt.Errorf("failed to requeue action %s: %w", id, err)
	}
	return nil
}

// Len reports the number of indexed (pending or in-flight) actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Get returns a copy of the indexed action, or ErrActionNotFound.
func (q *Queue) Get(id string) (*PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return e.action.Clone(), nil
}
