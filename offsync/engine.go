// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrEngineClosed is returned by operations on a shut-down engine.
var ErrEngineClosed = errors.New("offsync: engine closed")

// Engine is the sync processor: it owns the pending-action queue, watches
// connectivity, and drains queued mutations to the remote applier with
// retry, backoff, dead-lettering and conflict resolution.
//
// One engine instance is constructed by the application shell and passed
// around by handle; there is no global singleton. Lifecycle is
// NewEngine → Start → Shutdown.
type Engine struct {
	// Resolver decides conflicts. Defaults to LastWriteWins with the
	// configured local-only fields; replace before Start if needed.
	Resolver ConflictResolver

	store     DurableStore
	snapshots SnapshotStore // non-nil when store implements SnapshotStore
	queue     *Queue
	monitor   ConnectivityMonitor
	applier   RemoteApplier
	cfg       *Config
	logger    *slog.Logger
	backoff   Backoff
	notifier  *statusNotifier

	// syncing is the Idle/Draining flag: a single logical drain runs at a
	// time, which is what makes remote application at-most-once.
	syncing int32
	started int32
	closed  int32

	lastSyncNanos int64
	deadLetters   int64

	wake         chan struct{}
	unsubMonitor func()
	sched        *cron.Cron
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewEngine creates an engine over the given store, remote applier and
// connectivity monitor.
func NewEngine(store DurableStore, applier RemoteApplier, monitor ConnectivityMonitor, cfg *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		Resolver: NewLastWriteWins(cfg.LocalOnlyFields),
		store:    store,
		queue:    NewQueue(store, cfg.Logger),
		monitor:  monitor,
		applier:  applier,
		cfg:      cfg,
		logger:   cfg.Logger,
		backoff:  Backoff{Steps: cfg.RetryBackoff, Jitter: cfg.BackoffJitter},
		notifier: newStatusNotifier(),
		wake:     make(chan struct{}, 1),
	}
	if ss, ok := store.(SnapshotStore); ok {
		e.snapshots = ss
	}
	return e, nil
}

// Start rebuilds the queue from the durable store (demoting any in-flight
// leftovers from a crash), wires the connectivity trigger and the periodic
// timer, and launches the drain worker. If there is a backlog and the
// connection is up, a drain is requested immediately.
func (e *Engine) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.started, 0, 1) {
		return fmt.Errorf("engine already started")
	}

	if err := e.queue.Load(ctx); err != nil {
		return err
	}
	dead, err := e.store.ListDeadLettered(ctx)
	if err != nil {
		return fmt.Errorf("failed to load dead-letter store: %w", err)
	}
	atomic.StoreInt64(&e.deadLetters, int64(len(dead)))

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.unsubMonitor = e.monitor.Subscribe(func(s ConnState) {
		if s == StateOnline {
			e.RequestSync()
		}
		e.publishStatus()
	})

	e.sched = cron.New()
	e.sched.Schedule(cron.Every(e.cfg.SyncInterval), cron.FuncJob(func() {
		if e.monitor.State() == StateOnline {
			e.RequestSync()
		}
	}))
	e.sched.Start()

	e.wg.Add(1)
	go e.run(runCtx)

	if e.monitor.State() == StateOnline && e.queue.Len() > 0 {
		e.RequestSync()
	}
	e.logger.Debug("sync engine started", "pending", e.queue.Len(), "dead_lettered", len(dead))
	return nil
}

// Shutdown stops the periodic timer and the connectivity trigger, lets an
// in-progress drain finish its current action, and waits for the worker to
// exit or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	if e.unsubMonitor != nil {
		e.unsubMonitor()
	}
	if e.sched != nil {
		<-e.sched.Stop().Done()
	}
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			if err := e.drain(ctx); err != nil {
				e.logger.Error("sync drain aborted", "error", err)
			}
		}
	}
}

// Enqueue persists a mutation intent and returns its id. While online a
// drain is requested eagerly; offline the action waits for the next
// trigger. Safe to call concurrently with an in-progress drain.
func (e *Engine) Enqueue(ctx context.Context, action *PendingAction) (string, error) {
	if atomic.LoadInt32(&e.closed) == 1 {
		return "", ErrEngineClosed
	}
	id, err := e.queue.Enqueue(ctx, action)
	if err != nil {
		return "", err
	}
	e.publishStatus()
	if e.monitor.State() == StateOnline {
		e.RequestSync()
	}
	return id, nil
}

// RequestSync asks the worker for a drain without performing one inline.
// Requests while a drain is already running coalesce into at most one
// follow-up drain.
func (e *Engine) RequestSync() {
	if atomic.LoadInt32(&e.closed) == 1 {
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// SyncNow runs a drain synchronously (manual trigger, e.g. the app coming
// to the foreground). A no-op while offline or already draining. Only
// store-level failures that stop the loop from making progress are
// returned; per-action failures become retry state.
func (e *Engine) SyncNow(ctx context.Context) error {
	if atomic.LoadInt32(&e.closed) == 1 {
		return ErrEngineClosed
	}
	if e.monitor.State() != StateOnline {
		return nil
	}
	return e.drain(ctx)
}

// drain processes pending batches until the queue has no eligible actions,
// connectivity drops, or the engine shuts down. Untried actions stay
// pending for the next cycle; they are never failed by an interruption.
func (e *Engine) drain(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.syncing, 0, 1) {
		return nil // already draining; concurrent requests are no-ops
	}
	defer func() {
		atomic.StoreInt32(&e.syncing, 0)
		e.publishStatus()
	}()
	e.publishStatus()

	interrupted := false
	for !interrupted {
		if ctx.Err() != nil || atomic.LoadInt32(&e.closed) == 1 || e.monitor.State() != StateOnline {
			interrupted = true
			break
		}
		batch := e.queue.NextBatch(e.cfg.BatchLimit)
		if len(batch) == 0 {
			break
		}
		for _, action := range batch {
			if ctx.Err() != nil || atomic.LoadInt32(&e.closed) == 1 || e.monitor.State() != StateOnline {
				interrupted = true
				break
			}
			if err := e.processAction(ctx, action); err != nil {
				return err
			}
			e.publishStatus()
		}
	}

	if !interrupted {
		atomic.StoreInt64(&e.lastSyncNanos, time.Now().UnixNano())
	}
	return nil
}

// processAction applies one action and converts the outcome into a queue
// transition. Only durable-store failures are returned; every apply error
// is classified and absorbed.
func (e *Engine) processAction(ctx context.Context, action *PendingAction) error {
	if err := e.queue.MarkInFlight(ctx, action.ID); err != nil {
		if errors.Is(err, ErrActionNotFound) {
			return nil // completed or dead-lettered concurrently
		}
		return err
	}

	// Once an action is in flight it is not cancelled: the network call
	// may complete or time out on its own, and its outcome still lands on
	// the correct action id even during shutdown.
	opCtx := context.WithoutCancel(ctx)

	res, applyErr := e.applier.Apply(opCtx, action)
	if applyErr == nil {
		if res != nil {
			e.saveSnapshot(opCtx, res)
		}
		e.logger.Debug("action applied", "action_id", action.ID, "kind", action.Kind)
		return e.queue.Complete(opCtx, action.ID)
	}

	ae := classifyApplyError(applyErr)
	switch ae.Class {
	case ErrClassConflict:
		return e.resolveConflict(opCtx, action, ae.Remote)

	case ErrClassNotFound:
		if action.Kind == KindUpdateEntity {
			// Updating a remotely deleted entity is stale, not an error.
			return e.resolveConflict(opCtx, action, nil)
		}
		return e.deadLetter(opCtx, action.ID, ReasonTargetMissing, ae.Message)

	case ErrClassRejected:
		return e.deadLetter(opCtx, action.ID, ReasonServerRejected, ae.Message)

	default: // transient
		delay := e.backoff.Delay(action.RetryCount + 1)
		rc, err := e.queue.Fail(opCtx, action.ID, delay)
		if err != nil {
			return err
		}
		if rc >= e.cfg.MaxRetries {
			return e.deadLetter(opCtx, action.ID, ReasonRetriesExhausted, ae.Error())
		}
		e.logger.Debug("action failed, will retry",
			"action_id", action.ID, "retry_count", rc, "delay", delay, "error", ae)
		return nil
	}
}

// resolveConflict routes a conflicting action through the resolver and
// applies the decision. A remote-wins or stale-target decision completes
// the action without requeueing it as a new mutation.
func (e *Engine) resolveConflict(ctx context.Context, action *PendingAction, remote *EntityVersion) error {
	resolution, err := e.Resolver.Resolve(action, remote)
	if err != nil {
		// A payload the resolver cannot parse will not improve on retry.
		return e.deadLetter(ctx, action.ID, ReasonBadPayload, err.Error())
	}

	switch resolution.Outcome {
	case OutcomeStaleTarget:
		e.logger.Info("discarding mutation for missing remote target",
			"action_id", action.ID, "entity_id", action.EntityID)
		return e.queue.Complete(ctx, action.ID)

	case OutcomeRemoteWins:
		if remote != nil {
			e.saveSnapshot(ctx, &EntityVersion{
				EntityID:  remote.EntityID,
				UpdatedAt: remote.UpdatedAt,
				Payload:   resolution.Merged,
			})
		}
		e.logger.Info("conflict resolved, remote version kept",
			"action_id", action.ID, "entity_id", action.EntityID)
		return e.queue.Complete(ctx, action.ID)

	case OutcomeRetryLocal:
		// Re-apply in a later pass rather than inline, so a remote that
		// keeps moving cannot pin the drain loop.
		delay := e.backoff.Delay(1)
		return e.queue.Requeue(ctx, action.ID, resolution.Merged, resolution.BasedOn, resolution.Changed, delay)

	default:
		return e.deadLetter(ctx, action.ID, ReasonBadPayload,
			fmt.Sprintf("unknown resolution outcome %q", resolution.Outcome))
	}
}

func (e *Engine) deadLetter(ctx context.Context, id, reason, message string) error {
	if err := e.queue.DeadLetter(ctx, id, reason, message); err != nil {
		return err
	}
	atomic.AddInt64(&e.deadLetters, 1)
	return nil
}

func (e *Engine) saveSnapshot(ctx context.Context, v *EntityVersion) {
	if e.snapshots == nil || v.EntityID == "" {
		return
	}
	snap := &EntitySnapshot{
		EntityID:  v.EntityID,
		Payload:   v.Payload,
		Deleted:   v.Deleted,
		UpdatedAt: v.UpdatedAt,
		CachedAt:  time.Now().UTC(),
	}
	if err := e.snapshots.SaveSnapshot(ctx, snap); err != nil {
		e.logger.Warn("failed to cache entity snapshot", "entity_id", v.EntityID, "error", err)
	}
}

// Status recomputes the derived sync status on demand.
func (e *Engine) Status() SyncStatus {
	var last time.Time
	if nanos := atomic.LoadInt64(&e.lastSyncNanos); nanos > 0 {
		last = time.Unix(0, nanos)
	}
	return SyncStatus{
		IsOnline:        e.monitor.State() == StateOnline,
		IsSyncing:       atomic.LoadInt32(&e.syncing) == 1,
		PendingCount:    e.queue.Len(),
		DeadLetterCount: int(atomic.LoadInt64(&e.deadLetters)),
		LastSyncTime:    last,
	}
}

// Subscribe registers a status listener, invoked on every queue-size,
// online-state or sync-state change. Returns its unsubscribe function.
func (e *Engine) Subscribe(fn func(SyncStatus)) func() {
	return e.notifier.subscribe(fn)
}

func (e *Engine) publishStatus() {
	e.notifier.notify(e.Status())
}

// ListDeadLettered returns the dead-letter store for inspection.
func (e *Engine) ListDeadLettered(ctx context.Context) ([]*DeadLetteredAction, error) {
	return e.store.ListDeadLettered(ctx)
}

// RetryDeadLettered moves a dead-lettered action back into the pending
// queue with a fresh retry budget. This is the only path by which a
// dead-lettered action runs again.
func (e *Engine) RetryDeadLettered(ctx context.Context, id string) error {
	if atomic.LoadInt32(&e.closed) == 1 {
		return ErrEngineClosed
	}
	dead, err := e.store.ListDeadLettered(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dead-letter store: %w", err)
	}
	var found *DeadLetteredAction
	for _, d := range dead {
		if d.ID == id {
			found = d
			break
		}
	}
	if found == nil {
		return ErrActionNotFound
	}

	// Enqueue before removing from the dead-letter store so a failed write
	// leaves the action in at least one store. A crash between the two
	// leaves a duplicate id, which the queue's id-level dedup absorbs.
	action := found.PendingAction.Clone()
	action.Status = StatusPending
	action.RetryCount = 0
	if _, err := e.queue.Enqueue(ctx, action); err != nil {
		return err
	}
	if err := e.store.RemoveDeadLettered(ctx, id); err != nil {
		return fmt.Errorf("failed to remove dead-lettered action %s: %w", id, err)
	}
	atomic.AddInt64(&e.deadLetters, -1)
	e.publishStatus()
	if e.monitor.State() == StateOnline {
		e.RequestSync()
	}
	return nil
}
