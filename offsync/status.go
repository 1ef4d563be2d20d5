// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"sync"
	"time"
)

// SyncStatus is a derived, never-persisted snapshot of engine state,
// recomputed on demand for UI consumers.
type SyncStatus struct {
	IsOnline        bool      `json:"is_online"`
	IsSyncing       bool      `json:"is_syncing"`
	PendingCount    int       `json:"pending_count"`
	DeadLetterCount int       `json:"dead_letter_count"`
	LastSyncTime    time.Time `json:"last_sync_time"`
}

// statusNotifier fans SyncStatus snapshots out to subscribers.
type statusNotifier struct {
	mu   sync.Mutex
	subs map[int]func(SyncStatus)
	next int
}

func newStatusNotifier() *statusNotifier {
	return &statusNotifier{subs: make(map[int]func(SyncStatus))}
}

func (n *statusNotifier) subscribe(fn func(SyncStatus)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *statusNotifier) notify(s SyncStatus) {
	n.mu.Lock()
	handlers := make([]func(SyncStatus), 0, len(n.subs))
	for _, fn := range n.subs {
		handlers = append(handlers, fn)
	}
	n.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}
