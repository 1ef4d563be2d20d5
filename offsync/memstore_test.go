package offsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory DurableStore (and SnapshotStore) used across
// the package tests. failWrites simulates store I/O failures.
type memStore struct {
	mu         sync.Mutex
	actions    map[string]*PendingAction
	dead       map[string]*DeadLetteredAction
	snaps      map[string]*EntitySnapshot
	failWrites bool
}

func newMemStore() *memStore {
	return &memStore{
		actions: make(map[string]*PendingAction),
		dead:    make(map[string]*DeadLetteredAction),
		snaps:   make(map[string]*EntitySnapshot),
	}
}

func (m *memStore) Put(_ context.Context, action *PendingAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return fmt.Errorf("simulated store failure")
	}
	m.actions[action.ID] = action.Clone()
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return a.Clone(), nil
}

func (m *memStore) ListAll(_ context.Context) ([]*PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PendingAction, 0, len(m.actions))
	for _, a := range m.actions {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (m *memStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return fmt.Errorf("simulated store failure")
	}
	delete(m.actions, id)
	return nil
}

func (m *memStore) MoveToDeadLetter(_ context.Context, action *PendingAction, reason, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return fmt.Errorf("simulated store failure")
	}
	m.dead[action.ID] = &DeadLetteredAction{
		PendingAction: *action.Clone(),
		Reason:        reason,
		Message:       message,
		FailedAt:      time.Now().UTC(),
	}
	delete(m.actions, action.ID)
	return nil
}

func (m *memStore) ListDeadLettered(_ context.Context) ([]*DeadLetteredAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DeadLetteredAction, 0, len(m.dead))
	for _, d := range m.dead {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) RemoveDeadLettered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dead, id)
	return nil
}

func (m *memStore) SaveSnapshot(_ context.Context, snap *EntitySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.snaps[snap.EntityID] = &cp
	return nil
}

func (m *memStore) GetSnapshot(_ context.Context, entityID string) (*EntitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[entityID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) setFailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

// rawStatus reads an action's persisted status directly, bypassing the
// queue index.
func (m *memStore) rawStatus(id string) (ActionStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return "", false
	}
	return a.Status, true
}

// forceStatus rewrites an action's persisted status, simulating the state
// a crash can leave behind.
func (m *memStore) forceStatus(id string, status ActionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actions[id]; ok {
		a.Status = status
	}
}
