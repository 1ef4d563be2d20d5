// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ConnState is the observed network reachability.
type ConnState int32

const (
	StateOffline ConnState = iota
	StateOnline
)

func (s ConnState) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline"
}

// ConnectivityMonitor observes reachability and emits exactly one event per
// committed state transition.
type ConnectivityMonitor interface {
	State() ConnState
	Subscribe(fn func(ConnState)) (unsubscribe func())
}

// StateMonitor is a push-style monitor: the application shell reports
// reachability changes (platform network callbacks, probe results) via
// Report. Rapid flips are debounced: a reported transition must hold for
// the debounce window before it is committed and emitted once.
type StateMonitor struct {
	mu       sync.Mutex
	state    ConnState
	pending  ConnState
	timer    *time.Timer
	debounce time.Duration
	subs     map[int]func(ConnState)
	nextSub  int
}

// NewStateMonitor creates a monitor with the given initial state. A zero
// debounce commits transitions immediately.
func NewStateMonitor(initial ConnState, debounce time.Duration) *StateMonitor {
	return &StateMonitor{
		state:    initial,
		pending:  initial,
		debounce: debounce,
		subs:     make(map[int]func(ConnState)),
	}
}

// State returns the last committed state.
func (m *StateMonitor) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a transition handler and returns its unsubscribe
// function. Handlers run on the reporting goroutine (or the debounce
// timer's) and should hand off work rather than block.
func (m *StateMonitor) Subscribe(fn func(ConnState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Report feeds an observed reachability state. A flip back to the
// committed state within the debounce window cancels the pending
// transition, so flapping connections emit no event storm.
func (m *StateMonitor) Report(s ConnState) {
	m.mu.Lock()

	if s == m.state {
		// Back where we started; drop any pending transition.
		m.pending = m.state
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		m.mu.Unlock()
		return
	}
	if m.debounce <= 0 {
		m.commitLocked(s)
		return // commitLocked unlocks
	}
	if s == m.pending && m.timer != nil {
		// Transition already counting down.
		m.mu.Unlock()
		return
	}
	m.pending = s
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		if m.pending == m.state {
			m.mu.Unlock()
			return
		}
		m.commitLocked(m.pending)
	})
	m.mu.Unlock()
}

// commitLocked commits the transition and notifies subscribers outside the
// lock. The caller must hold mu; it is released here.
func (m *StateMonitor) commitLocked(s ConnState) {
	m.state = s
	m.pending = s
	m.timer = nil
	handlers := make([]func(ConnState), 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

// Close cancels any pending debounce timer.
func (m *StateMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// ProbeMonitor derives reachability by polling a URL with HEAD requests.
// Any HTTP response counts as online (the endpoint was reached); transport
// errors count as offline. Results feed a StateMonitor, so the same
// debounce rules apply.
type ProbeMonitor struct {
	inner    *StateMonitor
	probeURL string
	interval time.Duration
	client   *http.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProbeMonitor creates a probe monitor. It starts offline and reports
// online once the first probe succeeds.
func NewProbeMonitor(probeURL string, interval, debounce time.Duration) *ProbeMonitor {
	return &ProbeMonitor{
		inner:    NewStateMonitor(StateOffline, debounce),
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Start launches the probe loop. An immediate probe runs before the first
// tick so startup does not wait a full interval.
func (p *ProbeMonitor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.probe(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probe(ctx)
			}
		}
	}()
}

func (p *ProbeMonitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.probeURL, nil)
	if err != nil {
		p.inner.Report(StateOffline)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.inner.Report(StateOffline)
		return
	}
	resp.Body.Close()
	p.inner.Report(StateOnline)
}

func (p *ProbeMonitor) State() ConnState { return p.inner.State() }

func (p *ProbeMonitor) Subscribe(fn func(ConnState)) func() { return p.inner.Subscribe(fn) }

// Close stops the probe loop and waits for it to exit.
func (p *ProbeMonitor) Close() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.inner.Close()
}
