// Package netmon tracks whether the process can reach the network and lets
// callers wait for connectivity to come back.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"qms/access-service/internal/clock"
	"qms/access-service/internal/logging"
)

type Monitor struct {
	mu     sync.RWMutex
	online bool
	nextID uint64
	subs   map[uint64]subscriber
	clock  clock.Clock
	logger *slog.Logger
}

type subscriber struct {
	onOnline  func()
	onOffline func()
	stream    chan bool
}

func New(initial bool, clk clock.Clock, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Monitor{
		online: initial,
		subs:   make(map[uint64]subscriber),
		clock:  clk,
		logger: logging.OrDiscard(logger),
	}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Report records the latest connectivity signal. Subscribers are notified
// only on transitions. Streams are fed under the lock so a concurrent
// cancel never closes a channel mid-send; callbacks run after it is
// released.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	callbacks := make([]func(), 0, len(m.subs))
	for _, sub := range m.subs {
		switch {
		case sub.stream != nil:
			m.deliver(sub.stream, online)
		case online && sub.onOnline != nil:
			callbacks = append(callbacks, sub.onOnline)
		case !online && sub.onOffline != nil:
			callbacks = append(callbacks, sub.onOffline)
		}
	}
	m.mu.Unlock()

	m.logger.Info("network state changed", "online", online)
	for _, fn := range callbacks {
		fn()
	}
}

// deliver queues state on a stream, evicting the oldest queued event when
// the subscriber lags so the newest state is never lost. Callers hold mu.
func (m *Monitor) deliver(stream chan bool, state bool) {
	select {
	case stream <- state:
		return
	default:
	}
	select {
	case <-stream:
		m.logger.Debug("drop stale network event for slow subscriber")
	default:
	}
	select {
	case stream <- state:
	default:
	}
}

// OnOnline registers fn for offline-to-online transitions. The returned
// func cancels the registration and is safe to call more than once.
func (m *Monitor) OnOnline(fn func()) func() {
	return m.add(subscriber{onOnline: fn})
}

func (m *Monitor) OnOffline(fn func()) func() {
	return m.add(subscriber{onOffline: fn})
}

// Subscribe streams every transition. The cancel func unregisters the
// stream and closes it; it is safe to call more than once.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	stream := make(chan bool, 4)
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = subscriber{stream: stream}
	m.mu.Unlock()
	return stream, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; !ok {
			return
		}
		delete(m.subs, id)
		close(stream)
	}
}

func (m *Monitor) add(sub subscriber) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs[id] = sub
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Monitor) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// WaitForNetwork returns true immediately when online, otherwise on the next
// online transition. It returns false when timeout elapses or ctx ends
// first.
func (m *Monitor) WaitForNetwork(ctx context.Context, timeout time.Duration) bool {
	events, cancel := m.Subscribe()
	defer cancel()

	if m.Online() {
		return true
	}

	timer := m.clock.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case online := <-events:
			if online {
				return true
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
