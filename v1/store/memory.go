package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/lockmesh/go-sessionlock/v1/wakebus"
)

type memClaim struct {
	owner string
	value []byte
}

type memSession struct {
	ttl       time.Duration
	expiresAt time.Time
	timer     *time.Timer
	keys      map[string]struct{}
}

// InMemory is an in-process coordination service. Sessions expire on real
// timers and take their claims with them, matching the delete behavior of
// the networked backends, which makes it both an embeddable single-process
// store and the simulation harness for the engine's tests.
type InMemory struct {
	bus wakebus.Bus

	mu       sync.Mutex
	sessions map[string]*memSession
	claims   map[string]*memClaim
	index    map[string]uint64
}

// NewInMemory returns a new in-memory store that publishes claim changes on
// bus. A nil bus gets a private in-memory bus.
func NewInMemory(bus wakebus.Bus) *InMemory {
	if bus == nil {
		bus = wakebus.NewInMemoryBus()
	}
	return &InMemory{
		bus:      bus,
		sessions: make(map[string]*memSession),
		claims:   make(map[string]*memClaim),
		index:    make(map[string]uint64),
	}
}

// CreateSession implements Store.CreateSession.
func (m *InMemory) CreateSession(ctx context.Context, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("store: session ttl must be positive")
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	s := &memSession{ttl: ttl, expiresAt: time.Now().Add(ttl), keys: make(map[string]struct{})}
	s.timer = time.AfterFunc(ttl, func() {
		m.expireSession(id)
	})
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return id, nil
}

// RenewSession implements Store.RenewSession.
func (m *InMemory) RenewSession(ctx context.Context, sessionID string) (RenewResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return NotFound, nil
	}
	s.expiresAt = time.Now().Add(s.ttl)
	s.timer.Reset(s.ttl)
	return Renewed, nil
}

// DestroySession implements Store.DestroySession.
func (m *InMemory) DestroySession(ctx context.Context, sessionID string) error {
	m.dropSession(sessionID)
	return nil
}

// expireSession is the timer callback. The deadline is re-checked under the
// lock: a renew that landed while this callback waited on the mutex moved
// the deadline forward, and the session must survive.
func (m *InMemory) expireSession(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if remaining := time.Until(s.expiresAt); remaining > 0 {
		s.timer.Reset(remaining)
		m.mu.Unlock()
		return
	}
	released := m.dropLocked(sessionID, s)
	m.mu.Unlock()
	m.wake(released)
}

// dropSession removes a session unconditionally, releasing every key it
// owns and waking any watchers. Called on explicit destroy.
func (m *InMemory) dropSession(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	released := m.dropLocked(sessionID, s)
	m.mu.Unlock()
	m.wake(released)
}

func (m *InMemory) dropLocked(sessionID string, s *memSession) []string {
	delete(m.sessions, sessionID)
	s.timer.Stop()
	released := make([]string, 0, len(s.keys))
	for key := range s.keys {
		delete(m.claims, key)
		m.index[key]++
		released = append(released, key)
	}
	return released
}

func (m *InMemory) wake(keys []string) {
	for _, key := range keys {
		_ = m.bus.Publish(context.Background(), key)
	}
}

// AcquireKey implements Store.AcquireKey.
func (m *InMemory) AcquireKey(ctx context.Context, key string, value []byte, sessionID string) (AcquireResult, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return AcquireResult{}, fmt.Errorf("store: unknown session %q", sessionID)
	}
	if c, claimed := m.claims[key]; claimed {
		res := AcquireResult{Acquired: c.owner == sessionID, Index: m.index[key]}
		m.mu.Unlock()
		return res, nil
	}
	m.claims[key] = &memClaim{owner: sessionID, value: value}
	s.keys[key] = struct{}{}
	m.index[key]++
	res := AcquireResult{Acquired: true, Index: m.index[key]}
	m.mu.Unlock()
	_ = m.bus.Publish(ctx, key)
	return res, nil
}

// ReleaseKey implements Store.ReleaseKey.
func (m *InMemory) ReleaseKey(ctx context.Context, key, sessionID string) (bool, error) {
	m.mu.Lock()
	c, ok := m.claims[key]
	if !ok || c.owner != sessionID {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.claims, key)
	if s, live := m.sessions[sessionID]; live {
		delete(s.keys, key)
	}
	m.index[key]++
	m.mu.Unlock()
	_ = m.bus.Publish(ctx, key)
	return true, nil
}

// WatchKey implements Store.WatchKey.
func (m *InMemory) WatchKey(ctx context.Context, key string, sinceIndex uint64, wait time.Duration) (uint64, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := m.bus.Subscribe(subCtx, key)
	if err != nil {
		return sinceIndex, transportErr(err)
	}
	for {
		m.mu.Lock()
		idx := m.index[key]
		m.mu.Unlock()
		if idx > sinceIndex {
			return idx, nil
		}
		select {
		case <-ch:
		case <-deadline.C:
			return idx, nil
		case <-ctx.Done():
			return idx, ctx.Err()
		}
	}
}

// Owner reports the session currently claiming key, if any.
func (m *InMemory) Owner(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[key]
	if !ok {
		return "", false
	}
	return c.owner, true
}

// Close stops all session timers. Pending sessions are dropped without
// waking watchers.
func (m *InMemory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.timer.Stop()
		delete(m.sessions, id)
	}
}
