// Package session owns one coordination-service session's lifecycle:
// creation, renewal, invalidation detection and destruction, plus the
// background heartbeat that keeps an active session alive.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lockmesh/go-sessionlock/v1/metrics"
	"github.com/lockmesh/go-sessionlock/v1/store"
)

// State is a session's lifecycle position. Transitions are one-way:
// Creating → Active → Invalidated or Destroyed.
type State int

const (
	Creating State = iota
	Active
	Invalidated
	Destroyed
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Active:
		return "active"
	case Invalidated:
		return "invalidated"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotActive is returned when an operation requires an Active
	// session.
	ErrNotActive = errors.New("session: not active")
	// ErrInvalidated is returned by Renew when the service no longer
	// knows the session. The session instance is finished; a new one must
	// be created to retry.
	ErrInvalidated = errors.New("session: invalidated")
)

// Manager owns a single session. It is safe for concurrent use by the
// holder and the heartbeat.
type Manager struct {
	store  store.Store
	logger *zap.Logger

	mu    sync.Mutex
	state State
	id    string
	ttl   time.Duration
}

// NewManager returns a Manager in the Creating state. A nil logger is
// replaced with a no-op one.
func NewManager(st store.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, logger: logger, state: Creating}
}

// Start creates the session. It can be called once; a transport failure
// leaves the manager unusable and is not retried here.
func (m *Manager) Start(ctx context.Context, ttl time.Duration) error {
	m.mu.Lock()
	if m.state != Creating {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("session: start from state %s", state)
	}
	m.mu.Unlock()

	id, err := m.store.CreateSession(ctx, ttl)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.state = Active
	m.id = id
	m.ttl = ttl
	m.mu.Unlock()
	metrics.SessionsGauge.Inc()
	m.logger.Debug("session started", zap.String("session", id), zap.Duration("ttl", ttl))
	return nil
}

// ID returns the service-assigned session identifier, empty before Start
// succeeds.
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// State reports the current lifecycle state. Long-running guarded work can
// poll this to verify its session is still believed alive.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TTL returns the TTL the session was created with.
func (m *Manager) TTL() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttl
}

// Renew extends the session on the service. A NotFound answer moves the
// session to Invalidated, terminal for this instance, and returns
// ErrInvalidated. Transport errors leave the state untouched; the TTL is
// the safety net while they persist.
func (m *Manager) Renew(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Active {
		m.mu.Unlock()
		return ErrNotActive
	}
	id := m.id
	m.mu.Unlock()

	res, err := m.store.RenewSession(ctx, id)
	if err != nil {
		return err
	}
	if res == store.NotFound {
		m.mu.Lock()
		if m.state == Active {
			m.state = Invalidated
			metrics.SessionsGauge.Dec()
		}
		m.mu.Unlock()
		m.logger.Warn("session invalidated by service", zap.String("session", id))
		return ErrInvalidated
	}
	return nil
}

// Stop destroys the session, best-effort: a destroy failure is logged and
// swallowed because the service's own TTL expiry releases everything the
// session owns anyway. Stop is idempotent, and a no-op after Invalidated
// beyond recording the terminal state.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	switch m.state {
	case Active:
		m.state = Destroyed
		id := m.id
		m.mu.Unlock()
		metrics.SessionsGauge.Dec()
		if err := m.store.DestroySession(ctx, id); err != nil {
			m.logger.Warn("session destroy failed, relying on ttl expiry",
				zap.String("session", id), zap.Error(err))
		} else {
			m.logger.Debug("session destroyed", zap.String("session", id))
		}
	case Invalidated:
		m.state = Destroyed
		m.mu.Unlock()
	default:
		m.mu.Unlock()
	}
}
