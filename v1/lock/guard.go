package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lockmesh/go-sessionlock/v1/metrics"
	"github.com/lockmesh/go-sessionlock/v1/session"
	"github.com/lockmesh/go-sessionlock/v1/store"
)

var tracer = otel.Tracer("github.com/lockmesh/go-sessionlock/v1/lock")

// teardownTimeout bounds the best-effort release and session destroy so a
// dead service cannot hang a Do return.
const teardownTimeout = 5 * time.Second

// ErrLockLost is returned by Do when the session expired while the guarded
// section was running. The section itself completed; mutual exclusion may
// have been violated during its tail.
var ErrLockLost = errors.New("lock: session lost while held")

// TeardownError reports that the guarded section succeeded but the
// best-effort release or session destroy did not. The lock is not leaked:
// the session's TTL releases it, just later than promptly.
type TeardownError struct {
	Err error
}

func (e *TeardownError) Error() string {
	return "lock: teardown failed: " + e.Err.Error()
}

func (e *TeardownError) Unwrap() error { return e.Err }

// Handle is what a guarded section sees of its lock. Its liveness-loss
// signal is monotonic and delivered at most once: once lost, never
// un-lost.
type Handle struct {
	key       string
	sessionID string

	lost     chan struct{}
	lostFlag atomic.Bool
	lostOnce sync.Once
}

// Key returns the locked resource key.
func (h *Handle) Key() string { return h.key }

// SessionID returns the session the claim is bound to.
func (h *Handle) SessionID() string { return h.sessionID }

// Lost returns a channel closed if the session backing this lock is
// invalidated while held. Long-running sections should select on it at
// safe points.
func (h *Handle) Lost() <-chan struct{} { return h.lost }

// IsLost reports whether the liveness-loss signal has fired, for sections
// that poll instead of selecting.
func (h *Handle) IsLost() bool { return h.lostFlag.Load() }

func (h *Handle) markLost() {
	h.lostOnce.Do(func() {
		h.lostFlag.Store(true)
		close(h.lost)
	})
}

// Guard runs functions under a distributed mutex: at most one guarded
// section per key runs at a time across every process sharing the store.
type Guard struct {
	store    store.Store
	cfg      Config
	acquirer *Acquirer
	logger   *zap.Logger
}

// NewGuard validates cfg and returns a Guard for its key.
func NewGuard(st store.Store, cfg Config) (*Guard, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Guard{
		store:    st,
		cfg:      cfg,
		acquirer: NewAcquirer(st, cfg.Logger),
		logger:   cfg.Logger,
	}, nil
}

// Do acquires the lock, runs body, and releases on every exit path,
// including panics. The sequence on the way out is fixed: heartbeat stop,
// then key release, then session destroy, so a stale renewal can never
// race a release.
//
// Errors are attributed by phase: a session or acquisition failure aborts
// before body runs; an error from body wins over any teardown failure; a
// teardown failure after a successful body surfaces as *TeardownError; and
// a liveness loss during a body that otherwise succeeded surfaces as
// ErrLockLost.
func (g *Guard) Do(ctx context.Context, body func(ctx context.Context, h *Handle) error) error {
	ctx, span := tracer.Start(ctx, "lock.Do",
		trace.WithAttributes(attribute.String("lock.key", g.cfg.Key)))
	defer span.End()

	mgr := session.NewManager(g.store, g.logger)
	if err := mgr.Start(ctx, g.cfg.SessionTTL); err != nil {
		span.SetAttributes(attribute.String("lock.failed_phase", "session"))
		return fmt.Errorf("lock: session start: %w", err)
	}

	if err := g.acquirer.Acquire(ctx, g.cfg.Key, g.cfg.Value, mgr.ID(), g.cfg.Wait); err != nil {
		tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		mgr.Stop(tctx)
		cancel()
		span.SetAttributes(attribute.String("lock.failed_phase", "acquire"))
		return err
	}

	h := &Handle{key: g.cfg.Key, sessionID: mgr.ID(), lost: make(chan struct{})}
	hb := session.StartHeartbeat(mgr, g.cfg.HeartbeatFloor, h.markLost, g.logger)
	metrics.HeldGauge.Inc()
	g.logger.Debug("lock held",
		zap.String("key", h.key), zap.String("session", h.sessionID))

	var tdErr error
	var tdOnce sync.Once
	teardown := func() {
		tdOnce.Do(func() {
			defer metrics.HeldGauge.Dec()
			hb.Stop()
			tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			if err := g.acquirer.Release(tctx, h.key, h.sessionID); err != nil {
				g.logger.Warn("lock release failed",
					zap.String("key", h.key), zap.Error(err))
				tdErr = err
			}
			mgr.Stop(tctx)
		})
	}
	// The deferred call covers panic and runtime.Goexit paths; the direct
	// call below is the normal path.
	defer teardown()

	bodyErr := body(ctx, h)
	teardown()

	switch {
	case bodyErr != nil:
		span.SetAttributes(attribute.String("lock.failed_phase", "body"))
		return fmt.Errorf("lock: guarded section: %w", bodyErr)
	case h.IsLost():
		span.SetAttributes(attribute.String("lock.failed_phase", "liveness"))
		return ErrLockLost
	case tdErr != nil:
		span.SetAttributes(attribute.String("lock.failed_phase", "teardown"))
		return &TeardownError{Err: tdErr}
	default:
		return nil
	}
}
