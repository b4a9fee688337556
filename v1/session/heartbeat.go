package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lockmesh/go-sessionlock/v1/metrics"
)

// DefaultHeartbeatFloor bounds the renew request rate under very small
// TTLs.
const DefaultHeartbeatFloor = time.Second

// Heartbeat renews a session at half its TTL until stopped or the session
// is invalidated. Renewals run synchronously in one goroutine, so a slow
// renew simply absorbs the ticks it overlaps; there is never more than one
// renew in flight per session.
type Heartbeat struct {
	mgr      *Manager
	interval time.Duration
	onLoss   func()
	logger   *zap.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	lossOnce sync.Once
}

// StartHeartbeat begins renewing mgr's session every ttl/2, no more often
// than floor (DefaultHeartbeatFloor when floor is zero or negative).
// onLoss is invoked at most once, from the heartbeat goroutine, if the
// session is invalidated; after that the loop terminates and never renews
// again.
func StartHeartbeat(mgr *Manager, floor time.Duration, onLoss func(), logger *zap.Logger) *Heartbeat {
	if floor <= 0 {
		floor = DefaultHeartbeatFloor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := mgr.TTL() / 2
	if interval < floor {
		interval = floor
	}
	h := &Heartbeat{
		mgr:      mgr,
		interval: interval,
		onLoss:   onLoss,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

// Interval returns the effective renew cadence.
func (h *Heartbeat) Interval() time.Duration {
	return h.interval
}

func (h *Heartbeat) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
		// Stop wins over a tick that raced it.
		select {
		case <-h.stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.interval)
		err := h.mgr.Renew(ctx)
		cancel()
		switch {
		case err == nil:
			metrics.RenewCounter.Inc()
		case errors.Is(err, ErrInvalidated), errors.Is(err, ErrNotActive):
			metrics.RenewFailureCounter.Inc()
			h.fireLoss()
			return
		default:
			metrics.RenewFailureCounter.Inc()
			h.logger.Warn("session renew failed",
				zap.String("session", h.mgr.ID()), zap.Error(err))
		}
	}
}

func (h *Heartbeat) fireLoss() {
	h.lossOnce.Do(func() {
		if h.onLoss != nil {
			h.onLoss()
		}
	})
}

// Stop terminates the heartbeat and waits for the loop goroutine to exit.
// When Stop returns, no further renew call will be issued, so a release
// performed afterwards cannot race a stale renewal. Stop is idempotent.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.done
}
