package lock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lockmesh/go-sessionlock/v1/metrics"
	"github.com/lockmesh/go-sessionlock/v1/store"
)

// ErrContended is returned when the key is held by another session and the
// wait policy forbids, or has exhausted, blocking.
var ErrContended = errors.New("lock: contended")

// maxWatchWait bounds a single blocking watch round; a long acquisition
// deadline is spent across several rounds.
const maxWatchWait = 30 * time.Second

// Acquirer performs the claim protocol against a store. Acquisition is
// first-committer-wins at the store's compare-and-set; there is no fairness
// among waiters, and a waiter can be starved under adversarial contention.
type Acquirer struct {
	store  store.Store
	logger *zap.Logger
}

// NewAcquirer returns an Acquirer. A nil logger is replaced with a no-op
// one.
func NewAcquirer(st store.Store, logger *zap.Logger) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acquirer{store: st, logger: logger}
}

// Acquire claims key under sessionID. With a Block policy it watches the
// key between attempts instead of polling, retrying each time the claim
// state changes, until acquired or the policy's deadline elapses.
func (a *Acquirer) Acquire(ctx context.Context, key string, value []byte, sessionID string, wait WaitPolicy) error {
	actx := ctx
	if wait.Mode == Block {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, wait.Timeout)
		defer cancel()
	}
	for {
		res, err := a.store.AcquireKey(actx, key, value, sessionID)
		if err != nil {
			return a.classify(ctx, actx, err)
		}
		if res.Acquired {
			metrics.AcquireCounter.Inc()
			return nil
		}
		metrics.ContendedCounter.Inc()
		if wait.Mode == FailFast {
			return ErrContended
		}

		deadline, _ := actx.Deadline()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrContended
		}
		if remaining > maxWatchWait {
			remaining = maxWatchWait
		}
		if _, err := a.store.WatchKey(actx, key, res.Index, remaining); err != nil {
			return a.classify(ctx, actx, err)
		}
	}
}

// classify separates "the acquisition deadline elapsed" from caller
// cancellation and genuine transport failures.
func (a *Acquirer) classify(ctx, actx context.Context, err error) error {
	if actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return ErrContended
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Release drops the claim on key. A "not held" answer is logged rather than
// treated as fatal: session destruction, or ultimately TTL expiry, is the
// backstop against leaks.
func (a *Acquirer) Release(ctx context.Context, key, sessionID string) error {
	released, err := a.store.ReleaseKey(ctx, key, sessionID)
	if err != nil {
		return err
	}
	if !released {
		a.logger.Warn("release found key not held by session",
			zap.String("key", key), zap.String("session", sessionID))
		return nil
	}
	metrics.ReleaseCounter.Inc()
	return nil
}
