// Package store binds the lock engine to a coordination service offering
// sessions and ephemeral keys. Implementations exist for an in-process
// service, Redis, Consul and etcd. The engine depends only on the Store
// contract, never on a backend's wire format.
package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	serrors "github.com/lockmesh/go-sessionlock/v1/errors"
)

// RenewResult is the outcome of a session renewal.
type RenewResult int

const (
	// Renewed means the session's TTL was extended.
	Renewed RenewResult = iota
	// NotFound means the session no longer exists on the service, either
	// expired or destroyed externally. This is an expected outcome, not a
	// transport failure.
	NotFound
)

// AcquireResult is the outcome of a key claim attempt.
type AcquireResult struct {
	// Acquired is true when the key is now claimed by the given session,
	// including the idempotent case where it already was.
	Acquired bool
	// Index is the key's modify index at the time of the attempt, suitable
	// as the starting point for WatchKey.
	Index uint64
}

// Store is the narrow typed binding over the coordination service. All
// methods may fail with errors wrapping errors.ErrUnavailable or
// errors.ErrTimeout on transport problems; logical outcomes (NotFound,
// Acquired=false, released=false) are values. Implementations must be safe
// for concurrent use by multiple sessions.
type Store interface {
	// CreateSession registers a new session with the given TTL. The
	// service expires the session, releasing every key it owns, if it is
	// not renewed within the TTL.
	CreateSession(ctx context.Context, ttl time.Duration) (string, error)

	// RenewSession extends the session's TTL.
	RenewSession(ctx context.Context, sessionID string) (RenewResult, error)

	// DestroySession removes the session and releases its keys. Destroying
	// an already-gone session is not an error.
	DestroySession(ctx context.Context, sessionID string) error

	// AcquireKey atomically claims key for sessionID, storing value as
	// opaque claim metadata. The claim succeeds if the key is unclaimed or
	// already claimed by sessionID; a claim held by another session yields
	// Acquired=false without error.
	AcquireKey(ctx context.Context, key string, value []byte, sessionID string) (AcquireResult, error)

	// ReleaseKey drops the claim on key if it is held by sessionID. It
	// returns false, without error, when the key is unclaimed or claimed
	// by a different session.
	ReleaseKey(ctx context.Context, key, sessionID string) (bool, error)

	// WatchKey blocks until the key's claim state changes past sinceIndex
	// or wait elapses, whichever comes first, and returns the latest
	// observed index. Returning without a change is not an error; callers
	// re-check the claim either way.
	WatchKey(ctx context.Context, key string, sinceIndex uint64, wait time.Duration) (uint64, error)
}

// transportErr classifies a backend failure into the shared taxonomy while
// preserving the cause in the message.
func transportErr(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", serrors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", serrors.ErrUnavailable, err)
}
