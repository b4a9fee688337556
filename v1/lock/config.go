package lock

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lockmesh/go-sessionlock/v1/session"
)

// ErrConfig is wrapped by every configuration validation failure.
var ErrConfig = errors.New("lock: invalid config")

// WaitMode selects the behavior when the key is held by another session.
// There is no default: contention behavior changes the safety margins of
// the caller, so it must be chosen explicitly.
type WaitMode int

const (
	waitUnspecified WaitMode = iota
	// FailFast returns ErrContended on the first contended attempt.
	FailFast
	// Block waits for the claim to change and retries until Timeout
	// elapses.
	Block
)

// WaitPolicy is the contended-acquisition policy.
type WaitPolicy struct {
	Mode WaitMode
	// Timeout is the overall acquisition deadline for Block mode.
	Timeout time.Duration
}

// Config describes one guarded resource.
type Config struct {
	// Key identifies the resource to lock.
	Key string
	// Value is opaque metadata stored alongside the claim for
	// diagnostics. Defaults to "<hostname>/<uuid>". Not used for
	// correctness.
	Value []byte
	// SessionTTL is how long the service keeps the session alive without
	// renewal. Required.
	SessionTTL time.Duration
	// HeartbeatFloor is the minimum renew interval; zero means
	// session.DefaultHeartbeatFloor.
	HeartbeatFloor time.Duration
	// Wait is the contention policy. Required.
	Wait WaitPolicy
	// Logger receives best-effort teardown and renew diagnostics; nil
	// means no logging.
	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.Key == "" {
		return fmt.Errorf("%w: key is required", ErrConfig)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("%w: session ttl is required", ErrConfig)
	}
	switch c.Wait.Mode {
	case FailFast:
	case Block:
		if c.Wait.Timeout <= 0 {
			return fmt.Errorf("%w: block wait requires a timeout", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: wait mode is required", ErrConfig)
	}
	if c.Value == nil {
		host, _ := os.Hostname()
		c.Value = []byte(host + "/" + uuid.NewString())
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.HeartbeatFloor <= 0 {
		c.HeartbeatFloor = session.DefaultHeartbeatFloor
	}
	return nil
}
