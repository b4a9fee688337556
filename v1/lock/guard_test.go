package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lockmesh/go-sessionlock/v1/store"
)

func blockCfg(key string, timeout time.Duration) Config {
	return Config{
		Key:        key,
		SessionTTL: time.Minute,
		Wait:       WaitPolicy{Mode: Block, Timeout: timeout},
	}
}

func TestGuardConfigValidation(t *testing.T) {
	m := store.NewInMemory(nil)
	defer m.Close()

	cases := []Config{
		{SessionTTL: time.Minute, Wait: WaitPolicy{Mode: FailFast}},           // no key
		{Key: "res1", Wait: WaitPolicy{Mode: FailFast}},                       // no ttl
		{Key: "res1", SessionTTL: time.Minute},                                // no wait mode
		{Key: "res1", SessionTTL: time.Minute, Wait: WaitPolicy{Mode: Block}}, // block without timeout
	}
	for i, cfg := range cases {
		if _, err := NewGuard(m, cfg); !errors.Is(err, ErrConfig) {
			t.Fatalf("case %d: expected ErrConfig, got %v", i, err)
		}
	}
}

func TestGuardRunsBodyAndReleases(t *testing.T) {
	m := store.NewInMemory(nil)
	defer m.Close()
	g, err := NewGuard(m, blockCfg("res1", time.Second))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	ran := false
	err = g.Do(context.Background(), func(ctx context.Context, h *Handle) error {
		ran = true
		if h.Key() != "res1" || h.SessionID() == "" {
			t.Errorf("handle %q/%q", h.Key(), h.SessionID())
		}
		if h.IsLost() {
			t.Error("fresh lock reported lost")
		}
		if owner, ok := m.Owner("res1"); !ok || owner != h.SessionID() {
			t.Errorf("owner %q ok %v during body", owner, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !ran {
		t.Fatal("body did not run")
	}
	if _, ok := m.Owner("res1"); ok {
		t.Fatal("key still claimed after Do returned")
	}
}

func TestGuardMutualExclusion(t *testing.T) {
	m := store.NewInMemory(nil)
	defer m.Close()

	var inside atomic.Int32
	var eg errgroup.Group
	for i := 0; i < 4; i++ {
		eg.Go(func() error {
			g, err := NewGuard(m, blockCfg("res1", 10*time.Second))
			if err != nil {
				return err
			}
			return g.Do(context.Background(), func(ctx context.Context, h *Handle) error {
				if n := inside.Add(1); n != 1 {
					t.Errorf("%d guarded sections overlapping", n)
				}
				time.Sleep(20 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("guarded run failed: %v", err)
	}
}

// Two clients contend for the same key: the second observes contention
// while the first holds, then succeeds after the first's teardown, with no
// overlap of the guarded bodies.
func TestGuardContendedThenSucceeds(t *testing.T) {
	m := store.NewInMemory(nil)
	defer m.Close()

	holding := make(chan struct{})
	var firstDone, secondStart time.Time

	var eg errgroup.Group
	eg.Go(func() error {
		g, err := NewGuard(m, blockCfg("res1", time.Second))
		if err != nil {
			return err
		}
		return g.Do(context.Background(), func(ctx context.Context, h *Handle) error {
			close(holding)
			time.Sleep(150 * time.Millisecond)
			firstDone = time.Now()
			return nil
		})
	})

	<-holding
	ff, err := NewGuard(m, Config{
		Key:        "res1",
		SessionTTL: time.Minute,
		Wait:       WaitPolicy{Mode: FailFast},
	})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if err := ff.Do(context.Background(), func(ctx context.Context, h *Handle) error {
		t.Error("fail-fast body ran while key held elsewhere")
		return nil
	}); !errors.Is(err, ErrContended) {
		t.Fatalf("expected ErrContended, got %v", err)
	}

	g2, err := NewGuard(m, blockCfg("res1", 5*time.Second))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if err := g2.Do(context.Background(), func(ctx context.Context, h *Handle) error {
		secondStart = time.Now()
		return nil
	}); err != nil {
		t.Fatalf("second do: %v", err)
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("first do: %v", err)
	}
	if secondStart.Before(firstDone) {
		t.Fatal("guarded bodies overlapped")
	}
}

// stallStore delays the first renewal past the session's TTL, simulating a
// heartbeat suspended long enough for the service to expire the session.
type stallStore struct {
	store.Store
	delay   time.Duration
	stalled atomic.Bool
}

func (s *stallStore) RenewSession(ctx context.Context, id string) (store.RenewResult, error) {
	if s.stalled.CompareAndSwap(false, true) {
		time.Sleep(s.delay)
	}
	return s.Store.RenewSession(ctx, id)
}

func TestGuardLivenessLossObservable(t *testing.T) {
	mem := store.NewInMemory(nil)
	defer mem.Close()
	st := &stallStore{Store: mem, delay: 400 * time.Millisecond}

	g, err := NewGuard(st, Config{
		Key:            "res1",
		SessionTTL:     100 * time.Millisecond,
		HeartbeatFloor: 20 * time.Millisecond,
		Wait:           WaitPolicy{Mode: FailFast},
	})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	observed := false
	err = g.Do(context.Background(), func(ctx context.Context, h *Handle) error {
		select {
		case <-h.Lost():
			observed = true
		case <-time.After(3 * time.Second):
		}
		return nil
	})
	if !observed {
		t.Fatal("liveness loss not observed by the guarded section")
	}
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}

// dropReleaseStore fails key releases, as a partitioned service would.
type dropReleaseStore struct {
	store.Store
}

var errReleaseDown = errors.New("release unreachable")

func (d *dropReleaseStore) ReleaseKey(ctx context.Context, key, id string) (bool, error) {
	return false, errReleaseDown
}

func TestGuardTeardownErrorSurfacedOnSuccess(t *testing.T) {
	mem := store.NewInMemory(nil)
	defer mem.Close()
	g, err := NewGuard(&dropReleaseStore{Store: mem}, blockCfg("res1", time.Second))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	err = g.Do(context.Background(), func(ctx context.Context, h *Handle) error {
		return nil
	})
	var td *TeardownError
	if !errors.As(err, &td) {
		t.Fatalf("expected TeardownError, got %v", err)
	}
	if !errors.Is(err, errReleaseDown) {
		t.Fatalf("teardown cause lost: %v", err)
	}
}

func TestGuardBodyErrorWinsOverTeardown(t *testing.T) {
	mem := store.NewInMemory(nil)
	defer mem.Close()
	g, err := NewGuard(&dropReleaseStore{Store: mem}, blockCfg("res1", time.Second))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	errBody := errors.New("work failed")
	err = g.Do(context.Background(), func(ctx context.Context, h *Handle) error {
		return errBody
	})
	if !errors.Is(err, errBody) {
		t.Fatalf("expected body error, got %v", err)
	}
	var td *TeardownError
	if errors.As(err, &td) {
		t.Fatal("teardown error masked the body error")
	}
}

func TestGuardReleasesOnPanic(t *testing.T) {
	m := store.NewInMemory(nil)
	defer m.Close()
	g, err := NewGuard(m, blockCfg("res1", time.Second))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = g.Do(context.Background(), func(ctx context.Context, h *Handle) error {
			panic("guarded section exploded")
		})
	}()

	// The key must be free again despite the panic.
	ff, err := NewGuard(m, Config{
		Key:        "res1",
		SessionTTL: time.Minute,
		Wait:       WaitPolicy{Mode: FailFast},
	})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if err := ff.Do(context.Background(), func(ctx context.Context, h *Handle) error {
		return nil
	}); err != nil {
		t.Fatalf("re-acquire after panic: %v", err)
	}
}

func TestGuardSessionStartFailureAbortsBeforeBody(t *testing.T) {
	g, err := NewGuard(&unreachableStore{}, blockCfg("res1", time.Second))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	err = g.Do(context.Background(), func(ctx context.Context, h *Handle) error {
		t.Error("body ran without a session")
		return nil
	})
	if err == nil {
		t.Fatal("expected session start failure")
	}
}

type unreachableStore struct{}

var errUnreachable = errors.New("no route to coordination service")

func (u *unreachableStore) CreateSession(context.Context, time.Duration) (string, error) {
	return "", errUnreachable
}

func (u *unreachableStore) RenewSession(context.Context, string) (store.RenewResult, error) {
	return store.NotFound, errUnreachable
}

func (u *unreachableStore) DestroySession(context.Context, string) error { return errUnreachable }

func (u *unreachableStore) AcquireKey(context.Context, string, []byte, string) (store.AcquireResult, error) {
	return store.AcquireResult{}, errUnreachable
}

func (u *unreachableStore) ReleaseKey(context.Context, string, string) (bool, error) {
	return false, errUnreachable
}

func (u *unreachableStore) WatchKey(context.Context, string, uint64, time.Duration) (uint64, error) {
	return 0, errUnreachable
}
