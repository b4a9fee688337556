package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lockmesh/go-sessionlock/v1/store"
)

// countingStore counts renew calls on its way through to the inner store.
type countingStore struct {
	store.Store
	renews atomic.Int64
}

func (c *countingStore) RenewSession(ctx context.Context, id string) (store.RenewResult, error) {
	c.renews.Add(1)
	return c.Store.RenewSession(ctx, id)
}

// goneStore answers every renew with NotFound.
type goneStore struct {
	store.Store
	renews atomic.Int64
}

func (g *goneStore) RenewSession(ctx context.Context, id string) (store.RenewResult, error) {
	g.renews.Add(1)
	return store.NotFound, nil
}

func TestHeartbeatCadence(t *testing.T) {
	mem := store.NewInMemory(nil)
	defer mem.Close()
	cs := &countingStore{Store: mem}

	mgr := NewManager(cs, nil)
	if err := mgr.Start(context.Background(), 200*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	hb := StartHeartbeat(mgr, 20*time.Millisecond, nil, nil)
	if hb.Interval() != 100*time.Millisecond {
		t.Fatalf("interval %v, want ttl/2", hb.Interval())
	}

	time.Sleep(360 * time.Millisecond)
	hb.Stop()

	if n := cs.renews.Load(); n < 2 || n > 4 {
		t.Fatalf("renew count %d, want about 3 at ttl/2 cadence", n)
	}

	// No renew may be issued after Stop returns.
	after := cs.renews.Load()
	time.Sleep(250 * time.Millisecond)
	if n := cs.renews.Load(); n != after {
		t.Fatalf("renew after stop: %d -> %d", after, n)
	}
	mgr.Stop(context.Background())
}

func TestHeartbeatFloorBoundsInterval(t *testing.T) {
	mem := store.NewInMemory(nil)
	defer mem.Close()

	mgr := NewManager(mem, nil)
	if err := mgr.Start(context.Background(), 100*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	hb := StartHeartbeat(mgr, time.Second, nil, nil)
	defer hb.Stop()
	if hb.Interval() != time.Second {
		t.Fatalf("interval %v, want the floor", hb.Interval())
	}
}

func TestHeartbeatLossFiresExactlyOnceAndTerminates(t *testing.T) {
	mem := store.NewInMemory(nil)
	defer mem.Close()
	gs := &goneStore{Store: mem}

	mgr := NewManager(gs, nil)
	if err := mgr.Start(context.Background(), 100*time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}

	var losses atomic.Int64
	hb := StartHeartbeat(mgr, 20*time.Millisecond, func() {
		losses.Add(1)
	}, nil)

	time.Sleep(300 * time.Millisecond)
	if n := losses.Load(); n != 1 {
		t.Fatalf("loss callback fired %d times", n)
	}
	// The loop terminated at the first NotFound and never renewed again.
	if n := gs.renews.Load(); n != 1 {
		t.Fatalf("renew count %d after invalidation", n)
	}
	if got := mgr.State(); got != Invalidated {
		t.Fatalf("state %v, want invalidated", got)
	}
	hb.Stop() // must not hang on a finished loop
}

func TestHeartbeatStopBeforeFirstTick(t *testing.T) {
	mem := store.NewInMemory(nil)
	defer mem.Close()
	cs := &countingStore{Store: mem}

	mgr := NewManager(cs, nil)
	if err := mgr.Start(context.Background(), time.Minute); err != nil {
		t.Fatalf("start: %v", err)
	}
	hb := StartHeartbeat(mgr, time.Second, nil, nil)
	hb.Stop()
	hb.Stop() // idempotent
	if n := cs.renews.Load(); n != 0 {
		t.Fatalf("renew count %d before first tick", n)
	}
}
