package wakebus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*RedisBus, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisBus(client), context.Background()
}

func TestRedisBusPublishWakesSubscribers(t *testing.T) {
	bus, ctx := newRedisBus(t)
	a, err := bus.Subscribe(ctx, "res1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b, err := bus.Subscribe(ctx, "res1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Give the shared pub/sub receiver a moment to attach.
	time.Sleep(50 * time.Millisecond)
	if err := bus.Publish(ctx, "res1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for wake")
		}
	}
}

func TestRedisBusUnsubscribeLastClosesPubSub(t *testing.T) {
	bus, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "res1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "res1", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("wake delivered after unsubscribe")
	default:
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["res1"]; ok {
		t.Fatal("subscription still present after unsubscribe")
	}
}
