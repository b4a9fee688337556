package wakebus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

const channelPrefix = "seslock:wake:"

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus on top of Redis pub/sub, waking waiters in other
// processes that share the same Redis deployment as the store.
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redisSubscription
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	return b.client.Publish(ctx, channelPrefix+key, "1").Err()
}

// Subscribe implements Bus.Subscribe. The first subscriber for a key opens
// the underlying pub/sub channel; later subscribers share it.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		pubsub := b.client.Subscribe(context.Background(), channelPrefix+key)
		sub = &redisSubscription{pubsub: pubsub}
		b.subs[key] = sub
		go func() {
			for range pubsub.Channel() {
				b.mu.Lock()
				cur := b.subs[key]
				var chans []chan struct{}
				if cur != nil {
					chans = append(chans, cur.chans...)
				}
				b.mu.Unlock()
				for _, c := range chans {
					select {
					case c <- struct{}{}:
					default:
					}
				}
			}
		}()
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. The pub/sub channel is closed when
// the last subscriber for a key leaves.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			break
		}
	}
	var pubsub *redis.PubSub
	if len(sub.chans) == 0 {
		pubsub = sub.pubsub
		delete(b.subs, key)
	}
	b.mu.Unlock()
	if pubsub != nil {
		return pubsub.Close()
	}
	return nil
}
