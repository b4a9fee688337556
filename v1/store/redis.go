package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/lockmesh/go-sessionlock/v1/wakebus"
)

const (
	sessionPrefix = "seslock:session:"
	claimPrefix   = "seslock:claim:"
	ownedPrefix   = "seslock:owned:"
	indexPrefix   = "seslock:index:"

	// watchPollInterval bounds how stale a Redis watcher can be: claim
	// expiry through session TTL produces no pub/sub event, so watchers
	// re-check at this cadence while waiting for a wake.
	watchPollInterval = 250 * time.Millisecond
)

// acquireScript claims the key if it is unclaimed, binding the claim's
// lifetime to the session's remaining TTL. Re-acquire by the owner is a
// no-op success. Returns {-1,0} for an unknown or expired session,
// {1,index} on success, {0,index} when held by another session.
var acquireScript = redis.NewScript(`
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
	return {-1, 0}
end
local owner = redis.call("HGET", KEYS[2], "sid")
if owner == false then
	redis.call("HSET", KEYS[2], "sid", ARGV[1], "val", ARGV[2])
	redis.call("PEXPIRE", KEYS[2], ttl)
	redis.call("SADD", KEYS[3], ARGV[3])
	redis.call("PEXPIRE", KEYS[3], ttl)
	return {1, redis.call("INCR", KEYS[4])}
end
local idx = tonumber(redis.call("GET", KEYS[4]) or "0")
if owner == ARGV[1] then
	return {1, idx}
end
return {0, idx}
`)

// releaseScript drops the claim only when held by the given session.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "sid") == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[2])
	redis.call("INCR", KEYS[3])
	return 1
end
return 0
`)

// Redis implements Store on a Redis deployment. A session is a TTL'd key
// plus a set of the claims it owns; renewal re-arms the session and every
// owned claim, so claims die with the session exactly as the service-side
// delete behavior of the other backends.
type Redis struct {
	client *redis.Client
	bus    wakebus.Bus
}

// NewRedis returns a Redis store using the provided client. A nil bus gets
// a RedisBus on the same client so waiters in other processes are woken.
func NewRedis(client *redis.Client, bus wakebus.Bus) *Redis {
	if bus == nil {
		bus = wakebus.NewRedisBus(client)
	}
	return &Redis{client: client, bus: bus}
}

// CreateSession implements Store.CreateSession. The TTL is recorded beside
// the session so renewals re-arm it with the original duration.
func (r *Redis) CreateSession(ctx context.Context, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("store: session ttl must be positive")
	}
	id := uuid.NewString()
	if err := r.client.Set(ctx, sessionPrefix+id, ttl.Milliseconds(), ttl).Err(); err != nil {
		return "", transportErr(err)
	}
	return id, nil
}

// RenewSession implements Store.RenewSession.
func (r *Redis) RenewSession(ctx context.Context, sessionID string) (RenewResult, error) {
	ttlMillis, err := r.client.Get(ctx, sessionPrefix+sessionID).Int64()
	if err == redis.Nil {
		return NotFound, nil
	}
	if err != nil {
		return NotFound, transportErr(err)
	}
	ttl := time.Duration(ttlMillis) * time.Millisecond
	ok, err := r.client.PExpire(ctx, sessionPrefix+sessionID, ttl).Result()
	if err != nil {
		return NotFound, transportErr(err)
	}
	if !ok {
		return NotFound, nil
	}
	// Re-arm the owned claims. Racing a concurrent expiry here is
	// harmless: a claim that slipped away stays away.
	keys, err := r.client.SMembers(ctx, ownedPrefix+sessionID).Result()
	if err != nil {
		return Renewed, transportErr(err)
	}
	pipe := r.client.Pipeline()
	pipe.PExpire(ctx, ownedPrefix+sessionID, ttl)
	for _, key := range keys {
		pipe.PExpire(ctx, claimPrefix+key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Renewed, transportErr(err)
	}
	return Renewed, nil
}

// DestroySession implements Store.DestroySession.
func (r *Redis) DestroySession(ctx context.Context, sessionID string) error {
	keys, err := r.client.SMembers(ctx, ownedPrefix+sessionID).Result()
	if err != nil && err != redis.Nil {
		return transportErr(err)
	}
	for _, key := range keys {
		released, err := r.ReleaseKey(ctx, key, sessionID)
		if err != nil {
			return err
		}
		_ = released
	}
	if err := r.client.Del(ctx, sessionPrefix+sessionID, ownedPrefix+sessionID).Err(); err != nil {
		return transportErr(err)
	}
	return nil
}

// AcquireKey implements Store.AcquireKey.
func (r *Redis) AcquireKey(ctx context.Context, key string, value []byte, sessionID string) (AcquireResult, error) {
	res, err := acquireScript.Run(ctx, r.client,
		[]string{sessionPrefix + sessionID, claimPrefix + key, ownedPrefix + sessionID, indexPrefix + key},
		sessionID, string(value), key).Result()
	if err != nil {
		return AcquireResult{}, transportErr(err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return AcquireResult{}, errors.New("store: unexpected acquire script reply")
	}
	code, _ := vals[0].(int64)
	idx, _ := vals[1].(int64)
	switch code {
	case 1:
		_ = r.bus.Publish(ctx, key)
		return AcquireResult{Acquired: true, Index: uint64(idx)}, nil
	case 0:
		return AcquireResult{Acquired: false, Index: uint64(idx)}, nil
	default:
		return AcquireResult{}, fmt.Errorf("store: unknown session %q", sessionID)
	}
}

// ReleaseKey implements Store.ReleaseKey.
func (r *Redis) ReleaseKey(ctx context.Context, key, sessionID string) (bool, error) {
	res, err := releaseScript.Run(ctx, r.client,
		[]string{claimPrefix + key, ownedPrefix + sessionID, indexPrefix + key},
		sessionID, key).Int()
	if err != nil && err != redis.Nil {
		return false, transportErr(err)
	}
	if res != 1 {
		return false, nil
	}
	_ = r.bus.Publish(ctx, key)
	return true, nil
}

// WatchKey implements Store.WatchKey. Wakes arrive over the bus for
// explicit releases; TTL expiry is caught by the bounded poll.
func (r *Redis) WatchKey(ctx context.Context, key string, sinceIndex uint64, wait time.Duration) (uint64, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(watchPollInterval)
	defer poll.Stop()
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := r.bus.Subscribe(subCtx, key)
	if err != nil {
		return sinceIndex, transportErr(err)
	}
	for {
		idx, claimed, err := r.claimState(ctx, key)
		if err != nil {
			return sinceIndex, err
		}
		if idx > sinceIndex || !claimed {
			return idx, nil
		}
		select {
		case <-ch:
		case <-poll.C:
		case <-deadline.C:
			return idx, nil
		case <-ctx.Done():
			return idx, ctx.Err()
		}
	}
}

func (r *Redis) claimState(ctx context.Context, key string) (uint64, bool, error) {
	idx, err := r.client.Get(ctx, indexPrefix+key).Uint64()
	if err != nil && err != redis.Nil {
		return 0, false, transportErr(err)
	}
	claimed, err := r.client.Exists(ctx, claimPrefix+key).Result()
	if err != nil {
		return 0, false, transportErr(err)
	}
	return idx, claimed == 1, nil
}
