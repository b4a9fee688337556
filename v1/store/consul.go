package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"
)

// Consul implements Store on Consul's session and KV APIs. Sessions are
// created with delete behavior so every key a session claims vanishes when
// the session expires or is destroyed; WatchKey maps onto blocking queries.
type Consul struct {
	client *api.Client
	name   string
}

// NewConsul returns a Consul store using the provided client. name is the
// session name recorded on the service for diagnostics; empty defaults to
// "seslock".
func NewConsul(client *api.Client, name string) *Consul {
	if name == "" {
		name = "seslock"
	}
	return &Consul{client: client, name: name}
}

// CreateSession implements Store.CreateSession. Consul enforces a minimum
// session TTL of 10 seconds; smaller values are rejected by the service.
func (c *Consul) CreateSession(ctx context.Context, ttl time.Duration) (string, error) {
	entry := &api.SessionEntry{
		Name:     c.name,
		Behavior: api.SessionBehaviorDelete,
		TTL:      ttl.String(),
	}
	id, _, err := c.client.Session().Create(entry, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return "", transportErr(err)
	}
	return id, nil
}

// RenewSession implements Store.RenewSession. Consul answers a renewal of a
// missing session with no entry rather than an error.
func (c *Consul) RenewSession(ctx context.Context, sessionID string) (RenewResult, error) {
	entry, _, err := c.client.Session().Renew(sessionID, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return NotFound, transportErr(err)
	}
	if entry == nil {
		return NotFound, nil
	}
	return Renewed, nil
}

// DestroySession implements Store.DestroySession.
func (c *Consul) DestroySession(ctx context.Context, sessionID string) error {
	if _, err := c.client.Session().Destroy(sessionID, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return transportErr(err)
	}
	return nil
}

// AcquireKey implements Store.AcquireKey. The CAS is Consul's native
// `?acquire=<session>` operation; the follow-up read provides the modify
// index watchers start from.
func (c *Consul) AcquireKey(ctx context.Context, key string, value []byte, sessionID string) (AcquireResult, error) {
	pair := &api.KVPair{Key: key, Value: value, Session: sessionID}
	acquired, _, err := c.client.KV().Acquire(pair, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return AcquireResult{}, transportErr(err)
	}
	_, meta, err := c.client.KV().Get(key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return AcquireResult{}, transportErr(err)
	}
	return AcquireResult{Acquired: acquired, Index: meta.LastIndex}, nil
}

// ReleaseKey implements Store.ReleaseKey.
func (c *Consul) ReleaseKey(ctx context.Context, key, sessionID string) (bool, error) {
	pair := &api.KVPair{Key: key, Session: sessionID}
	released, _, err := c.client.KV().Release(pair, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, transportErr(err)
	}
	return released, nil
}

// WatchKey implements Store.WatchKey via a blocking query.
func (c *Consul) WatchKey(ctx context.Context, key string, sinceIndex uint64, wait time.Duration) (uint64, error) {
	opts := &api.QueryOptions{WaitIndex: sinceIndex, WaitTime: wait}
	_, meta, err := c.client.KV().Get(key, opts.WithContext(ctx))
	if err != nil {
		return sinceIndex, transportErr(err)
	}
	if meta == nil {
		return sinceIndex, transportErr(fmt.Errorf("blocking query returned no metadata"))
	}
	return meta.LastIndex, nil
}
