package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd implements Store on etcd. A session is a lease; claims are keys
// written under the lease, so they are removed by the service the moment
// the lease expires or is revoked. Watches use etcd's native revision
// stream.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd returns an etcd store writing claims under prefix (default
// "/seslock").
func NewEtcd(client *clientv3.Client, prefix string) *Etcd {
	if prefix == "" {
		prefix = "/seslock"
	}
	return &Etcd{client: client, prefix: prefix}
}

func (e *Etcd) keyPath(key string) string {
	return path.Join(e.prefix, key)
}

func parseLease(sessionID string) (clientv3.LeaseID, error) {
	id, err := strconv.ParseInt(sessionID, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("store: malformed session id %q: %v", sessionID, err)
	}
	return clientv3.LeaseID(id), nil
}

// CreateSession implements Store.CreateSession. etcd lease TTLs are whole
// seconds with a minimum of one.
func (e *Etcd) CreateSession(ctx context.Context, ttl time.Duration) (string, error) {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := e.client.Grant(ctx, seconds)
	if err != nil {
		return "", transportErr(err)
	}
	return strconv.FormatInt(int64(lease.ID), 16), nil
}

// RenewSession implements Store.RenewSession.
func (e *Etcd) RenewSession(ctx context.Context, sessionID string) (RenewResult, error) {
	lease, err := parseLease(sessionID)
	if err != nil {
		return NotFound, err
	}
	if _, err := e.client.KeepAliveOnce(ctx, lease); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return NotFound, nil
		}
		return NotFound, transportErr(err)
	}
	return Renewed, nil
}

// DestroySession implements Store.DestroySession.
func (e *Etcd) DestroySession(ctx context.Context, sessionID string) error {
	lease, err := parseLease(sessionID)
	if err != nil {
		return err
	}
	if _, err := e.client.Revoke(ctx, lease); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return nil
		}
		return transportErr(err)
	}
	return nil
}

// AcquireKey implements Store.AcquireKey. The claim is a transactional put
// guarded on the key not existing; when the guard fails the key's lease is
// compared to detect the idempotent re-acquire case.
func (e *Etcd) AcquireKey(ctx context.Context, key string, value []byte, sessionID string) (AcquireResult, error) {
	lease, err := parseLease(sessionID)
	if err != nil {
		return AcquireResult{}, err
	}
	k := e.keyPath(key)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, string(value), clientv3.WithLease(lease))).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		return AcquireResult{}, transportErr(err)
	}
	index := uint64(resp.Header.Revision)
	if resp.Succeeded {
		return AcquireResult{Acquired: true, Index: index}, nil
	}
	get := resp.Responses[0].GetResponseRange()
	if len(get.Kvs) == 0 {
		// Claim vanished between the guard and the read; report contended
		// and let the caller retry.
		return AcquireResult{Acquired: false, Index: index}, nil
	}
	owner := clientv3.LeaseID(get.Kvs[0].Lease)
	return AcquireResult{Acquired: owner == lease, Index: index}, nil
}

// ReleaseKey implements Store.ReleaseKey. The delete is guarded on the
// key's lease still being the session's, so a claim that moved to another
// session is never released from here.
func (e *Etcd) ReleaseKey(ctx context.Context, key, sessionID string) (bool, error) {
	lease, err := parseLease(sessionID)
	if err != nil {
		return false, err
	}
	k := e.keyPath(key)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.LeaseValue(k), "=", lease)).
		Then(clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return false, transportErr(err)
	}
	return resp.Succeeded, nil
}

// WatchKey implements Store.WatchKey.
func (e *Etcd) WatchKey(ctx context.Context, key string, sinceIndex uint64, wait time.Duration) (uint64, error) {
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	wch := e.client.Watch(wctx, e.keyPath(key), clientv3.WithRev(int64(sinceIndex)+1))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			if wctx.Err() != nil {
				break
			}
			return sinceIndex, transportErr(err)
		}
		if len(resp.Events) > 0 {
			last := resp.Events[len(resp.Events)-1]
			return uint64(last.Kv.ModRevision), nil
		}
	}
	if ctx.Err() != nil {
		return sinceIndex, ctx.Err()
	}
	return sinceIndex, nil
}
