package store

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// KVStore wraps an etcd v3 client for the cluster's replicated
// coordination state: leader leases, node heartbeats, and the
// presignature-pool watermark.
type KVStore struct {
	client *clientv3.Client
}

// OpenKVStore dials the replicated KV cluster.
func OpenKVStore(endpoints []string, dialTimeout time.Duration) (*KVStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("store: dial etcd: %w", err)
	}
	return &KVStore{client: client}, nil
}

func (k *KVStore) Close() error {
	return k.client.Close()
}

// GrantLease requests a new lease with the given TTL.
func (k *KVStore) GrantLease(ctx context.Context, ttl time.Duration) (int64, error) {
	resp, err := k.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("store: grant lease: %w", err)
	}
	return int64(resp.ID), nil
}

// KeepAliveOnce sends a single lease renewal.
func (k *KVStore) KeepAliveOnce(ctx context.Context, leaseID int64) error {
	_, err := k.client.KeepAliveOnce(ctx, clientv3.LeaseID(leaseID))
	if err != nil {
		return fmt.Errorf("store: keepalive lease %d: %w", leaseID, err)
	}
	return nil
}

// RevokeLease releases a lease (and any key attached to it).
func (k *KVStore) RevokeLease(ctx context.Context, leaseID int64) error {
	_, err := k.client.Revoke(ctx, clientv3.LeaseID(leaseID))
	if err != nil {
		return fmt.Errorf("store: revoke lease %d: %w", leaseID, err)
	}
	return nil
}

// AcquireIfAbsent performs a create-if-absent put scoped to leaseID using
// an etcd transaction keyed on the key's creation revision being zero.
func (k *KVStore) AcquireIfAbsent(ctx context.Context, key, value string, leaseID int64) (bool, error) {
	txn := k.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, clientv3.WithLease(clientv3.LeaseID(leaseID)))).
		Else()
	resp, err := txn.Commit()
	if err != nil {
		return false, fmt.Errorf("store: acquire-if-absent %q: %w", key, err)
	}
	return resp.Succeeded, nil
}

// Get reads a single key.
func (k *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := k.client.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Put writes a key unconditionally (used for heartbeats, which have no
// leader-election semantics).
func (k *KVStore) Put(ctx context.Context, key, value string) error {
	_, err := k.client.Put(ctx, key, value)
	if err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

func heartbeatKey(n identity.NodeID) string {
	return fmt.Sprintf("/mpc/heartbeat/%d", n)
}

// PutHeartbeat records a node's liveness timestamp.
func (k *KVStore) PutHeartbeat(ctx context.Context, node identity.NodeID, at time.Time) error {
	return k.Put(ctx, heartbeatKey(node), at.UTC().Format(time.RFC3339Nano))
}

// GetHeartbeat reads a node's last known liveness timestamp.
func (k *KVStore) GetHeartbeat(ctx context.Context, node identity.NodeID) (time.Time, bool, error) {
	v, found, err := k.Get(ctx, heartbeatKey(node))
	if err != nil || !found {
		return time.Time{}, found, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: parse heartbeat timestamp: %w", err)
	}
	return t, true, nil
}

// PresigWatermarkKey names the shared KV key for the presignature pool
// watermark. No code in this module reads or writes it; the pool's refill
// watchdog works from the presignature rows in the relational store.
const PresigWatermarkKey = "/mpc/presig/watermark"
