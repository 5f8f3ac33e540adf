package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

type fakeKV struct {
	mu     sync.Mutex
	nextID int64
	leases map[int64]bool
	kvs    map[string]string
	owners map[string]int64
}

func newFakeKV() *fakeKV {
	return &fakeKV{leases: map[int64]bool{}, kvs: map[string]string{}, owners: map[string]int64{}}
}

func (f *fakeKV) GrantLease(ctx context.Context, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.leases[f.nextID] = true
	return f.nextID, nil
}

func (f *fakeKV) KeepAliveOnce(ctx context.Context, leaseID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.leases[leaseID] {
		return context.Canceled
	}
	return nil
}

func (f *fakeKV) RevokeLease(ctx context.Context, leaseID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leases, leaseID)
	for k, owner := range f.owners {
		if owner == leaseID {
			delete(f.kvs, k)
			delete(f.owners, k)
		}
	}
	return nil
}

func (f *fakeKV) AcquireIfAbsent(ctx context.Context, key, value string, leaseID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.kvs[key]; exists {
		return false, nil
	}
	f.kvs[key] = value
	f.owners[key] = leaseID
	return true, nil
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kvs[key]
	return v, ok, nil
}

func TestOnlyOneElectorWinsAcquisition(t *testing.T) {
	kv := newFakeKV()
	a := NewElector(kv, nil)
	b := NewElector(kv, nil)

	leaseA, err := a.TryAcquire(context.Background(), "sess-1", identity.NodeID(1))
	require.NoError(t, err)
	require.NotNil(t, leaseA)

	leaseB, err := b.TryAcquire(context.Background(), "sess-1", identity.NodeID(2))
	require.NoError(t, err)
	require.Nil(t, leaseB)

	leader, err := a.CurrentLeader(context.Background(), "sess-1", []identity.NodeID{1, 2})
	require.NoError(t, err)
	require.Equal(t, identity.NodeID(1), leader)
}

func TestFallbackOrderPicksLowestNodeID(t *testing.T) {
	kv := newFakeKV()
	e := NewElector(kv, nil)
	leader, err := e.CurrentLeader(context.Background(), "sess-2", []identity.NodeID{5, 2, 4})
	require.NoError(t, err)
	require.Equal(t, identity.NodeID(2), leader)
}

func TestReleaseAllowsReacquisition(t *testing.T) {
	kv := newFakeKV()
	a := NewElector(kv, nil)
	b := NewElector(kv, nil)

	leaseA, err := a.TryAcquire(context.Background(), "sess-3", identity.NodeID(1))
	require.NoError(t, err)
	require.NoError(t, leaseA.Release(context.Background()))

	leaseB, err := b.TryAcquire(context.Background(), "sess-3", identity.NodeID(2))
	require.NoError(t, err)
	require.NotNil(t, leaseB)
}
