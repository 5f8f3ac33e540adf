package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

type fakeKV struct {
	mu sync.Mutex
	hb map[identity.NodeID]time.Time
}

func newFakeKV() *fakeKV { return &fakeKV{hb: map[identity.NodeID]time.Time{}} }

func (f *fakeKV) PutHeartbeat(ctx context.Context, node identity.NodeID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hb[node] = at
	return nil
}

func (f *fakeKV) GetHeartbeat(ctx context.Context, node identity.NodeID) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.hb[node]
	return t, ok, nil
}

func TestMonitorDerivesStatusFromStaleness(t *testing.T) {
	kv := newFakeKV()
	now := time.Now()
	require.NoError(t, kv.PutHeartbeat(context.Background(), 1, now))

	m := NewMonitor(kv)
	status, err := m.Refresh(context.Background(), 1, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, Online, status)

	status, err = m.Refresh(context.Background(), 1, now.Add(10*time.Second))
	require.NoError(t, err)
	require.Equal(t, Degraded, status)

	status, err = m.Refresh(context.Background(), 1, now.Add(20*time.Second))
	require.NoError(t, err)
	require.Equal(t, Offline, status)
}

func TestMonitorTreatsUnknownNodeAsOffline(t *testing.T) {
	kv := newFakeKV()
	m := NewMonitor(kv)
	status, err := m.Refresh(context.Background(), 99, time.Now())
	require.NoError(t, err)
	require.Equal(t, Offline, status)
}
