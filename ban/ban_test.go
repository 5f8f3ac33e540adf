package ban

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/voting"
)

type fakeLedger struct {
	mu         sync.Mutex
	violations map[identity.NodeID]int
	standing   map[identity.NodeID]*Standing
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{violations: map[identity.NodeID]int{}, standing: map[identity.NodeID]*Standing{}}
}

func (f *fakeLedger) RecordViolation(ctx context.Context, v Violation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations[v.NodeID]++
	return nil
}

func (f *fakeLedger) CountViolations(ctx context.Context, node identity.NodeID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.violations[node], nil
}

func (f *fakeLedger) UpsertNodeStatus(ctx context.Context, node identity.NodeID, banned bool, bannedUntil time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.standing[node] = &Standing{NodeID: node, TotalViolations: f.violations[node], Banned: banned, BannedUntil: bannedUntil}
	return nil
}

func (f *fakeLedger) GetStanding(ctx context.Context, node identity.NodeID) (*Standing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.standing[node], nil
}

func TestBanTriggersAtThreshold(t *testing.T) {
	ledger := newFakeLedger()
	var bannedNode identity.NodeID
	tracker := NewTracker(ledger, func(ctx context.Context, node identity.NodeID, until time.Time) {
		bannedNode = node
	})

	now := time.Now()
	for i := 0; i < BanThreshold-1; i++ {
		require.NoError(t, tracker.Record(context.Background(), Violation{NodeID: 3, Kind: voting.ViolationDoubleVote, At: now}))
	}
	banned, err := tracker.IsBanned(context.Background(), 3, now)
	require.NoError(t, err)
	require.False(t, banned)

	require.NoError(t, tracker.Record(context.Background(), Violation{NodeID: 3, Kind: voting.ViolationDoubleVote, At: now}))
	require.Equal(t, identity.NodeID(3), bannedNode)

	banned, err = tracker.IsBanned(context.Background(), 3, now)
	require.NoError(t, err)
	require.True(t, banned)

	banned, err = tracker.IsBanned(context.Background(), 3, now.Add(BanDuration+time.Minute))
	require.NoError(t, err)
	require.False(t, banned)
}

func TestRecordRejectsNonViolation(t *testing.T) {
	tracker := NewTracker(newFakeLedger(), nil)
	err := tracker.Record(context.Background(), Violation{NodeID: 1, Kind: voting.ViolationNone})
	require.Error(t, err)
}
