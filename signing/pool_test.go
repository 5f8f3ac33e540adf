package signing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

type fakeMeta struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Presignature
	claims map[uuid.UUID]bool
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{byID: map[uuid.UUID]*Presignature{}, claims: map[uuid.UUID]bool{}}
}

func (f *fakeMeta) InsertPresignature(ctx context.Context, p *Presignature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[p.ID] = p
	return nil
}

func (f *fakeMeta) ClaimPresignature(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[id] {
		return false, nil
	}
	f.claims[id] = true
	return true, nil
}

func (f *fakeMeta) DiscardPresignature(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

func (f *fakeMeta) ReadyPresignatures(ctx context.Context, scheme Scheme, limit int) ([]*Presignature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Presignature
	for id, p := range f.byID {
		if f.claims[id] || p.Scheme != scheme {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeMeta) CountReady(ctx context.Context, scheme Scheme) (int, error) {
	ready, _ := f.ReadyPresignatures(ctx, scheme, 0)
	return len(ready), nil
}

type fakeSecrets struct {
	mu sync.Mutex
	m  map[uuid.UUID]*Share
}

func newFakeSecrets() *fakeSecrets { return &fakeSecrets{m: map[uuid.UUID]*Share{}} }

func (f *fakeSecrets) PutShare(ctx context.Context, s *Share) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[s.PresigID] = s
	return nil
}
func (f *fakeSecrets) GetShare(ctx context.Context, id uuid.UUID) (*Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[id], nil
}
func (f *fakeSecrets) DeleteShare(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, id)
	return nil
}

type fakeRunner struct{ n int }

func (r *fakeRunner) RunOffline(ctx context.Context, scheme Scheme, participants []identity.NodeID) (*Presignature, *Share, error) {
	r.n++
	id := uuid.New()
	return &Presignature{ID: id, Scheme: scheme, Participants: participants, CreatedAt: time.Now()},
		&Share{PresigID: id}, nil
}

func TestPoolRefillReachesTarget(t *testing.T) {
	meta := newFakeMeta()
	secrets := newFakeSecrets()
	runner := &fakeRunner{}
	participants := []identity.NodeID{1, 2, 3, 4}

	pool := NewPool(nil, meta, secrets, runner, PoolConfig{MinReady: 3, TargetReady: 5, MaxConcurrent: 2})
	require.NoError(t, pool.Refill(context.Background(), ECDSA, participants))

	count, err := meta.CountReady(context.Background(), ECDSA)
	require.NoError(t, err)
	require.Equal(t, 5, count)
}

func TestPoolClaimIsFIFOAndExclusive(t *testing.T) {
	meta := newFakeMeta()
	secrets := newFakeSecrets()
	participants := []identity.NodeID{1, 2, 3, 4}

	older := &Presignature{ID: uuid.New(), Scheme: ECDSA, Participants: participants, CreatedAt: time.Now().Add(-time.Minute)}
	newer := &Presignature{ID: uuid.New(), Scheme: ECDSA, Participants: participants, CreatedAt: time.Now()}
	require.NoError(t, meta.InsertPresignature(context.Background(), older))
	require.NoError(t, meta.InsertPresignature(context.Background(), newer))
	require.NoError(t, secrets.PutShare(context.Background(), &Share{PresigID: older.ID}))
	require.NoError(t, secrets.PutShare(context.Background(), &Share{PresigID: newer.ID}))

	pool := NewPool(nil, meta, secrets, &fakeRunner{}, PoolConfig{})
	claimed, _, err := pool.Claim(context.Background(), ECDSA, participants)
	require.NoError(t, err)
	require.Equal(t, older.ID, claimed.ID)

	_, _, err = pool.Claim(context.Background(), ECDSA, participants)
	require.NoError(t, err)

	_, _, err = pool.Claim(context.Background(), ECDSA, participants)
	require.Error(t, err)
}

func TestPoolDiscardForBanRemovesAffectedPresignatures(t *testing.T) {
	meta := newFakeMeta()
	secrets := newFakeSecrets()
	affected := &Presignature{ID: uuid.New(), Scheme: ECDSA, Participants: []identity.NodeID{1, 2, 3, 9}, CreatedAt: time.Now()}
	unaffected := &Presignature{ID: uuid.New(), Scheme: ECDSA, Participants: []identity.NodeID{1, 2, 3, 4}, CreatedAt: time.Now()}
	require.NoError(t, meta.InsertPresignature(context.Background(), affected))
	require.NoError(t, meta.InsertPresignature(context.Background(), unaffected))

	pool := NewPool(nil, meta, secrets, &fakeRunner{}, PoolConfig{})
	require.NoError(t, pool.DiscardForBan(context.Background(), ECDSA, identity.NodeID(9)))

	count, _ := meta.CountReady(context.Background(), ECDSA)
	require.Equal(t, 1, count)
}
