// Package coordinator elects the per-session leader that drives round
// progression, backed by a replicated KV store's lease/compare-and-swap
// primitives.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// LeaseTTL and RenewInterval come from spec.md's coordinator election rule.
const (
	LeaseTTL      = 15 * time.Second
	RenewInterval = 5 * time.Second
)

// LeaseKV is the slice of the replicated KV store (C1's KV half) the
// election needs: a lease with a bounded TTL and a create-if-absent put
// that only succeeds while holding that lease.
type LeaseKV interface {
	GrantLease(ctx context.Context, ttl time.Duration) (leaseID int64, err error)
	KeepAliveOnce(ctx context.Context, leaseID int64) error
	RevokeLease(ctx context.Context, leaseID int64) error
	AcquireIfAbsent(ctx context.Context, key string, value string, leaseID int64) (acquired bool, err error)
	Get(ctx context.Context, key string) (value string, found bool, err error)
}

// Elector runs leader election for one session key.
type Elector struct {
	kv  LeaseKV
	log *zap.Logger
}

// NewElector builds an Elector bound to the cluster's KV store.
func NewElector(kv LeaseKV, log *zap.Logger) *Elector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Elector{kv: kv, log: log}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("/mpc/leader/%s", sessionID)
}

// TryAcquire attempts to become coordinator for sessionID. On success it
// returns a Lease the caller must keep alive with Renew and eventually
// Release.
func (e *Elector) TryAcquire(ctx context.Context, sessionID string, self identity.NodeID) (*Lease, error) {
	leaseID, err := e.kv.GrantLease(ctx, LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("coordinator: grant lease: %w", err)
	}
	ok, err := e.kv.AcquireIfAbsent(ctx, sessionKey(sessionID), nodeIDValue(self), leaseID)
	if err != nil {
		_ = e.kv.RevokeLease(ctx, leaseID)
		return nil, fmt.Errorf("coordinator: acquire: %w", err)
	}
	if !ok {
		_ = e.kv.RevokeLease(ctx, leaseID)
		return nil, nil
	}
	return &Lease{elector: e, sessionID: sessionID, leaseID: leaseID, holder: self}, nil
}

// CurrentLeader returns the NodeID currently holding the leader key for
// sessionID, per the deterministic NodeID fallback order when nobody holds
// it yet: the lowest NodeID among the supplied candidates wins.
func (e *Elector) CurrentLeader(ctx context.Context, sessionID string, candidates []identity.NodeID) (identity.NodeID, error) {
	value, found, err := e.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return 0, fmt.Errorf("coordinator: get leader key: %w", err)
	}
	if found {
		n, err := nodeIDFromValue(value)
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	if len(candidates) == 0 {
		return 0, fmt.Errorf("coordinator: no candidates for fallback ordering")
	}
	sorted := append([]identity.NodeID(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[0], nil
}

// Lease represents a held coordinator lease for one session.
type Lease struct {
	elector   *Elector
	sessionID string
	leaseID   int64
	holder    identity.NodeID
}

// Renew keeps the lease alive; callers should call this at least every
// RenewInterval.
func (l *Lease) Renew(ctx context.Context) error {
	if err := l.elector.kv.KeepAliveOnce(ctx, l.leaseID); err != nil {
		return fmt.Errorf("coordinator: renew lease: %w", err)
	}
	return nil
}

// Release gives up coordinator status for this session.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.elector.kv.RevokeLease(ctx, l.leaseID); err != nil {
		return fmt.Errorf("coordinator: release lease: %w", err)
	}
	return nil
}

// RunRenewLoop renews the lease every RenewInterval until ctx is cancelled
// or renewal fails, reporting the terminal error (if any) on the returned
// channel.
func (l *Lease) RunRenewLoop(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				done <- nil
				return
			case <-ticker.C:
				if err := l.Renew(ctx); err != nil {
					l.elector.log.Warn("coordinator: lease renewal failed", zap.String("session", l.sessionID), zap.Error(err))
					done <- err
					return
				}
			}
		}
	}()
	return done
}

func nodeIDValue(n identity.NodeID) string {
	return fmt.Sprintf("%d", n)
}

func nodeIDFromValue(v string) (identity.NodeID, error) {
	var n uint32
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("coordinator: malformed leader value %q: %w", v, err)
	}
	return identity.NodeID(n), nil
}
