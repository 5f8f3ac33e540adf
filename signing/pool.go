package signing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// PresigMetaStore is the slice of C1 the pool needs: durable, replicated
// bookkeeping of which presignatures exist, their participant set, and
// whether they have been claimed. It never sees secret material.
type PresigMetaStore interface {
	InsertPresignature(ctx context.Context, p *Presignature) error
	ClaimPresignature(ctx context.Context, id uuid.UUID) (bool, error)
	DiscardPresignature(ctx context.Context, id uuid.UUID) error
	ReadyPresignatures(ctx context.Context, scheme Scheme, limit int) ([]*Presignature, error)
	CountReady(ctx context.Context, scheme Scheme) (int, error)
}

// SecretCache is the node-local, non-replicated half of presignature
// storage: the per-node nonce share material that must never leave the
// process that generated it.
type SecretCache interface {
	PutShare(ctx context.Context, s *Share) error
	GetShare(ctx context.Context, id uuid.UUID) (*Share, error)
	DeleteShare(ctx context.Context, id uuid.UUID) error
}

// OfflineRunner executes one full offline-phase presignature generation
// with a given participant set, returning the public presignature and the
// local secret share together. Concrete implementations live behind the
// ECDSA/Schnorr round protocols, which depend on a Broadcaster the same
// way dkg.Engine does.
type OfflineRunner interface {
	RunOffline(ctx context.Context, scheme Scheme, participants []identity.NodeID) (*Presignature, *Share, error)
}

// PoolConfig governs the refill watchdog.
type PoolConfig struct {
	MinReady      int // presig_pool_min
	TargetReady   int // presig_pool_target
	MaxConcurrent int // bounded fan-out for offline-phase generation
	CheckInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MinReady <= 0 {
		c.MinReady = 5
	}
	if c.TargetReady <= 0 {
		c.TargetReady = 20
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	return c
}

// Pool manages the lifecycle of presignatures: generation ahead of demand,
// FIFO-oldest-unused claiming, and discard-on-ban.
type Pool struct {
	log     *zap.Logger
	meta    PresigMetaStore
	secrets SecretCache
	runner  OfflineRunner
	cfg     PoolConfig

	mu  sync.Mutex
	sem *semaphore.Weighted
}

// NewPool builds a presignature pool.
func NewPool(log *zap.Logger, meta PresigMetaStore, secrets SecretCache, runner OfflineRunner, cfg PoolConfig) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		log:     log,
		meta:    meta,
		secrets: secrets,
		runner:  runner,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Claim atomically claims the oldest unused, ready presignature for scheme
// whose participant set is exactly participants, returning both halves.
// Callers own discarding it on failure; a claimed presignature is never
// returned to the pool.
func (p *Pool) Claim(ctx context.Context, scheme Scheme, participants []identity.NodeID) (*Presignature, *Share, error) {
	ready, err := p.meta.ReadyPresignatures(ctx, scheme, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("signing: list ready presignatures: %w", err)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })

	for _, presig := range ready {
		if !sameParticipantSet(presig.Participants, participants) {
			continue
		}
		ok, err := p.meta.ClaimPresignature(ctx, presig.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("signing: claim presignature %s: %w", presig.ID, err)
		}
		if !ok {
			continue // lost the race to another signer on this node; try the next
		}
		share, err := p.secrets.GetShare(ctx, presig.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("signing: load local share for %s: %w", presig.ID, err)
		}
		presig.Used = true
		return presig, share, nil
	}
	return nil, nil, fmt.Errorf("signing: no ready presignature for participant set")
}

// DiscardForBan removes every unclaimed presignature that includes
// bannedNode from its participant set, the safe default this pool applies
// rather than trying to re-round around a banned participant.
func (p *Pool) DiscardForBan(ctx context.Context, scheme Scheme, bannedNode identity.NodeID) error {
	ready, err := p.meta.ReadyPresignatures(ctx, scheme, 256)
	if err != nil {
		return fmt.Errorf("signing: list presignatures for ban sweep: %w", err)
	}
	var firstErr error
	for _, presig := range ready {
		if !containsNode(presig.Participants, bannedNode) {
			continue
		}
		if err := p.meta.DiscardPresignature(ctx, presig.ID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("signing: discard presignature %s: %w", presig.ID, err)
		}
		_ = p.secrets.DeleteShare(ctx, presig.ID)
	}
	return firstErr
}

// Refill checks the ready count for exactly this participant set against
// MinReady/TargetReady and launches enough bounded-concurrency
// offline-phase runs to reach TargetReady.
func (p *Pool) Refill(ctx context.Context, scheme Scheme, participants []identity.NodeID) error {
	ready, err := p.meta.ReadyPresignatures(ctx, scheme, 256)
	if err != nil {
		return fmt.Errorf("signing: count ready presignatures: %w", err)
	}
	count := 0
	for _, presig := range ready {
		if sameParticipantSet(presig.Participants, participants) {
			count++
		}
	}
	if count >= p.cfg.MinReady {
		return nil
	}
	need := p.cfg.TargetReady - count
	p.log.Info("signing: refilling presignature pool", zap.String("scheme", schemeName(scheme)), zap.Int("have", count), zap.Int("need", need))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < need; i++ {
		g.Go(func() error {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer p.sem.Release(1)
			presig, share, err := p.runner.RunOffline(gctx, scheme, participants)
			if err != nil {
				return fmt.Errorf("signing: offline run: %w", err)
			}
			if err := p.secrets.PutShare(gctx, share); err != nil {
				return fmt.Errorf("signing: persist local share: %w", err)
			}
			if err := p.meta.InsertPresignature(gctx, presig); err != nil {
				return fmt.Errorf("signing: persist presignature metadata: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunWatchdog periodically calls Refill until ctx is cancelled.
func (p *Pool) RunWatchdog(ctx context.Context, scheme Scheme, participants []identity.NodeID) {
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refill(ctx, scheme, participants); err != nil {
				p.log.Warn("signing: pool refill failed", zap.Error(err))
			}
		}
	}
}

func sameParticipantSet(a, b []identity.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[identity.NodeID]bool, len(a))
	for _, n := range a {
		set[n] = true
	}
	for _, n := range b {
		if !set[n] {
			return false
		}
	}
	return true
}

func containsNode(list []identity.NodeID, n identity.NodeID) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}

func schemeName(s Scheme) string {
	if s == Schnorr {
		return "schnorr"
	}
	return "ecdsa"
}
