// Package heartbeat tracks node liveness: each node periodically writes a
// heartbeat to the replicated KV store, and every node derives its peers'
// status from how stale their last heartbeat is.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// Interval and the degraded/offline thresholds come from spec.md's status
// rule.
const (
	Interval      = 2 * time.Second
	DegradedAfter = 6 * time.Second
	OfflineAfter  = 15 * time.Second
)

// Status is a node's derived liveness state.
type Status int

const (
	Online Status = iota
	Degraded
	Offline
)

func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Degraded:
		return "degraded"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// KV is the replicated store's heartbeat key-space.
type KV interface {
	PutHeartbeat(ctx context.Context, node identity.NodeID, at time.Time) error
	GetHeartbeat(ctx context.Context, node identity.NodeID) (time.Time, bool, error)
}

// Publisher periodically writes this node's own heartbeat.
type Publisher struct {
	kv   KV
	self identity.NodeID
	log  *zap.Logger
}

// NewPublisher builds a Publisher for this node.
func NewPublisher(kv KV, self identity.NodeID, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{kv: kv, self: self, log: log}
}

// Run writes a heartbeat every Interval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context, now func() time.Time) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		if err := p.kv.PutHeartbeat(ctx, p.self, now()); err != nil {
			p.log.Warn("heartbeat: publish failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Monitor derives peer status from heartbeat staleness and caches the last
// computed value per node so callers can read it without hitting the KV
// store on every access.
type Monitor struct {
	kv KV

	mu     sync.RWMutex
	cached map[identity.NodeID]Status
}

// NewMonitor builds a Monitor over the shared KV store.
func NewMonitor(kv KV) *Monitor {
	return &Monitor{kv: kv, cached: make(map[identity.NodeID]Status)}
}

// Refresh recomputes and caches status for node based on its last known
// heartbeat relative to now.
func (m *Monitor) Refresh(ctx context.Context, node identity.NodeID, now time.Time) (Status, error) {
	last, found, err := m.kv.GetHeartbeat(ctx, node)
	if err != nil {
		return Offline, fmt.Errorf("heartbeat: get heartbeat for node %d: %w", node, err)
	}
	var status Status
	if !found {
		status = Offline
	} else {
		age := now.Sub(last)
		switch {
		case age < DegradedAfter:
			status = Online
		case age < OfflineAfter:
			status = Degraded
		default:
			status = Offline
		}
	}
	m.mu.Lock()
	m.cached[node] = status
	m.mu.Unlock()
	return status, nil
}

// Cached returns the last computed status without touching the store.
func (m *Monitor) Cached(node identity.NodeID) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.cached[node]
	return s, ok
}
