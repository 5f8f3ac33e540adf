// Package cluster wires C1 through C10 together into one running node:
// transport, router, durable storage, DKG-derived key material, the
// presignature pools, the voting engine, the transaction state machine,
// the ban ledger, leader election and heartbeats. Nothing here introduces
// new protocol logic; it composes the packages above it the way spec.md's
// component list implies a real daemon must.
package cluster

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/ban"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/config"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/coordinator"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/dkg"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/gateway"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/heartbeat"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/router"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/signing"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/store"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/transport"
)

// Node is one running cluster member: every C1-C10 subsystem, wired
// together and addressable through a handful of entrypoints a daemon main
// or an (out-of-scope) API layer would call.
type Node struct {
	log    *zap.Logger
	cfg    *config.Config
	self   *identity.Identity
	pinned *identity.PinnedSet
	store  *store.Adapter
	gw     gateway.Client

	router   *router.Router
	dialer   *transport.Dialer
	listener *transport.Listener

	keyShare *dkg.KeyShare

	ecdsaPool   *signing.Pool
	schnorrPool *signing.Pool

	banTracker *ban.Tracker
	elector    *coordinator.Elector
	hbPub      *heartbeat.Publisher
	hbMon      *heartbeat.Monitor

	mu    sync.Mutex
	conns map[identity.NodeID]*transport.Peer

	runCtx context.Context
	cancel context.CancelFunc
}

// Deps bundles everything NewNode needs that isn't plain config: the
// already-opened storage backends, the node's transport TLS certificate,
// the cluster's pinned fingerprint table, and the external blockchain
// gateway (nil is fine until a transaction reaches Broadcasting).
type Deps struct {
	Log      *zap.Logger
	Config   *config.Config
	Self     *identity.Identity
	Pinned   *identity.PinnedSet
	Store    *store.Adapter
	TLSCert  tls.Certificate
	Gateway  gateway.Client
	KeyShare *dkg.KeyShare
}

// NewNode wires every subsystem and opens the listening socket; it accepts
// no connections and dials no peers. Call Start for that.
func NewNode(d Deps) (*Node, error) {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Config == nil || d.Self == nil || d.Pinned == nil || d.Store == nil {
		return nil, fmt.Errorf("cluster: missing required dependency")
	}

	n := &Node{
		log:    d.Log,
		cfg:    d.Config,
		self:   d.Self,
		pinned: d.Pinned,
		store:  d.Store,
		gw:     d.Gateway,
		conns:  make(map[identity.NodeID]*transport.Peer),
	}

	n.router = router.New(d.Log)
	n.dialer = transport.NewDialer(d.Self, d.TLSCert, d.Pinned, n.router, d.Log)

	n.banTracker = ban.NewTracker(d.Store.SQL, n.onBan)
	n.elector = coordinator.NewElector(d.Store.KV, d.Log)
	n.hbPub = heartbeat.NewPublisher(d.Store.KV, d.Self.Self, d.Log)
	n.hbMon = heartbeat.NewMonitor(d.Store.KV)

	if d.KeyShare != nil {
		n.installKeyShare(d.KeyShare)
	}

	var tlsErr error
	n.listener, tlsErr = transport.NewListener(context.Background(), d.Config.ListenAddr, d.Self, d.TLSCert, d.Pinned, n.router, d.Log)
	if tlsErr != nil {
		return nil, fmt.Errorf("cluster: listen: %w", tlsErr)
	}
	return n, nil
}

// RunOffline implements signing.OfflineRunner by opening a fresh session
// over the router and delegating to a signing.Runner bound to it, so the
// pool's refill watchdog can generate presignatures without knowing
// anything about sessions or transport.
func (n *Node) RunOffline(ctx context.Context, scheme signing.Scheme, participants []identity.NodeID) (*signing.Presignature, *signing.Share, error) {
	sessionID := uuid.New()
	n.router.OpenSession(sessionID)
	defer n.router.CloseSession(sessionID)
	rt := router.NewRoundTransport(n.router, sessionID, n.self.Self)
	runner := signing.NewRunner(n.log, n.self.Self, n.keyShare, rt)
	return runner.RunOffline(ctx, scheme, participants)
}

// Bootstrap runs one DKG round against every configured peer and installs
// the resulting key share, persisting it so a restart loads it instead of
// re-running DKG. Call it once, after Start has connected to every peer; a
// node that already has a key share (loaded from its secret cache before
// NewNode was called) returns it unchanged.
func (n *Node) Bootstrap(ctx context.Context, scheme dkg.Scheme) (*dkg.KeyShare, error) {
	if n.keyShare != nil {
		return n.keyShare, nil
	}
	sessionID := uuid.New()
	n.router.OpenSession(sessionID)
	defer n.router.CloseSession(sessionID)
	rt := router.NewRoundTransport(n.router, sessionID, n.self.Self)
	engine := dkg.NewEngine(n.log, rt)
	ks, err := engine.Run(ctx, dkg.Config{
		SessionID:    sessionID.String(),
		Self:         n.self.Self,
		Participants: participantsOf(n.cfg),
		Threshold:    n.cfg.Threshold,
		Scheme:       scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: dkg bootstrap: %w", err)
	}
	if err := n.store.Retry(ctx, func(ctx context.Context) error { return n.store.Secrets.PutKeyShare(ctx, ks) }); err != nil {
		return nil, fmt.Errorf("cluster: persist key share: %w", err)
	}
	n.installKeyShare(ks)
	return ks, nil
}

// installKeyShare wires up the presignature pools for whichever scheme(s)
// ks covers, starting their refill watchdogs immediately if Start has
// already run.
func (n *Node) installKeyShare(ks *dkg.KeyShare) {
	n.keyShare = ks
	poolCfg := signing.PoolConfig{
		MinReady:    n.cfg.PresigPoolMin,
		TargetReady: n.cfg.PresigPoolTarget,
	}
	if ks.Scheme == dkg.SchemeECDSA || ks.Scheme == dkg.SchemeBoth {
		n.ecdsaPool = signing.NewPool(n.log, n.store.SQL, n.store.Secrets, n, poolCfg)
		if n.runCtx != nil {
			go n.ecdsaPool.RunWatchdog(n.runCtx, signing.ECDSA, participantsOf(n.cfg))
		}
	}
	if ks.Scheme == dkg.SchemeSchnorr || ks.Scheme == dkg.SchemeBoth {
		n.schnorrPool = signing.NewPool(n.log, n.store.SQL, n.store.Secrets, n, poolCfg)
		if n.runCtx != nil {
			go n.schnorrPool.RunWatchdog(n.runCtx, signing.Schnorr, participantsOf(n.cfg))
		}
	}
}

// Start accepts inbound peer connections and dials every configured peer
// with a higher NodeID, which with the symmetric accept side gives a full
// mesh with exactly one connection per pair.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.runCtx = ctx

	go n.acceptLoop(ctx)
	for _, p := range n.cfg.Peers {
		if identity.NodeID(p.NodeID) <= n.self.Self {
			continue
		}
		go n.dialPeer(ctx, identity.NodeID(p.NodeID), p.Address)
	}

	go n.hbPub.Run(ctx, time.Now)
	go n.monitorLoop(ctx)
	if n.ecdsaPool != nil {
		go n.ecdsaPool.RunWatchdog(ctx, signing.ECDSA, participantsOf(n.cfg))
	}
	if n.schnorrPool != nil {
		go n.schnorrPool.RunWatchdog(ctx, signing.Schnorr, participantsOf(n.cfg))
	}
	return nil
}

// monitorLoop keeps this node's view of every peer's heartbeat-derived
// status warm, so selectSigningParticipants can consult Monitor.Cached (or
// trigger its own bounded Refresh) against recent data instead of a cold
// store read.
func (n *Node) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, peer := range participantsOf(n.cfg) {
				if peer == n.self.Self {
					continue
				}
				if _, err := n.hbMon.Refresh(ctx, peer, now); err != nil {
					n.log.Warn("cluster: heartbeat refresh failed", zap.Uint32("peer", uint32(peer)), zap.Error(err))
				}
			}
		}
	}
}

// Stop tears down listeners and peer connections.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.listener != nil {
		_ = n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.conns {
		_ = p.Close()
	}
}

func (n *Node) acceptLoop(ctx context.Context) {
	for {
		peer, err := n.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warn("cluster: accept failed", zap.Error(err))
			continue
		}
		n.adopt(peer)
		go func() {
			if err := peer.Run(ctx); err != nil {
				n.log.Info("cluster: peer connection closed", zap.Uint32("peer", uint32(peer.RemoteNode)), zap.Error(err))
			}
		}()
	}
}

func (n *Node) dialPeer(ctx context.Context, node identity.NodeID, addr string) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		peer, err := n.dialer.Dial(ctx, addr, node)
		if err != nil {
			n.log.Warn("cluster: dial failed, retrying", zap.Uint32("peer", uint32(node)), zap.Error(err))
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		n.adopt(peer)
		backoff = time.Second
		if err := peer.Run(ctx); err != nil {
			n.log.Info("cluster: peer connection closed", zap.Uint32("peer", uint32(node)), zap.Error(err))
		}
		n.router.UnregisterPeer(node)
	}
}

func (n *Node) adopt(peer *transport.Peer) {
	n.router.RegisterPeer(peer.RemoteNode, peer)
	n.mu.Lock()
	n.conns[peer.RemoteNode] = peer
	n.mu.Unlock()
}

func (n *Node) onBan(ctx context.Context, node identity.NodeID, until time.Time) {
	n.log.Warn("cluster: node banned", zap.Uint32("node", uint32(node)), zap.Time("until", until))
	if n.ecdsaPool != nil {
		_ = n.ecdsaPool.DiscardForBan(ctx, signing.ECDSA, node)
	}
	if n.schnorrPool != nil {
		_ = n.schnorrPool.DiscardForBan(ctx, signing.Schnorr, node)
	}
}

func participantsOf(cfg *config.Config) []identity.NodeID {
	out := make([]identity.NodeID, len(cfg.Peers))
	for i, p := range cfg.Peers {
		out[i] = identity.NodeID(p.NodeID)
	}
	return out
}

// pinnedVerifier adapts a PinnedSet to voting.Verifier.
type pinnedVerifier struct {
	pinned *identity.PinnedSet
}

func (v pinnedVerifier) VerifySignature(node identity.NodeID, msg, sig []byte) bool {
	pub, ok := v.pinned.Lookup(node)
	if !ok {
		return false
	}
	return identity.Verify(pub, msg, sig)
}

