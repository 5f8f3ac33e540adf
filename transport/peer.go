package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// Handler processes inbound envelopes. Implementations live in router.
type Handler interface {
	OnMessage(peer *Peer, e *Envelope) error
}

// Peer is one authenticated, live connection to another cluster node.
// Messages on it are delivered FIFO and at-most-once: a dropped connection
// is never silently retried with buffered messages, the caller must
// re-establish and the round protocol above re-requests what it's missing.
type Peer struct {
	conn       *tls.Conn
	RemoteNode identity.NodeID
	self       *identity.Identity
	log        *zap.Logger
	handler    Handler
	score      banScore

	mu       sync.Mutex
	lastPong time.Time
	writeMu  sync.Mutex
	closed   bool
}

// newPeer wraps an already-authenticated TLS connection.
func newPeer(conn *tls.Conn, remote identity.NodeID, self *identity.Identity, handler Handler, log *zap.Logger) *Peer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Peer{conn: conn, RemoteNode: remote, self: self, handler: handler, log: log, lastPong: time.Now()}
}

// Close tears down the connection. Safe to call multiple times.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

// Send signs and writes one application message to the peer.
func (p *Peer) Send(ctx context.Context, sessionID uuid.UUID, round uint32, command string, payload []byte) error {
	e := &Envelope{
		Command:   command,
		SessionID: sessionID,
		Round:     round,
		Sender:    p.self.Self,
		Payload:   payload,
	}
	e.Signature = p.self.Sign(e.SignedBytes())
	return p.write(e)
}

func (p *Peer) sendControl(ctx context.Context, command string, payload []byte) error {
	return p.Send(ctx, uuid.Nil, 0, command, payload)
}

func (p *Peer) write(e *Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := WriteEnvelope(p.conn, e); err != nil {
		return fmt.Errorf("transport: write to peer %d: %w", p.RemoteNode, err)
	}
	return nil
}

// Run reads envelopes until the connection closes or ctx is cancelled,
// dispatching each to the handler. A context cancellation is observed by
// closing the underlying connection, which unblocks the in-flight read.
func (p *Peer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.Close()
	}()

	for {
		e, err := ReadEnvelope(p.conn)
		if err != nil {
			return fmt.Errorf("transport: read loop for peer %d: %w", p.RemoteNode, err)
		}
		if e.Command == "PING" {
			if err := p.sendControl(ctx, "PONG", nil); err != nil {
				return err
			}
			continue
		}
		if e.Command == "PONG" {
			p.mu.Lock()
			p.lastPong = time.Now()
			p.mu.Unlock()
			continue
		}
		if !identity.Verify(p.remotePublicKey(), e.SignedBytes(), e.Signature) {
			if p.score.Add(scoreMalformedFrame) {
				return fmt.Errorf("transport: peer %d exceeded local ban score", p.RemoteNode)
			}
			continue
		}
		if err := p.handler.OnMessage(p, e); err != nil {
			p.log.Warn("transport: handler error", zap.Uint32("peer", uint32(p.RemoteNode)), zap.Error(err))
		}
	}
}

// remotePublicKey extracts the ed25519 public key from the peer's pinned
// TLS client certificate, set during the handshake.
func (p *Peer) remotePublicKey() ed25519.PublicKey {
	state := p.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil
	}
	return pub
}
