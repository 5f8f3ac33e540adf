package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/transport"
)

// RoundTransport adapts a Router session to the tag-based round interfaces
// that dkg.Engine and the signing protocols depend on (dkg.Broadcaster).
// It pulls envelopes off one session's inbox, buckets them by the tag
// carried in the envelope's Command field, and lets callers collect
// exactly the senders they're waiting on.
type RoundTransport struct {
	router    *Router
	sessionID uuid.UUID
	self      identity.NodeID
	inbox     <-chan *transport.Envelope

	mu      sync.Mutex
	pending map[string]map[identity.NodeID][]byte // tag -> sender -> payload
}

// NewRoundTransport opens a session and returns a transport bound to it.
// Callers must CloseSession when the round completes.
func NewRoundTransport(r *Router, sessionID uuid.UUID, self identity.NodeID) *RoundTransport {
	return &RoundTransport{
		router:    r,
		sessionID: sessionID,
		self:      self,
		inbox:     r.OpenSession(sessionID),
		pending:   make(map[string]map[identity.NodeID][]byte),
	}
}

func (t *RoundTransport) drainInto(ctx context.Context) error {
	select {
	case e, ok := <-t.inbox:
		if !ok {
			return fmt.Errorf("router: session %s closed", t.sessionID)
		}
		t.mu.Lock()
		if t.pending[e.Command] == nil {
			t.pending[e.Command] = make(map[identity.NodeID][]byte)
		}
		t.pending[e.Command][e.Sender] = e.Payload
		t.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *RoundTransport) collect(ctx context.Context, tag string, from []identity.NodeID) (map[identity.NodeID][]byte, error) {
	for {
		t.mu.Lock()
		got := t.pending[tag]
		ready := got != nil && allFrom(got, from)
		var out map[identity.NodeID][]byte
		if ready {
			out = make(map[identity.NodeID][]byte, len(from))
			for _, n := range from {
				out[n] = got[n]
			}
		}
		t.mu.Unlock()
		if ready {
			return out, nil
		}
		if err := t.drainInto(ctx); err != nil {
			return nil, err
		}
	}
}

func allFrom(got map[identity.NodeID][]byte, from []identity.NodeID) bool {
	for _, n := range from {
		if _, ok := got[n]; !ok {
			return false
		}
	}
	return true
}

// Broadcast sends payload tagged with tag to every other known peer.
// Participants are implicit in the router's registered connections; the
// protocol layer's CollectBroadcast call supplies the exact sender set it
// expects back.
func (t *RoundTransport) Broadcast(ctx context.Context, tag string, payload []byte) error {
	t.router.mu.Lock()
	peers := make([]identity.NodeID, 0, len(t.router.conn))
	for n := range t.router.conn {
		peers = append(peers, n)
	}
	t.router.mu.Unlock()
	for _, n := range peers {
		if err := t.router.Send(ctx, n, t.sessionID, 0, tag, payload); err != nil {
			return fmt.Errorf("router: broadcast tag %q to node %d: %w", tag, n, err)
		}
	}
	// Loopback so CollectBroadcast(including self) resolves immediately.
	t.mu.Lock()
	if t.pending[tag] == nil {
		t.pending[tag] = make(map[identity.NodeID][]byte)
	}
	t.pending[tag][t.self] = payload
	t.mu.Unlock()
	return nil
}

// CollectBroadcast waits until payloads from every node in from have
// arrived tagged with tag.
func (t *RoundTransport) CollectBroadcast(ctx context.Context, tag string, from []identity.NodeID) (map[identity.NodeID][]byte, error) {
	return t.collect(ctx, tag, from)
}

// SendTo delivers payload only to node, tagged with tag.
func (t *RoundTransport) SendTo(ctx context.Context, to identity.NodeID, tag string, payload []byte) error {
	if err := t.router.Send(ctx, to, t.sessionID, 0, tag, payload); err != nil {
		return fmt.Errorf("router: direct send tag %q to node %d: %w", tag, to, err)
	}
	return nil
}

// CollectDirect waits until this node has received tag-labeled messages
// from every node in from.
func (t *RoundTransport) CollectDirect(ctx context.Context, tag string, from []identity.NodeID) (map[identity.NodeID][]byte, error) {
	return t.collect(ctx, tag, from)
}
