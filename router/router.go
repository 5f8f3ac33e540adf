// Package router implements C3: per-session message dispatch between the
// secure transport layer and the DKG/signing/voting engines above it.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/transport"
)

// inboxCapacity is the bounded buffer size per session; once full, the
// router drops the oldest buffered message and marks the session lagging
// rather than blocking the transport read loop.
const inboxCapacity = 64

// Sender is the narrow slice of transport.Peer the router needs to reach a
// given node.
type Sender interface {
	Send(ctx context.Context, sessionID uuid.UUID, round uint32, command string, payload []byte) error
}

type session struct {
	mu      sync.Mutex
	inbox   chan *transport.Envelope
	lagging bool
}

// Router dispatches inbound envelopes to per-session inboxes and outbound
// messages to the right peer connection.
type Router struct {
	log  *zap.Logger
	mu   sync.Mutex
	subs map[uuid.UUID]*session
	conn map[identity.NodeID]Sender
}

// New builds an empty Router.
func New(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		log:  log,
		subs: make(map[uuid.UUID]*session),
		conn: make(map[identity.NodeID]Sender),
	}
}

// RegisterPeer makes a connected node reachable for outbound Send calls.
func (r *Router) RegisterPeer(node identity.NodeID, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn[node] = s
}

// UnregisterPeer drops a node's outbound route, e.g. after its connection
// closes.
func (r *Router) UnregisterPeer(node identity.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conn, node)
}

// OpenSession creates (or returns the existing) bounded inbox for a
// session, to be drained by the protocol engine driving that session.
func (r *Router) OpenSession(id uuid.UUID) <-chan *transport.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		s = &session{inbox: make(chan *transport.Envelope, inboxCapacity)}
		r.subs[id] = s
	}
	return s.inbox
}

// CloseSession releases a session's inbox once its protocol run is done.
func (r *Router) CloseSession(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[id]; ok {
		close(s.inbox)
		delete(r.subs, id)
	}
}

// OnMessage implements transport.Handler: every inbound envelope is routed
// by SessionID to the matching inbox, or dropped with a log line if no
// protocol run has opened that session yet.
func (r *Router) OnMessage(peer *transport.Peer, e *transport.Envelope) error {
	r.mu.Lock()
	s, ok := r.subs[e.SessionID]
	r.mu.Unlock()
	if !ok {
		r.log.Debug("router: dropping envelope for unknown session", zap.String("session", e.SessionID.String()), zap.String("command", e.Command))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.inbox <- e:
	default:
		select {
		case <-s.inbox:
		default:
		}
		select {
		case s.inbox <- e:
		default:
		}
		if !s.lagging {
			s.lagging = true
			r.log.Warn("router: session inbox overflowed, dropping oldest", zap.String("session", e.SessionID.String()))
		}
	}
	return nil
}

// IsLagging reports whether a session has ever overflowed its inbox.
func (r *Router) IsLagging(id uuid.UUID) bool {
	r.mu.Lock()
	s, ok := r.subs[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagging
}

// Send routes an outbound message to node over its registered connection.
// The signature is applied by Sender.Send (transport.Peer), matching C2's
// "outbound messages are signed by the identity key before leaving the
// process" rule.
func (r *Router) Send(ctx context.Context, node identity.NodeID, sessionID uuid.UUID, round uint32, command string, payload []byte) error {
	r.mu.Lock()
	s, ok := r.conn[node]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("router: no connection to node %d", node)
	}
	return s.Send(ctx, sessionID, round, command, payload)
}
