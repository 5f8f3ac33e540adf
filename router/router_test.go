package router

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/transport"
)

type fakeSender struct {
	sent []struct {
		sessionID uuid.UUID
		round     uint32
		command   string
		payload   []byte
	}
	deliverTo *Router
	from      identity.NodeID
}

func (f *fakeSender) Send(ctx context.Context, sessionID uuid.UUID, round uint32, command string, payload []byte) error {
	return f.deliverTo.OnMessage(nil, &transport.Envelope{
		Command:   command,
		SessionID: sessionID,
		Round:     round,
		Sender:    f.from,
		Payload:   payload,
	})
}

func TestRouterDispatchesToOpenSession(t *testing.T) {
	r := New(nil)
	sessionID := uuid.New()
	inbox := r.OpenSession(sessionID)

	err := r.OnMessage(nil, &transport.Envelope{Command: "VOTE", SessionID: sessionID, Sender: 2, Payload: []byte("ok")})
	require.NoError(t, err)

	select {
	case e := <-inbox:
		require.Equal(t, "VOTE", e.Command)
	default:
		t.Fatal("expected buffered envelope")
	}
}

func TestRouterDropsForUnknownSession(t *testing.T) {
	r := New(nil)
	err := r.OnMessage(nil, &transport.Envelope{Command: "VOTE", SessionID: uuid.New(), Sender: 2})
	require.NoError(t, err)
}

func TestRouterMarksLaggingOnOverflow(t *testing.T) {
	r := New(nil)
	sessionID := uuid.New()
	r.OpenSession(sessionID)

	for i := 0; i < inboxCapacity+5; i++ {
		_ = r.OnMessage(nil, &transport.Envelope{Command: "X", SessionID: sessionID, Sender: identity.NodeID(i % 5)})
	}
	require.True(t, r.IsLagging(sessionID))
}

func TestRoundTransportBroadcastAndCollect(t *testing.T) {
	r := New(nil)
	sessionID := uuid.New()
	rt := NewRoundTransport(r, sessionID, identity.NodeID(1))

	r.RegisterPeer(2, &fakeSender{deliverTo: r, from: 2})
	r.RegisterPeer(3, &fakeSender{deliverTo: r, from: 3})

	require.NoError(t, rt.Broadcast(context.Background(), "commit", []byte("hello")))

	got, err := rt.CollectBroadcast(context.Background(), "commit", []identity.NodeID{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got[1])
}
