package dkg

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// loopbackNet is an in-process Broadcaster used only for tests: every
// participating Engine shares one instance and reads/writes its own
// per-node mailbox.
type loopbackNet struct {
	mu        sync.Mutex
	broadcast map[string]map[identity.NodeID][]byte
	direct    map[string]map[identity.NodeID][]byte // key "tag|to" -> from -> payload
}

func newLoopbackNet() *loopbackNet {
	return &loopbackNet{
		broadcast: make(map[string]map[identity.NodeID][]byte),
		direct:    make(map[string]map[identity.NodeID][]byte),
	}
}

type nodeView struct {
	self identity.NodeID
	net  *loopbackNet
}

func (v *nodeView) Broadcast(ctx context.Context, tag string, payload []byte) error {
	v.net.mu.Lock()
	defer v.net.mu.Unlock()
	if v.net.broadcast[tag] == nil {
		v.net.broadcast[tag] = make(map[identity.NodeID][]byte)
	}
	v.net.broadcast[tag][v.self] = payload
	return nil
}

func (v *nodeView) CollectBroadcast(ctx context.Context, tag string, from []identity.NodeID) (map[identity.NodeID][]byte, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		v.net.mu.Lock()
		got := v.net.broadcast[tag]
		ready := got != nil && allPresent(got, from)
		var out map[identity.NodeID][]byte
		if ready {
			out = make(map[identity.NodeID][]byte, len(from))
			for _, n := range from {
				out[n] = got[n]
			}
		}
		v.net.mu.Unlock()
		if ready {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, context.DeadlineExceeded
		}
		time.Sleep(time.Millisecond)
	}
}

func (v *nodeView) SendTo(ctx context.Context, to identity.NodeID, tag string, payload []byte) error {
	v.net.mu.Lock()
	defer v.net.mu.Unlock()
	key := directKey(tag, to)
	if v.net.direct[key] == nil {
		v.net.direct[key] = make(map[identity.NodeID][]byte)
	}
	v.net.direct[key][v.self] = payload
	return nil
}

func (v *nodeView) CollectDirect(ctx context.Context, tag string, from []identity.NodeID) (map[identity.NodeID][]byte, error) {
	key := directKey(tag, v.self)
	deadline := time.Now().Add(2 * time.Second)
	for {
		v.net.mu.Lock()
		got := v.net.direct[key]
		ready := got != nil && allPresent(got, from)
		var out map[identity.NodeID][]byte
		if ready {
			out = make(map[identity.NodeID][]byte, len(from))
			for _, n := range from {
				out[n] = got[n]
			}
		}
		v.net.mu.Unlock()
		if ready {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, context.DeadlineExceeded
		}
		time.Sleep(time.Millisecond)
	}
}

func directKey(tag string, to identity.NodeID) string {
	return fmt.Sprintf("%s|%d", tag, to)
}

func allPresent(m map[identity.NodeID][]byte, want []identity.NodeID) bool {
	for _, n := range want {
		if _, ok := m[n]; !ok {
			return false
		}
	}
	return true
}

func TestRunSchnorrDKGAgreesOnGroupKey(t *testing.T) {
	participants := []identity.NodeID{1, 2, 3, 4, 5}
	net := newLoopbackNet()

	results := make([]*KeyShare, len(participants))
	var wg sync.WaitGroup
	for i, self := range participants {
		wg.Add(1)
		go func(i int, self identity.NodeID) {
			defer wg.Done()
			eng := NewEngine(nil, &nodeView{self: self, net: net})
			ks, err := eng.Run(context.Background(), Config{
				SessionID:    "test-session",
				Self:         self,
				Participants: participants,
				Threshold:    4,
				Scheme:       SchemeSchnorr,
			})
			require.NoError(t, err)
			results[i] = ks
		}(i, self)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		require.Equal(t, results[0].Schnorr.GroupPubKey.SerializeCompressed(), results[i].Schnorr.GroupPubKey.SerializeCompressed())
	}
}
