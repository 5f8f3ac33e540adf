package signing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/dkg"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// loopbackNet mirrors dkg's own test double: an in-process Broadcaster
// shared by every participant in a test run.
type loopbackNet struct {
	mu        sync.Mutex
	broadcast map[string]map[identity.NodeID][]byte
}

func newLoopbackNet() *loopbackNet {
	return &loopbackNet{broadcast: make(map[string]map[identity.NodeID][]byte)}
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
	return v.Broadcast(ctx, fmt.Sprintf("%s|%d", tag, to), payload)
}

func (v *nodeView) CollectDirect(ctx context.Context, tag string, from []identity.NodeID) (map[identity.NodeID][]byte, error) {
	return v.CollectBroadcast(ctx, fmt.Sprintf("%s|%d", tag, v.self), from)
}

func allPresent(m map[identity.NodeID][]byte, want []identity.NodeID) bool {
	for _, n := range want {
		if _, ok := m[n]; !ok {
			return false
		}
	}
	return true
}

func runDKG(t *testing.T, participants []identity.NodeID, threshold int, scheme dkg.Scheme) map[identity.NodeID]*dkg.KeyShare {
	net := newLoopbackNet()
	results := make(map[identity.NodeID]*dkg.KeyShare)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, self := range participants {
		wg.Add(1)
		go func(self identity.NodeID) {
			defer wg.Done()
			eng := dkg.NewEngine(nil, &nodeView{self: self, net: net})
			ks, err := eng.Run(context.Background(), dkg.Config{
				SessionID:    "test",
				Self:         self,
				Participants: participants,
				Threshold:    threshold,
				Scheme:       scheme,
			})
			require.NoError(t, err)
			mu.Lock()
			results[self] = ks
			mu.Unlock()
		}(self)
	}
	wg.Wait()
	return results
}

func TestThresholdECDSASignRoundTrip(t *testing.T) {
	participants := []identity.NodeID{1, 2, 3, 4}
	shares := runDKG(t, participants, 4, dkg.SchemeECDSA)

	presigNet := newLoopbackNet()
	fixedID := uuid.New()

	var mu sync.Mutex
	presigs := make(map[identity.NodeID]*Presignature)
	localShares := make(map[identity.NodeID]*Share)
	var wg sync.WaitGroup
	for _, self := range participants {
		wg.Add(1)
		go func(self identity.NodeID) {
			defer wg.Done()
			runner := NewRunner(nil, self, shares[self], &nodeView{self: self, net: presigNet})
			runner.nextID = func() uuid.UUID { return fixedID }
			p, s, err := runner.RunOffline(context.Background(), ECDSA, participants)
			require.NoError(t, err)
			mu.Lock()
			presigs[self] = p
			localShares[self] = s
			mu.Unlock()
		}(self)
	}
	wg.Wait()

	msgHash := testMsgHash([]byte("pay alice 1 btc"))

	signNet := newLoopbackNet()
	sigs := make(map[identity.NodeID]*Signature)
	var wg2 sync.WaitGroup
	for _, self := range participants {
		wg2.Add(1)
		go func(self identity.NodeID) {
			defer wg2.Done()
			session := NewOnlineSession(nil, self, &nodeView{self: self, net: signNet})
			sig, err := session.SignECDSA(context.Background(), presigs[self], localShares[self], shares[self], msgHash)
			require.NoError(t, err)
			mu.Lock()
			sigs[self] = sig
			mu.Unlock()
		}(self)
	}
	wg2.Wait()

	for i := 1; i < len(participants); i++ {
		require.Equal(t, sigs[participants[0]].Bytes, sigs[participants[i]].Bytes)
	}

	groupPub := shares[participants[0]].ECDSA.GroupPubKey
	require.True(t, verifyDER(t, sigs[participants[0]].Bytes, msgHash, &groupPub))
}

func TestThresholdSchnorrSignRoundTrip(t *testing.T) {
	participants := []identity.NodeID{1, 2, 3, 4}
	shares := runDKG(t, participants, 4, dkg.SchemeSchnorr)

	presigNet := newLoopbackNet()
	fixedID := uuid.New()

	var mu sync.Mutex
	presigs := make(map[identity.NodeID]*Presignature)
	localShares := make(map[identity.NodeID]*Share)
	var wg sync.WaitGroup
	for _, self := range participants {
		wg.Add(1)
		go func(self identity.NodeID) {
			defer wg.Done()
			runner := NewRunner(nil, self, shares[self], &nodeView{self: self, net: presigNet})
			runner.nextID = func() uuid.UUID { return fixedID }
			p, s, err := runner.RunOffline(context.Background(), Schnorr, participants)
			require.NoError(t, err)
			mu.Lock()
			presigs[self] = p
			localShares[self] = s
			mu.Unlock()
		}(self)
	}
	wg.Wait()

	msgHash := testMsgHash([]byte("pay bob 2 btc"))

	signNet := newLoopbackNet()
	sigs := make(map[identity.NodeID]*Signature)
	var wg2 sync.WaitGroup
	for _, self := range participants {
		wg2.Add(1)
		go func(self identity.NodeID) {
			defer wg2.Done()
			session := NewOnlineSession(nil, self, &nodeView{self: self, net: signNet})
			sig, err := session.SignSchnorr(context.Background(), presigs[self], localShares[self], shares[self], msgHash)
			require.NoError(t, err)
			mu.Lock()
			sigs[self] = sig
			mu.Unlock()
		}(self)
	}
	wg2.Wait()

	for i := 1; i < len(participants); i++ {
		require.Equal(t, sigs[participants[0]].Bytes, sigs[participants[i]].Bytes)
	}

	groupPub := shares[participants[0]].Schnorr.GroupPubKey
	require.True(t, verifySchnorrSelfConsistent(t, sigs[participants[0]].Bytes, msgHash, &groupPub))
}

func testMsgHash(b []byte) [32]byte {
	return SighashChallenge("test", b)
}

// verifyDER checks a threshold ECDSA signature the same way any verifier
// would: s^-1*(z*G + r*P) must equal a point whose x-coordinate is r.
func verifyDER(t *testing.T, der []byte, msgHash [32]byte, pub *secp256k1.PublicKey) bool {
	t.Helper()
	r, s := parseDERForTest(t, der)
	var z secp256k1.ModNScalar
	z.SetBytes(&msgHash)

	var sInv secp256k1.ModNScalar
	sInv.Set(&s)
	sInv.InverseValNonConst()

	var u1, u2 secp256k1.ModNScalar
	u1.Set(&z)
	u1.Mul(&sInv)
	u2.Set(&r)
	u2.Mul(&sInv)

	var p1, p2, sum secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&u1, &p1)
	var pubJ secp256k1.JacobianPoint
	pub.AsJacobian(&pubJ)
	secp256k1.ScalarMultNonConst(&u2, &pubJ, &p2)
	secp256k1.AddNonConst(&p1, &p2, &sum)
	sum.ToAffine()

	var rGot secp256k1.ModNScalar
	xBytes := sum.X
	xBytes.Normalize()
	b := xBytes.Bytes()
	rGot.SetBytes(&b)
	return rGot.Equals(&r)
}

func parseDERForTest(t *testing.T, der []byte) (secp256k1.ModNScalar, secp256k1.ModNScalar) {
	t.Helper()
	require.True(t, len(der) > 6 && der[0] == 0x30)
	idx := 2
	require.Equal(t, byte(0x02), der[idx])
	rLen := int(der[idx+1])
	rBytes := der[idx+2 : idx+2+rLen]
	idx = idx + 2 + rLen
	require.Equal(t, byte(0x02), der[idx])
	sLen := int(der[idx+1])
	sBytes := der[idx+2 : idx+2+sLen]

	var r, s secp256k1.ModNScalar
	setScalarFromSignedDER(&r, rBytes)
	setScalarFromSignedDER(&s, sBytes)
	return r, s
}

func setScalarFromSignedDER(out *secp256k1.ModNScalar, b []byte) {
	if len(b) > 0 && b[0] == 0x00 {
		b = b[1:]
	}
	var buf [32]byte
	copy(buf[32-len(b):], b)
	out.SetBytes(&buf)
}

func verifySchnorrSelfConsistent(t *testing.T, sig []byte, msgHash [32]byte, pub *secp256k1.PublicKey) bool {
	t.Helper()
	require.Len(t, sig, 64)
	var rBytes, zBytes [32]byte
	copy(rBytes[:], sig[:32])
	copy(zBytes[:], sig[32:])

	challenge := SighashChallenge("mpcwallet/schnorr-challenge", rBytes[:], pub.SerializeCompressed(), msgHash[:])
	var c secp256k1.ModNScalar
	c.SetBytes(&challenge)

	var z secp256k1.ModNScalar
	z.SetBytes(&zBytes)

	var lhs secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&z, &lhs)
	lhs.ToAffine()

	var pubJ, cP, rhs secp256k1.JacobianPoint
	pub.AsJacobian(&pubJ)
	secp256k1.ScalarMultNonConst(&c, &pubJ, &cP)

	// z*G - c*P must equal R; compare x-coordinates since R was stored
	// compressed to its x-only form in the signature.
	secp256k1.AddNonConst(&lhs, negateJacobian(&cP), &rhs)
	rhs.ToAffine()
	rhsX := rhs.X
	rhsX.Normalize()
	rhsBytes := rhsX.Bytes()
	return rhsBytes == rBytes
}

func negateJacobian(p *secp256k1.JacobianPoint) *secp256k1.JacobianPoint {
	q := *p
	q.ToAffine()
	q.Y.Negate(1)
	q.Y.Normalize()
	return &q
}
