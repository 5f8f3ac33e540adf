package signing

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/dkg"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// Broadcaster is the same round-tagged network primitive dkg.Engine uses;
// the presignature offline phase is itself a small DKG-shaped round
// protocol (commit nonce shares, combine), so it reuses the interface
// rather than inventing a second one.
type Broadcaster = dkg.Broadcaster

type nonceCommitMsg struct {
	NodeID uint32
	Point  []byte // compressed secp256k1 point; for Schnorr this carries D then a second message carries E
}

// Runner implements OfflineRunner for one node, given its KeyShare and a
// round transport scoped to a fresh session per presignature batch.
type Runner struct {
	log    *zap.Logger
	self   identity.NodeID
	ks     *dkg.KeyShare
	net    Broadcaster
	nextID func() uuid.UUID
}

// NewRunner builds a presignature offline-phase runner.
func NewRunner(log *zap.Logger, self identity.NodeID, ks *dkg.KeyShare, net Broadcaster) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{log: log, self: self, ks: ks, net: net, nextID: uuid.New}
}

// RunOffline executes one presignature generation round for scheme.
func (r *Runner) RunOffline(ctx context.Context, scheme Scheme, participants []identity.NodeID) (*Presignature, *Share, error) {
	id := r.nextID()
	if scheme == ECDSA {
		return r.runECDSA(ctx, id, participants)
	}
	return r.runSchnorr(ctx, id, participants)
}

func (r *Runner) runECDSA(ctx context.Context, id uuid.UUID, participants []identity.NodeID) (*Presignature, *Share, error) {
	var k secp256k1.ModNScalar
	if err := randScalar(&k); err != nil {
		return nil, nil, fmt.Errorf("signing: sample nonce share: %w", err)
	}
	var rPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k, &rPoint)
	rPoint.ToAffine()
	var rPub secp256k1.PublicKey
	rPub.FromJacobian(&rPoint)

	tag := fmt.Sprintf("presig.%s.ecdsa.R", id)
	payload, err := cbor.Marshal(nonceCommitMsg{NodeID: uint32(r.self), Point: rPub.SerializeCompressed()})
	if err != nil {
		return nil, nil, err
	}
	if err := r.net.Broadcast(ctx, tag, payload); err != nil {
		return nil, nil, fmt.Errorf("signing: broadcast R share: %w", err)
	}
	others := excludingSelf(participants, r.self)
	raw, err := r.net.CollectBroadcast(ctx, tag, others)
	if err != nil {
		return nil, nil, fmt.Errorf("signing: collect R shares: %w", err)
	}

	groupR := rPoint
	rShares := map[identity.NodeID]secp256k1.JacobianPoint{r.self: rPoint}
	for node, b := range raw {
		var m nonceCommitMsg
		if err := cbor.Unmarshal(b, &m); err != nil {
			return nil, nil, fmt.Errorf("signing: decode R share: %w", err)
		}
		if m.NodeID != uint32(node) {
			return nil, nil, fmt.Errorf("signing: R share claims node %d over a channel authenticated as node %d", m.NodeID, node)
		}
		pub, err := secp256k1.ParsePubKey(m.Point)
		if err != nil {
			return nil, nil, fmt.Errorf("signing: parse R share: %w", err)
		}
		var jp secp256k1.JacobianPoint
		pub.AsJacobian(&jp)
		rShares[node] = jp
		secp256k1.AddNonConst(&groupR, &jp, &groupR)
	}
	groupR.ToAffine()

	xCoord := NodeScalarOf(r.self)
	lambda := dkg.LagrangeCoefficient(xCoord, nodeScalars(participants))
	var chi secp256k1.ModNScalar
	chi.Set(&lambda)
	chi.Mul(&r.ks.ECDSA.Share)

	presig := &Presignature{ID: id, Scheme: ECDSA, Participants: append([]identity.NodeID(nil), participants...), CreatedAt: time.Now(), R: groupR, RShares: rShares}
	share := &Share{PresigID: id, K: k, Chi: chi}
	return presig, share, nil
}

func (r *Runner) runSchnorr(ctx context.Context, id uuid.UUID, participants []identity.NodeID) (*Presignature, *Share, error) {
	var d, e secp256k1.ModNScalar
	if err := randScalar(&d); err != nil {
		return nil, nil, err
	}
	if err := randScalar(&e); err != nil {
		return nil, nil, err
	}
	var dPt, ePt secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&d, &dPt)
	secp256k1.ScalarBaseMultNonConst(&e, &ePt)
	dPt.ToAffine()
	ePt.ToAffine()
	var dPub, ePub secp256k1.PublicKey
	dPub.FromJacobian(&dPt)
	ePub.FromJacobian(&ePt)

	tagD := fmt.Sprintf("presig.%s.schnorr.D", id)
	tagE := fmt.Sprintf("presig.%s.schnorr.E", id)
	dPayload, err := cbor.Marshal(nonceCommitMsg{NodeID: uint32(r.self), Point: dPub.SerializeCompressed()})
	if err != nil {
		return nil, nil, err
	}
	ePayload, err := cbor.Marshal(nonceCommitMsg{NodeID: uint32(r.self), Point: ePub.SerializeCompressed()})
	if err != nil {
		return nil, nil, err
	}
	if err := r.net.Broadcast(ctx, tagD, dPayload); err != nil {
		return nil, nil, err
	}
	if err := r.net.Broadcast(ctx, tagE, ePayload); err != nil {
		return nil, nil, err
	}
	others := excludingSelf(participants, r.self)
	rawD, err := r.net.CollectBroadcast(ctx, tagD, others)
	if err != nil {
		return nil, nil, err
	}
	rawE, err := r.net.CollectBroadcast(ctx, tagE, others)
	if err != nil {
		return nil, nil, err
	}

	groupD, groupE := dPt, ePt
	dShares := map[identity.NodeID]secp256k1.JacobianPoint{r.self: dPt}
	eShares := map[identity.NodeID]secp256k1.JacobianPoint{r.self: ePt}
	for node := range rawD {
		jpD, err := decodePoint(node, rawD[node])
		if err != nil {
			return nil, nil, err
		}
		jpE, err := decodePoint(node, rawE[node])
		if err != nil {
			return nil, nil, err
		}
		dShares[node] = *jpD
		eShares[node] = *jpE
		secp256k1.AddNonConst(&groupD, jpD, &groupD)
		secp256k1.AddNonConst(&groupE, jpE, &groupE)
	}
	groupD.ToAffine()
	groupE.ToAffine()

	// No binding factor is applied: R is the plain sum of every
	// participant's D_i and E_i, and the online phase (session.go) signs
	// against this R unchanged.
	var groupR secp256k1.JacobianPoint
	secp256k1.AddNonConst(&groupD, &groupE, &groupR)
	groupR.ToAffine()

	presig := &Presignature{ID: id, Scheme: Schnorr, Participants: append([]identity.NodeID(nil), participants...), CreatedAt: time.Now(), R: groupR, DShares: dShares, EShares: eShares}
	share := &Share{PresigID: id, D: d, E: e}
	return presig, share, nil
}

func decodePoint(node identity.NodeID, b []byte) (*secp256k1.JacobianPoint, error) {
	var m nonceCommitMsg
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("signing: decode nonce commitment: %w", err)
	}
	if m.NodeID != uint32(node) {
		return nil, fmt.Errorf("signing: nonce commitment claims node %d over a channel authenticated as node %d", m.NodeID, node)
	}
	pub, err := secp256k1.ParsePubKey(m.Point)
	if err != nil {
		return nil, fmt.Errorf("signing: parse nonce commitment: %w", err)
	}
	var jp secp256k1.JacobianPoint
	pub.AsJacobian(&jp)
	return &jp, nil
}

func excludingSelf(all []identity.NodeID, self identity.NodeID) []identity.NodeID {
	out := make([]identity.NodeID, 0, len(all))
	for _, n := range all {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}

func nodeScalars(nodes []identity.NodeID) []secp256k1.ModNScalar {
	out := make([]secp256k1.ModNScalar, len(nodes))
	for i, n := range nodes {
		out[i] = NodeScalarOf(n)
	}
	return out
}

// NodeScalarOf converts a NodeID to its secp256k1 scalar x-coordinate,
// matching dkg.NodeScalar so presignature Lagrange interpolation uses the
// same convention the DKG round established.
func NodeScalarOf(n identity.NodeID) secp256k1.ModNScalar {
	return dkg.NodeScalar(uint32(n))
}

func randScalar(out *secp256k1.ModNScalar) error {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return fmt.Errorf("signing: rand scalar: %w", err)
		}
		overflow := out.SetBytes(&buf)
		if overflow == 0 && !out.IsZero() {
			return nil
		}
	}
}
