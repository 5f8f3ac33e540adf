package signing

import (
	"context"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/dkg"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// OnlineSession runs the cheap online phase: given a claimed presignature
// and this node's secret share, combine with the other participants over
// one more broadcast round to produce the final signature. The ECDSA path
// uses only the presignature share, whose Chi already carries this node's
// Lagrange-weighted key share; the Schnorr path multiplies this node's
// long-term key share into its response.
type OnlineSession struct {
	log  *zap.Logger
	self identity.NodeID
	net  Broadcaster
}

// NewOnlineSession builds an online-phase combiner.
func NewOnlineSession(log *zap.Logger, self identity.NodeID, net Broadcaster) *OnlineSession {
	if log == nil {
		log = zap.NewNop()
	}
	return &OnlineSession{log: log, self: self, net: net}
}

type nonceRevealMsg struct {
	NodeID uint32
	K      [32]byte
}

// SignECDSA combines this node's presignature share with its peers' to
// produce a completed (r, s) signature over msgHash. It reveals this
// node's masked nonce share k_i to the signing quorum so every node can
// locally invert the group nonce; the quorum is exactly the presignature's
// participant set and the value is worthless outside that single session.
func (s *OnlineSession) SignECDSA(ctx context.Context, presig *Presignature, share *Share, ks *dkg.KeyShare, msgHash [32]byte) (*Signature, error) {
	if presig.Scheme != ECDSA {
		return nil, fmt.Errorf("signing: presignature %s is not an ECDSA presignature", presig.ID)
	}
	if ks.ECDSA == nil {
		return nil, fmt.Errorf("signing: key share has no ECDSA half")
	}

	tag := fmt.Sprintf("sign.%s.k", presig.ID)
	var kb [32]byte
	share.K.PutBytes(&kb)
	payload, err := cbor.Marshal(nonceRevealMsg{NodeID: uint32(s.self), K: kb})
	if err != nil {
		return nil, err
	}
	if err := s.net.Broadcast(ctx, tag, payload); err != nil {
		return nil, fmt.Errorf("signing: broadcast nonce reveal: %w", err)
	}
	others := excludingSelf(presig.Participants, s.self)
	raw, err := s.net.CollectBroadcast(ctx, tag, others)
	if err != nil {
		return nil, fmt.Errorf("signing: collect nonce reveals: %w", err)
	}

	groupK := share.K
	for node, b := range raw {
		var m nonceRevealMsg
		if err := cbor.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("signing: decode nonce reveal: %w", err)
		}
		if m.NodeID != uint32(node) {
			return nil, &InvalidPartialError{Node: node}
		}
		var ki secp256k1.ModNScalar
		if ki.SetBytes(&m.K) != 0 {
			return nil, fmt.Errorf("signing: nonce reveal from node %d overflows scalar field", node)
		}
		groupK.Add(&ki)
	}

	rPoint := presig.R
	rPoint.ToAffine()
	r := fieldToScalar(&rPoint.X)
	if r.IsZero() {
		return nil, fmt.Errorf("signing: presignature %s has zero r, discard and retry", presig.ID)
	}

	var kInv secp256k1.ModNScalar
	kInv.Set(&groupK)
	kInv.InverseValNonConst()

	var z secp256k1.ModNScalar
	z.SetBytes(&msgHash)
	nInv := scalarFromInt(uint32(len(presig.Participants)))
	nInv.InverseValNonConst()
	var zShare secp256k1.ModNScalar
	zShare.Set(&z)
	zShare.Mul(&nInv)

	var rChi secp256k1.ModNScalar
	rChi.Set(&r)
	rChi.Mul(&share.Chi)

	var partial secp256k1.ModNScalar
	partial.Set(&zShare)
	partial.Add(&rChi)
	partial.Mul(&kInv)

	partialTag := fmt.Sprintf("sign.%s.partial", presig.ID)
	var pb [32]byte
	partial.PutBytes(&pb)
	payload, err = cbor.Marshal(nonceRevealMsg{NodeID: uint32(s.self), K: pb})
	if err != nil {
		return nil, err
	}
	if err := s.net.Broadcast(ctx, partialTag, payload); err != nil {
		return nil, fmt.Errorf("signing: broadcast partial signature: %w", err)
	}
	rawPartials, err := s.net.CollectBroadcast(ctx, partialTag, others)
	if err != nil {
		return nil, fmt.Errorf("signing: collect partial signatures: %w", err)
	}

	participantXs := nodeScalars(presig.Participants)
	partials := []secp256k1.ModNScalar{partial}
	for node, b := range rawPartials {
		var m nonceRevealMsg
		if err := cbor.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("signing: decode partial signature: %w", err)
		}
		if m.NodeID != uint32(node) {
			return nil, &InvalidPartialError{Node: node}
		}
		var pi secp256k1.ModNScalar
		if pi.SetBytes(&m.K) != 0 {
			return nil, fmt.Errorf("signing: partial signature from node %d overflows scalar field", node)
		}
		verifyShare, ok := ks.ECDSA.VerifyShares[node]
		if !ok {
			return nil, &InvalidPartialError{Node: node}
		}
		lambda := dkg.LagrangeCoefficient(NodeScalarOf(node), participantXs)
		if !VerifyECDSAPartial(pi, r, presig.R, zShare, lambda, verifyShare) {
			return nil, &InvalidPartialError{Node: node}
		}
		partials = append(partials, pi)
	}
	return CombineECDSA(r, partials, &ks.ECDSA.GroupPubKey, msgHash)
}

// SignSchnorr combines this node's presignature share with its peers' to
// produce a BIP-340-style compact signature over msgHash. The presignature
// round already fixed R = sum(D_i + E_i); each node here contributes
// z_i = d_i + e_i + c*chi_i, so the combined z = k + c*x matches the
// standard Schnorr relation once every share is summed.
func (s *OnlineSession) SignSchnorr(ctx context.Context, presig *Presignature, share *Share, ks *dkg.KeyShare, msgHash [32]byte) (*Signature, error) {
	if presig.Scheme != Schnorr {
		return nil, fmt.Errorf("signing: presignature %s is not a Schnorr presignature", presig.ID)
	}
	if ks.Schnorr == nil {
		return nil, fmt.Errorf("signing: key share has no Schnorr half")
	}

	rPoint := presig.R
	rPoint.ToAffine()
	xf := rPoint.X
	xf.Normalize()
	rBytes := xf.Bytes()

	groupPub := ks.Schnorr.GroupPubKey.SerializeCompressed()
	challenge := SighashChallenge("mpcwallet/schnorr-challenge", rBytes[:], groupPub, msgHash[:])
	var c secp256k1.ModNScalar
	c.SetBytes(&challenge)

	xCoord := NodeScalarOf(s.self)
	lambda := dkg.LagrangeCoefficient(xCoord, nodeScalars(presig.Participants))
	var chi secp256k1.ModNScalar
	chi.Set(&lambda)
	chi.Mul(&ks.Schnorr.Share)

	var cChi secp256k1.ModNScalar
	cChi.Set(&c)
	cChi.Mul(&chi)

	var z secp256k1.ModNScalar
	z.Set(&share.D)
	z.Add(&share.E)
	z.Add(&cChi)

	tag := fmt.Sprintf("sign.%s.zpartial", presig.ID)
	var zb [32]byte
	z.PutBytes(&zb)
	payload, err := cbor.Marshal(nonceRevealMsg{NodeID: uint32(s.self), K: zb})
	if err != nil {
		return nil, err
	}
	if err := s.net.Broadcast(ctx, tag, payload); err != nil {
		return nil, fmt.Errorf("signing: broadcast z share: %w", err)
	}
	others := excludingSelf(presig.Participants, s.self)
	raw, err := s.net.CollectBroadcast(ctx, tag, others)
	if err != nil {
		return nil, fmt.Errorf("signing: collect z shares: %w", err)
	}

	participantXs := nodeScalars(presig.Participants)
	zShares := []secp256k1.ModNScalar{z}
	for node, b := range raw {
		var m nonceRevealMsg
		if err := cbor.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("signing: decode z share: %w", err)
		}
		if m.NodeID != uint32(node) {
			return nil, &InvalidPartialError{Node: node}
		}
		var zi secp256k1.ModNScalar
		if zi.SetBytes(&m.K) != 0 {
			return nil, fmt.Errorf("signing: z share from node %d overflows scalar field", node)
		}
		d, ok := presig.DShares[node]
		if !ok {
			return nil, &InvalidPartialError{Node: node}
		}
		e, ok := presig.EShares[node]
		if !ok {
			return nil, &InvalidPartialError{Node: node}
		}
		verifyShare, ok := ks.Schnorr.VerifyShares[node]
		if !ok {
			return nil, &InvalidPartialError{Node: node}
		}
		lambda := dkg.LagrangeCoefficient(NodeScalarOf(node), participantXs)
		if !VerifySchnorrPartial(zi, d, e, c, lambda, verifyShare) {
			return nil, &InvalidPartialError{Node: node}
		}
		zShares = append(zShares, zi)
	}
	return CombineSchnorr(xf, zShares, &ks.Schnorr.GroupPubKey, msgHash)
}

func fieldToScalar(f *secp256k1.FieldVal) secp256k1.ModNScalar {
	f.Normalize()
	b := f.Bytes()
	var s secp256k1.ModNScalar
	s.SetBytes(&b)
	return s
}

func scalarFromInt(n uint32) secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	s.SetInt(n)
	return s
}
