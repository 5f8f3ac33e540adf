package dkg

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// Broadcaster is the network primitive the DKG engine needs from C3/C2: a
// round-tagged broadcast channel (for commitments, which every participant
// must see) and a round-tagged direct channel (for secret shares, which
// must only reach their intended recipient). Implementations live in
// router; this package only depends on the interface.
type Broadcaster interface {
	Broadcast(ctx context.Context, tag string, payload []byte) error
	CollectBroadcast(ctx context.Context, tag string, from []identity.NodeID) (map[identity.NodeID][]byte, error)
	SendTo(ctx context.Context, to identity.NodeID, tag string, payload []byte) error
	CollectDirect(ctx context.Context, tag string, from []identity.NodeID) (map[identity.NodeID][]byte, error)
}

// Config configures one DKG run.
type Config struct {
	SessionID    string
	Self         identity.NodeID
	Participants []identity.NodeID // all N participants, including Self
	Threshold    int               // t
	Scheme       Scheme
}

type commitMsg struct {
	NodeID      uint32
	Commitments [][]byte // compressed secp256k1 points
	PaillierNHash []byte
}

type shareMsg struct {
	From  uint32
	To    uint32
	Share [32]byte
}

type auxRevealMsg struct {
	NodeID  uint32
	PubN    []byte
}

// Engine runs one DKG round for one scheme.
type Engine struct {
	log *zap.Logger
	net Broadcaster
}

// NewEngine builds a DKG engine bound to a round transport.
func NewEngine(log *zap.Logger, net Broadcaster) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log, net: net}
}

// Run executes DKG for cfg.Scheme and returns the resulting KeyShare.
func (e *Engine) Run(ctx context.Context, cfg Config) (*KeyShare, error) {
	if cfg.Threshold < 1 || cfg.Threshold > len(cfg.Participants) {
		return nil, fmt.Errorf("dkg: threshold %d invalid for %d participants", cfg.Threshold, len(cfg.Participants))
	}
	out := &KeyShare{SessionID: cfg.SessionID, NodeID: cfg.Self, Threshold: cfg.Threshold, Scheme: cfg.Scheme}

	if cfg.Scheme == SchemeECDSA || cfg.Scheme == SchemeBoth {
		share, err := e.runOneScheme(ctx, cfg, "ecdsa")
		if err != nil {
			return nil, fmt.Errorf("dkg: ecdsa run: %w", err)
		}
		ecdsaShare, aux, err := e.attachECDSAAux(ctx, cfg, share)
		if err != nil {
			return nil, fmt.Errorf("dkg: ecdsa aux: %w", err)
		}
		_ = aux
		out.ECDSA = ecdsaShare
	}
	if cfg.Scheme == SchemeSchnorr || cfg.Scheme == SchemeBoth {
		share, err := e.runOneScheme(ctx, cfg, "schnorr")
		if err != nil {
			return nil, fmt.Errorf("dkg: schnorr run: %w", err)
		}
		out.Schnorr = share.toSchnorr(cfg)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// combinedShare is the scheme-agnostic result of one Feldman VSS run: this
// node's additive secret share and the joint public key.
type combinedShare struct {
	secret       secp256k1.ModNScalar
	groupPubKey  secp256k1.PublicKey
	verifyShares map[identity.NodeID]secp256k1.JacobianPoint
}

func (c *combinedShare) toSchnorr(cfg Config) *SchnorrKeyShare {
	return &SchnorrKeyShare{
		NodeID:       cfg.Self,
		Share:        c.secret,
		GroupPubKey:  c.groupPubKey,
		Participants: append([]identity.NodeID(nil), cfg.Participants...),
		VerifyShares: c.verifyShares,
	}
}

// runOneScheme executes one Feldman VSS DKG producing a joint additive
// secret and public key, tagged so it can run twice (ecdsa, schnorr)
// in the same session without message collision.
func (e *Engine) runOneScheme(ctx context.Context, cfg Config, tag string) (*combinedShare, error) {
	poly, err := NewRandomPolynomial(cfg.Threshold)
	if err != nil {
		return nil, err
	}
	commitments := poly.Commitments()
	commitBytes := make([][]byte, len(commitments))
	for i, c := range commitments {
		c.ToAffine()
		var pub secp256k1.PublicKey
		pub.FromJacobian(&c)
		commitBytes[i] = pub.SerializeCompressed()
	}
	myMsg, err := cbor.Marshal(commitMsg{NodeID: uint32(cfg.Self), Commitments: commitBytes})
	if err != nil {
		return nil, fmt.Errorf("encode commitments: %w", err)
	}
	if err := e.net.Broadcast(ctx, tag+".commit", myMsg); err != nil {
		return nil, fmt.Errorf("broadcast commitments: %w", err)
	}
	others := excluding(cfg.Participants, cfg.Self)
	raw, err := e.net.CollectBroadcast(ctx, tag+".commit", others)
	if err != nil {
		return nil, fmt.Errorf("collect commitments: %w", err)
	}
	peerCommitments := make(map[identity.NodeID][]secp256k1.JacobianPoint, len(raw)+1)
	peerCommitments[cfg.Self] = commitments
	for node, b := range raw {
		var m commitMsg
		if err := cbor.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("decode commitments from node %d: %w", node, err)
		}
		pts := make([]secp256k1.JacobianPoint, len(m.Commitments))
		for i, cb := range m.Commitments {
			pub, err := secp256k1.ParsePubKey(cb)
			if err != nil {
				return nil, fmt.Errorf("parse commitment from node %d: %w", node, err)
			}
			var jp secp256k1.JacobianPoint
			pub.AsJacobian(&jp)
			pts[i] = jp
		}
		peerCommitments[node] = pts
	}

	for _, to := range others {
		x := NodeScalar(uint32(to))
		share := poly.Eval(&x)
		var b [32]byte
		share.PutBytes(&b)
		payload, err := cbor.Marshal(shareMsg{From: uint32(cfg.Self), To: uint32(to), Share: b})
		if err != nil {
			return nil, fmt.Errorf("encode share to %d: %w", to, err)
		}
		if err := e.net.SendTo(ctx, to, tag+".share", payload); err != nil {
			return nil, fmt.Errorf("send share to %d: %w", to, err)
		}
	}
	rawShares, err := e.net.CollectDirect(ctx, tag+".share", others)
	if err != nil {
		return nil, fmt.Errorf("collect shares: %w", err)
	}

	var merr *multierror.Error
	mySelfX := NodeScalar(uint32(cfg.Self))
	accum := poly.Eval(&mySelfX) // own contribution to own share
	for node, b := range rawShares {
		var m shareMsg
		if err := cbor.Unmarshal(b, &m); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("decode share from %d: %w", node, err))
			continue
		}
		var s secp256k1.ModNScalar
		overflow := s.SetBytes(&m.Share)
		if overflow != 0 {
			merr = multierror.Append(merr, fmt.Errorf("share from %d overflows scalar field", node))
			continue
		}
		if !VerifyShare(&s, &mySelfX, peerCommitments[node]) {
			merr = multierror.Append(merr, fmt.Errorf("share from %d fails VSS verification", node))
			continue
		}
		accum.Add(&s)
	}
	if merr.ErrorOrNil() != nil {
		e.log.Warn("dkg: share verification failures", zap.String("tag", tag), zap.Error(merr))
		return nil, merr
	}

	var groupPub secp256k1.JacobianPoint
	for _, pts := range peerCommitments {
		var c0 secp256k1.JacobianPoint
		c0 = pts[0]
		c0.ToAffine()
		secp256k1.AddNonConst(&groupPub, &c0, &groupPub)
	}
	groupPub.ToAffine()
	var pub secp256k1.PublicKey
	pub.FromJacobian(&groupPub)

	verifyShares := make(map[identity.NodeID]secp256k1.JacobianPoint, len(cfg.Participants))
	for _, p := range cfg.Participants {
		x := NodeScalar(uint32(p))
		verifyShares[p] = VerifyShareOf(&x, peerCommitments)
	}

	return &combinedShare{secret: accum, groupPubKey: pub, verifyShares: verifyShares}, nil
}

// attachECDSAAux generates this node's Paillier-style auxiliary material,
// broadcasts its modulus in the clear and collects every peer's modulus in
// turn. No commitment precedes the modulus and no range proof is run over
// it; the modulus exchange itself is real so presignature generation has
// concrete key material to operate on.
func (e *Engine) attachECDSAAux(ctx context.Context, cfg Config, share *combinedShare) (*ECDSAKeyShare, *PaillierAux, error) {
	aux, err := GeneratePaillierAux(cfg.Self)
	if err != nil {
		return nil, nil, fmt.Errorf("generate paillier aux: %w", err)
	}
	hash := sha256.Sum256(aux.PublicN)
	myMsg, err := cbor.Marshal(auxRevealMsg{NodeID: uint32(cfg.Self), PubN: aux.PublicN})
	if err != nil {
		return nil, nil, err
	}
	if err := e.net.Broadcast(ctx, "ecdsa.aux", myMsg); err != nil {
		return nil, nil, fmt.Errorf("broadcast aux: %w", err)
	}
	others := excluding(cfg.Participants, cfg.Self)
	raw, err := e.net.CollectBroadcast(ctx, "ecdsa.aux", others)
	if err != nil {
		return nil, nil, fmt.Errorf("collect aux: %w", err)
	}
	peerAux := make(map[identity.NodeID]PaillierAux, len(raw))
	for node, b := range raw {
		var m auxRevealMsg
		if err := cbor.Unmarshal(b, &m); err != nil {
			return nil, nil, fmt.Errorf("decode aux from %d: %w", node, err)
		}
		peerAux[node] = PaillierAux{NodeID: node, PublicN: m.PubN}
	}
	aux.committed = hash[:]

	ks := &ECDSAKeyShare{
		NodeID:       cfg.Self,
		Share:        share.secret,
		GroupPubKey:  share.groupPubKey,
		Participants: append([]identity.NodeID(nil), cfg.Participants...),
		Aux:          *aux,
		PeerAux:      peerAux,
		VerifyShares: share.verifyShares,
	}
	return ks, aux, nil
}

func excluding(all []identity.NodeID, self identity.NodeID) []identity.NodeID {
	out := make([]identity.NodeID, 0, len(all)-1)
	for _, n := range all {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}
