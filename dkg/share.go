package dkg

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// Scheme selects which signature family a DKG run produces shares for.
type Scheme int

const (
	SchemeUnspecified Scheme = iota
	SchemeECDSA
	SchemeSchnorr
	SchemeBoth
)

func (s Scheme) String() string {
	switch s {
	case SchemeECDSA:
		return "ecdsa"
	case SchemeSchnorr:
		return "schnorr"
	case SchemeBoth:
		return "both"
	default:
		return "unspecified"
	}
}

// PaillierAux is a node's auxiliary Paillier keypair used for the CGGMP-style
// ECDSA presignature protocol (encrypting multiplicative shares for MtA).
// The modulus arithmetic itself runs on saferith's constant-time big
// integers; the primes behind N come from crypto/rand.Prime on math/big
// (see paillier.go).
type PaillierAux struct {
	NodeID    identity.NodeID
	PublicN   []byte // big-endian modulus N = p*q
	committed []byte // SHA-256 of N, recorded locally after the moduli are exchanged; never broadcast
}

// ECDSAKeyShare is one node's additive Shamir share of the group's ECDSA
// signing key (the same Feldman VSS output the Schnorr flavor uses, not a
// multiplicative share), plus the Paillier moduli exchanged with its peers.
type ECDSAKeyShare struct {
	NodeID       identity.NodeID
	Share        secp256k1.ModNScalar // this node's additive share after combination, x_i
	GroupPubKey  secp256k1.PublicKey
	Participants []identity.NodeID
	Aux          PaillierAux
	PeerAux      map[identity.NodeID]PaillierAux

	// VerifyShares holds every participant's public verification point
	// Y_i = x_i*G, letting the online signing phase check a partial
	// signature against its source without any secret material.
	VerifyShares map[identity.NodeID]secp256k1.JacobianPoint
}

// SchnorrKeyShare is one node's additive Shamir share of the group's
// Schnorr signing key.
type SchnorrKeyShare struct {
	NodeID       identity.NodeID
	Share        secp256k1.ModNScalar
	GroupPubKey  secp256k1.PublicKey // as produced by DKG; not normalized to even Y
	Participants []identity.NodeID
	VerifyShares map[identity.NodeID]secp256k1.JacobianPoint
}

// KeyShare bundles whichever scheme(s) a DKG run produced for this node.
// It is the durable artifact of C4 and the input to C5 signing; its secret
// scalar material must never leave the node's local secret cache unwrapped.
type KeyShare struct {
	SessionID string
	NodeID    identity.NodeID
	Threshold int
	Scheme    Scheme
	ECDSA     *ECDSAKeyShare
	Schnorr   *SchnorrKeyShare
}

// Validate checks internal consistency of a freshly combined KeyShare.
func (k *KeyShare) Validate() error {
	if k.Threshold < 1 {
		return fmt.Errorf("dkg: invalid threshold %d", k.Threshold)
	}
	switch k.Scheme {
	case SchemeECDSA:
		if k.ECDSA == nil {
			return fmt.Errorf("dkg: scheme ecdsa requires an ECDSA share")
		}
	case SchemeSchnorr:
		if k.Schnorr == nil {
			return fmt.Errorf("dkg: scheme schnorr requires a Schnorr share")
		}
	case SchemeBoth:
		if k.ECDSA == nil || k.Schnorr == nil {
			return fmt.Errorf("dkg: scheme both requires both shares")
		}
	default:
		return fmt.Errorf("dkg: unspecified scheme")
	}
	return nil
}
