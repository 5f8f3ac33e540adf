// Package signing implements threshold ECDSA and Schnorr signature
// combination over secp256k1, backed by a presignature pool that lets the
// expensive offline phase run ahead of the cheap online phase.
package signing

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/dkg"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// Scheme mirrors dkg.Scheme for the subset that can actually sign (Both is
// not a signing-time scheme; a Transaction picks exactly one).
type Scheme int

const (
	ECDSA Scheme = iota
	Schnorr
)

// Presignature is the output of the offline phase: everything needed to
// complete a signature cheaply once a message is known, minus the part
// that must stay secret to this node (held instead in the local secret
// cache, keyed by ID).
type Presignature struct {
	ID           uuid.UUID
	Scheme       Scheme
	Participants []identity.NodeID
	CreatedAt    time.Time
	Used         bool

	// R is the group nonce point commitment shared by all participants.
	R secp256k1.JacobianPoint

	// RShares holds each ECDSA participant's individual nonce-commitment
	// point R_i = k_i*G, retained so the online phase can locally verify a
	// partial signature against its source before ever combining it.
	RShares map[identity.NodeID]secp256k1.JacobianPoint
	// DShares and EShares hold each Schnorr participant's two nonce
	// commitment points, for the same local verification purpose.
	DShares map[identity.NodeID]secp256k1.JacobianPoint
	EShares map[identity.NodeID]secp256k1.JacobianPoint
}

// Share is the per-node secret material for one presignature, stored only
// in the local secret cache and never transmitted.
type Share struct {
	PresigID uuid.UUID
	K        secp256k1.ModNScalar // ECDSA: masked nonce share k_i
	Chi      secp256k1.ModNScalar // ECDSA: this node's Lagrange-weighted key contribution, lambda_i * x_i
	D        secp256k1.ModNScalar // Schnorr: first nonce share d_i
	E        secp256k1.ModNScalar // Schnorr: second nonce share e_i
}

// Signature is a completed signature, DER-encoded for ECDSA or the 64-byte
// compact (R.x||z) form for Schnorr. The Schnorr form uses this package's
// own challenge hash (see CombineSchnorr) and is not a BIP-340 signature.
type Signature struct {
	Scheme Scheme
	Bytes  []byte
}

// InvalidPartialError reports that a specific participant's contribution to
// a threshold signature failed local public verification before
// combination, the evidence an invalid_signature violation is recorded
// against.
type InvalidPartialError struct {
	Node identity.NodeID
}

func (e *InvalidPartialError) Error() string {
	return fmt.Sprintf("signing: partial signature from node %d failed local verification", e.Node)
}

// ErrSignatureVerificationFailed reports that a fully combined signature
// failed its own round-trip verification against the group public key,
// the last-resort gate before a transaction may ever be marked signed.
var ErrSignatureVerificationFailed = fmt.Errorf("signing: combined signature failed round-trip verification")

// VerifyECDSAPartial checks node's partial s_i against its public
// verification share Y_i = x_i*G, using only information every participant
// already has: s_i*R must equal zShare*G + r*lambda_i*Y_i, the same
// relation summing every partial's s_i reconstructs into the full
// signature (s = k^-1(z + r*x)).
func VerifyECDSAPartial(partial, r secp256k1.ModNScalar, groupR secp256k1.JacobianPoint, zShare, lambda secp256k1.ModNScalar, verifyShare secp256k1.JacobianPoint) bool {
	rAff := groupR
	rAff.ToAffine()
	var lhs secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&partial, &rAff, &lhs)
	lhs.ToAffine()

	var zG secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&zShare, &zG)

	var rLambda secp256k1.ModNScalar
	rLambda.Set(&r)
	rLambda.Mul(&lambda)
	yAff := verifyShare
	yAff.ToAffine()
	var rLambdaY secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&rLambda, &yAff, &rLambdaY)

	var rhs secp256k1.JacobianPoint
	secp256k1.AddNonConst(&zG, &rLambdaY, &rhs)
	rhs.ToAffine()
	return lhs.X.Equals(&rhs.X) && lhs.Y.Equals(&rhs.Y)
}

// verifyECDSAEquation is the standard two-generator ECDSA verification
// equation, used as CombineECDSA's round-trip gate: r must equal the
// x-coordinate of u1*G + u2*Q for u1 = z*s^-1, u2 = r*s^-1.
func verifyECDSAEquation(r, s secp256k1.ModNScalar, pub *secp256k1.PublicKey, msgHash [32]byte) bool {
	if r.IsZero() || s.IsZero() {
		return false
	}
	var sInv secp256k1.ModNScalar
	sInv.Set(&s)
	sInv.InverseValNonConst()

	var z secp256k1.ModNScalar
	z.SetBytes(&msgHash)

	var u1 secp256k1.ModNScalar
	u1.Set(&z)
	u1.Mul(&sInv)
	var u2 secp256k1.ModNScalar
	u2.Set(&r)
	u2.Mul(&sInv)

	var p1 secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&u1, &p1)

	var pubJ secp256k1.JacobianPoint
	pub.AsJacobian(&pubJ)
	var p2 secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&u2, &pubJ, &p2)

	var sum secp256k1.JacobianPoint
	secp256k1.AddNonConst(&p1, &p2, &sum)
	sum.ToAffine()
	x := fieldToScalar(&sum.X)
	return x.Equals(&r)
}

// CombineECDSA combines this node's partial signature with the others'
// to produce the final (r, s), normalizing s to the lower half of the
// curve order (low-S) before DER-encoding, matching Bitcoin's standardness
// rule, then verifies the combined signature against groupPubKey before
// ever returning it: every caller gets this round-trip gate for free,
// regardless of whether the partials it combined were individually
// verified first.
func CombineECDSA(r secp256k1.ModNScalar, partials []secp256k1.ModNScalar, groupPubKey *secp256k1.PublicKey, msgHash [32]byte) (*Signature, error) {
	if len(partials) == 0 {
		return nil, fmt.Errorf("signing: no partial signatures to combine")
	}
	var s secp256k1.ModNScalar
	for i, p := range partials {
		if i == 0 {
			s.Set(&p)
			continue
		}
		s.Add(&p)
	}
	if s.IsOverHalfOrder() {
		s.Negate()
	}
	if !verifyECDSAEquation(r, s, groupPubKey, msgHash) {
		return nil, ErrSignatureVerificationFailed
	}
	sig := ecdsaDEREncode(&r, &s)
	return &Signature{Scheme: ECDSA, Bytes: sig}, nil
}

func ecdsaDEREncode(r, s *secp256k1.ModNScalar) []byte {
	var rb, sb [32]byte
	r.PutBytes(&rb)
	s.PutBytes(&sb)
	sig := ecdsaSignatureFromScalars(rb[:], sb[:])
	return sig
}

// ecdsaSignatureFromScalars builds a minimal DER ECDSA signature from raw
// scalar bytes without re-deriving them through a full Signature type,
// since we never hold r/s as a secp256k1.Signature (that type expects a
// single signer, not a threshold combination).
func ecdsaSignatureFromScalars(r, s []byte) []byte {
	r = trimLeadingZeroesKeepSign(r)
	s = trimLeadingZeroesKeepSign(s)
	body := make([]byte, 0, 8+len(r)+len(s))
	body = append(body, 0x02, byte(len(r)))
	body = append(body, r...)
	body = append(body, 0x02, byte(len(s)))
	body = append(body, s...)
	out := make([]byte, 0, 2+len(body))
	out = append(out, 0x30, byte(len(body)))
	out = append(out, body...)
	return out
}

func trimLeadingZeroesKeepSign(b []byte) []byte {
	i := 0
	for i < len(b)-1 && b[i] == 0 && b[i+1] < 0x80 {
		i++
	}
	b = b[i:]
	if len(b) > 0 && b[0] >= 0x80 {
		out := make([]byte, len(b)+1)
		copy(out[1:], b)
		return out
	}
	return b
}

// SighashChallenge computes the BIP-340-style tagged challenge used by
// both the Schnorr threshold signer and its offline verification tests.
func SighashChallenge(tag string, parts ...[]byte) [32]byte {
	th := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(th[:])
	h.Write(th[:])
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifySchnorrPartial checks node's response z_i against its public
// verification share Y_i = x_i*G: z_i*G must equal D_i + E_i + c*lambda_i*Y_i,
// the per-party relation that summing every z_i reconstructs the standard
// Schnorr relation z*G = R + c*Q.
func VerifySchnorrPartial(z secp256k1.ModNScalar, d, e secp256k1.JacobianPoint, c, lambda secp256k1.ModNScalar, verifyShare secp256k1.JacobianPoint) bool {
	var lhs secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&z, &lhs)
	lhs.ToAffine()

	var cLambda secp256k1.ModNScalar
	cLambda.Set(&c)
	cLambda.Mul(&lambda)
	yAff := verifyShare
	yAff.ToAffine()
	var cLambdaY secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&cLambda, &yAff, &cLambdaY)

	dAff, eAff := d, e
	dAff.ToAffine()
	eAff.ToAffine()
	var de secp256k1.JacobianPoint
	secp256k1.AddNonConst(&dAff, &eAff, &de)
	var rhs secp256k1.JacobianPoint
	secp256k1.AddNonConst(&de, &cLambdaY, &rhs)
	rhs.ToAffine()
	return lhs.X.Equals(&rhs.X) && lhs.Y.Equals(&rhs.Y)
}

// verifySchnorrEquation checks the combined signature against the group
// public key by comparing x-coordinates only; neither R (the plain sum
// D+E) nor the group key is normalized to even Y.
func verifySchnorrEquation(rx secp256k1.FieldVal, z, c secp256k1.ModNScalar, pub *secp256k1.PublicKey) bool {
	var lhs secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&z, &lhs)
	lhs.ToAffine()

	var pubJ secp256k1.JacobianPoint
	pub.AsJacobian(&pubJ)
	var cY secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&c, &pubJ, &cY)
	cY.ToAffine()
	cY.Y.Negate(1)
	cY.Y.Normalize()

	var diff secp256k1.JacobianPoint
	secp256k1.AddNonConst(&lhs, &cY, &diff)
	diff.ToAffine()
	return diff.X.Equals(&rx)
}

// CombineSchnorr sums each participant's z_i response into the final
// compact signature (R.x || z), then verifies the result against
// groupPubKey and msgHash before ever returning it. The challenge is
// SighashChallenge tagged "mpcwallet/schnorr-challenge" over R.x, the
// 33-byte compressed group key and msgHash, so the result does not verify
// under BIP-340.
func CombineSchnorr(r secp256k1.FieldVal, zShares []secp256k1.ModNScalar, groupPubKey *secp256k1.PublicKey, msgHash [32]byte) (*Signature, error) {
	if len(zShares) == 0 {
		return nil, fmt.Errorf("signing: no z shares to combine")
	}
	var z secp256k1.ModNScalar
	for i, zi := range zShares {
		if i == 0 {
			z.Set(&zi)
			continue
		}
		z.Add(&zi)
	}
	out := make([]byte, 64)
	rBytes := r.Bytes()
	copy(out[:32], rBytes[:])
	var zb [32]byte
	z.PutBytes(&zb)
	copy(out[32:], zb[:])

	challenge := SighashChallenge("mpcwallet/schnorr-challenge", rBytes[:], groupPubKey.SerializeCompressed(), msgHash[:])
	var c secp256k1.ModNScalar
	c.SetBytes(&challenge)
	if !verifySchnorrEquation(r, z, c, groupPubKey) {
		return nil, ErrSignatureVerificationFailed
	}
	return &Signature{Scheme: Schnorr, Bytes: out}, nil
}

// dkgSchemeOf converts a signing.Scheme to its dkg.Scheme counterpart for
// looking up the right KeyShare half.
func dkgSchemeOf(s Scheme) dkg.Scheme {
	if s == Schnorr {
		return dkg.SchemeSchnorr
	}
	return dkg.SchemeECDSA
}
