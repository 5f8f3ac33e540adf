// Package dkg implements the distributed key generation round that
// produces each node's ECDSA and/or Schnorr key share plus the group's
// public key, using Feldman verifiable secret sharing over secp256k1.
package dkg

import (
	"crypto/rand"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// Polynomial is a degree t-1 polynomial over the secp256k1 scalar field,
// coefficients ordered from the constant term up. Coefficient 0 is the
// node's contribution to the joint secret.
type Polynomial struct {
	Coeffs []secp256k1.ModNScalar
}

// NewRandomPolynomial samples a random degree t-1 polynomial.
func NewRandomPolynomial(t int) (*Polynomial, error) {
	if t < 1 {
		return nil, fmt.Errorf("dkg: threshold must be >= 1, got %d", t)
	}
	p := &Polynomial{Coeffs: make([]secp256k1.ModNScalar, t)}
	for i := range p.Coeffs {
		if err := randScalar(&p.Coeffs[i]); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func randScalar(out *secp256k1.ModNScalar) error {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return fmt.Errorf("dkg: rand scalar: %w", err)
		}
		overflow := out.SetBytes(&buf)
		if overflow == 0 && !out.IsZero() {
			return nil
		}
	}
}

// Eval evaluates the polynomial at x (x must be nonzero, a participant's
// NodeID cast to scalar).
func (p *Polynomial) Eval(x *secp256k1.ModNScalar) secp256k1.ModNScalar {
	var acc secp256k1.ModNScalar
	for i := len(p.Coeffs) - 1; i >= 0; i-- {
		acc.Mul(x)
		acc.Add(&p.Coeffs[i])
	}
	return acc
}

// Commitments returns c_k * G for each coefficient c_k, broadcast so other
// participants can verify their received share against the polynomial.
func (p *Polynomial) Commitments() []secp256k1.JacobianPoint {
	out := make([]secp256k1.JacobianPoint, len(p.Coeffs))
	for i, c := range p.Coeffs {
		var pt secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&c, &pt)
		out[i] = pt
	}
	return out
}

// VerifyShare checks that share = f(x) is consistent with the broadcast
// commitments to f, i.e. share*G == sum_k(x^k * commitments[k]).
func VerifyShare(share *secp256k1.ModNScalar, x *secp256k1.ModNScalar, commitments []secp256k1.JacobianPoint) bool {
	var lhs secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(share, &lhs)
	lhs.ToAffine()

	var rhs secp256k1.JacobianPoint
	var xPow secp256k1.ModNScalar
	xPow.SetInt(1)
	for _, c := range commitments {
		var term secp256k1.JacobianPoint
		cc := c
		cc.ToAffine()
		secp256k1.ScalarMultNonConst(&xPow, &cc, &term)
		secp256k1.AddNonConst(&rhs, &term, &rhs)
		xPow.Mul(x)
	}
	rhs.ToAffine()
	return lhs.X.Equals(&rhs.X) && lhs.Y.Equals(&rhs.Y)
}

// VerifyShareOf computes the public verification point Y = x*G for a
// participant's final additive share, directly from every contributing
// polynomial's broadcast commitments, without ever needing the secret share
// itself: Y = sum_k(sum_d(x^d * commitments_k[d])). This is the same
// evaluation VerifyShare performs against a claimed secret, but returning
// the raw point lets a node verify a threshold signing partial against any
// participant's share, including its own.
func VerifyShareOf(x *secp256k1.ModNScalar, allCommitments map[identity.NodeID][]secp256k1.JacobianPoint) secp256k1.JacobianPoint {
	var sum secp256k1.JacobianPoint
	for _, commitments := range allCommitments {
		var xPow secp256k1.ModNScalar
		xPow.SetInt(1)
		for _, c := range commitments {
			var term secp256k1.JacobianPoint
			cc := c
			cc.ToAffine()
			secp256k1.ScalarMultNonConst(&xPow, &cc, &term)
			secp256k1.AddNonConst(&sum, &term, &sum)
			xPow.Mul(x)
		}
	}
	sum.ToAffine()
	return sum
}

// NodeScalar converts a NodeID to its secp256k1 scalar x-coordinate. NodeIDs
// are small positive integers so this never overflows the field.
func NodeScalar(id uint32) secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	s.SetInt(uint32(id))
	return s
}

// LagrangeCoefficient returns the Lagrange basis coefficient for party x
// evaluated at 0, over the given set of participant x-coordinates.
func LagrangeCoefficient(x secp256k1.ModNScalar, xs []secp256k1.ModNScalar) secp256k1.ModNScalar {
	var num, den secp256k1.ModNScalar
	num.SetInt(1)
	den.SetInt(1)
	for _, xj := range xs {
		if xj.Equals(&x) {
			continue
		}
		num.Mul(&xj)
		var diff secp256k1.ModNScalar
		diff.Set(&xj)
		diff.Add(negate(&x))
		den.Mul(&diff)
	}
	var denInv secp256k1.ModNScalar
	denInv.Set(&den)
	denInv.InverseValNonConst()
	var coeff secp256k1.ModNScalar
	coeff.Set(&num)
	coeff.Mul(&denInv)
	return coeff
}

func negate(s *secp256k1.ModNScalar) *secp256k1.ModNScalar {
	var out secp256k1.ModNScalar
	out.Set(s)
	out.Negate()
	return &out
}
