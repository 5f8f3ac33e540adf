package dkg

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/cronokirby/saferith"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

const paillierBits = 1024 // per-prime bit length; production CGGMP deployments use 1536-2048

// PaillierKeyPair is a node's auxiliary encryption key, used during the
// ECDSA presignature protocol to let peers perform the multiplicative-to-
// additive share conversion (MtA) without revealing their shares. The
// modular arithmetic runs on saferith.Nat/Modulus so it stays constant-time
// with respect to the private factors; the underlying primes are ordinary
// random primes from crypto/rand.Prime (not safe primes), generated on
// math/big since that step is not timing-sensitive.
type PaillierKeyPair struct {
	NodeID identity.NodeID
	N      *saferith.Modulus // public modulus p*q
	NSq    *saferith.Modulus // N^2, precomputed for encryption
	p, q   *big.Int
}

// GeneratePaillierAux samples a fresh Paillier keypair for nodeID and
// returns the public portion to be broadcast during DKG's auxiliary phase.
func GeneratePaillierAux(nodeID identity.NodeID) (*PaillierAux, error) {
	kp, err := GeneratePaillierKeyPair(nodeID)
	if err != nil {
		return nil, err
	}
	return &PaillierAux{NodeID: nodeID, PublicN: kp.N.Nat().Bytes()}, nil
}

// GeneratePaillierKeyPair generates p, q and the derived moduli.
func GeneratePaillierKeyPair(nodeID identity.NodeID) (*PaillierKeyPair, error) {
	p, err := randPrime(paillierBits)
	if err != nil {
		return nil, fmt.Errorf("dkg: generate p: %w", err)
	}
	q, err := randPrime(paillierBits)
	if err != nil {
		return nil, fmt.Errorf("dkg: generate q: %w", err)
	}
	n := new(big.Int).Mul(p, q)
	nSq := new(big.Int).Mul(n, n)

	modN := saferith.ModulusFromNat(new(saferith.Nat).SetBig(n, n.BitLen()))
	modNSq := saferith.ModulusFromNat(new(saferith.Nat).SetBig(nSq, nSq.BitLen()))

	return &PaillierKeyPair{
		NodeID: nodeID,
		N:      modN,
		NSq:    modNSq,
		p:      p,
		q:      q,
	}, nil
}

func randPrime(bits int) (*big.Int, error) {
	p, err := rand.Prime(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Encrypt computes (1+N)^m * r^N mod N^2 for a random unit r, the standard
// Paillier encryption used to ship masked shares during MtA.
func (kp *PaillierKeyPair) Encrypt(m *big.Int) (*saferith.Nat, error) {
	n := kp.N.Nat()
	one := new(saferith.Nat).SetUint64(1)
	base := new(saferith.Nat).ModAdd(one, n, kp.NSq)

	mNat := new(saferith.Nat).SetBig(m, m.BitLen()+1)
	gm := new(saferith.Nat).Exp(base, mNat, kp.NSq)

	r, err := rand.Int(rand.Reader, new(big.Int).Set(n.Big()))
	if err != nil {
		return nil, fmt.Errorf("dkg: paillier rand r: %w", err)
	}
	rNat := new(saferith.Nat).SetBig(r, r.BitLen()+1)
	nExp := new(saferith.Nat).SetBig(n.Big(), n.Big().BitLen())
	rn := new(saferith.Nat).Exp(rNat, nExp, kp.NSq)

	ct := new(saferith.Nat).ModMul(gm, rn, kp.NSq)
	return ct, nil
}

// Decrypt reverses Encrypt using lambda = (p-1)(q-1), Euler's totient of N,
// derived from the prime factors, which only the key owner holds.
func (kp *PaillierKeyPair) Decrypt(ct *saferith.Nat) (*big.Int, error) {
	n := kp.N.Nat().Big()
	lambda := new(big.Int).Mul(new(big.Int).Sub(kp.p, big.NewInt(1)), new(big.Int).Sub(kp.q, big.NewInt(1)))

	lambdaNat := new(saferith.Nat).SetBig(lambda, lambda.BitLen())
	u := new(saferith.Nat).Exp(ct, lambdaNat, kp.NSq)

	l := lFunction(u.Big(), n)
	muInv := new(big.Int).ModInverse(lambda, n)
	if muInv == nil {
		return nil, fmt.Errorf("dkg: paillier decrypt: lambda not invertible mod N")
	}
	m := new(big.Int).Mod(new(big.Int).Mul(l, muInv), n)
	return m, nil
}

// lFunction computes (u-1)/n, the standard Paillier L function.
func lFunction(u, n *big.Int) *big.Int {
	num := new(big.Int).Sub(u, big.NewInt(1))
	return new(big.Int).Div(num, n)
}
