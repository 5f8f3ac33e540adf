// Package identity manages a node's transport signing key and the
// cluster's pinned fingerprint table used to authenticate peers.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"
)

// NodeID identifies one of the N nodes in the cluster. Nodes are numbered
// starting at 1; NodeID 0 is never valid.
type NodeID uint32

// Fingerprint is the SHA-256 digest of a node's ed25519 public key.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", f[:8])
}

// Identity holds a node's own signing keypair.
type Identity struct {
	Self    NodeID
	private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// New wraps an existing ed25519 private key as this node's transport identity.
func New(self NodeID, priv ed25519.PrivateKey) (*Identity, error) {
	if self == 0 {
		return nil, fmt.Errorf("identity: NodeID 0 is reserved")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: bad private key size %d", len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{Self: self, private: priv, Public: pub}, nil
}

// Generate creates a fresh random identity.
func Generate(self NodeID) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	return &Identity{Self: self, private: priv, Public: pub}, nil
}

// Sign signs msg with the node's transport key.
func (id *Identity) Sign(msg []byte) []byte {
	if id == nil {
		return nil
	}
	return ed25519.Sign(id.private, msg)
}

// Fingerprint returns this identity's pinned fingerprint.
func (id *Identity) Fingerprint() Fingerprint {
	return FingerprintOf(id.Public)
}

// FingerprintOf hashes a raw ed25519 public key.
func FingerprintOf(pub ed25519.PublicKey) Fingerprint {
	return sha256.Sum256(pub)
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// PinnedKey is one entry of the cluster's bootstrap identity table.
type PinnedKey struct {
	NodeID NodeID
	Public ed25519.PublicKey
}

// PinnedSet is the cluster-wide table of NodeID -> public key used both to
// authenticate peers during the transport handshake and to verify
// vote/message signatures at the application layer. It is populated once at
// startup from configuration and never mutated, aside from tests.
type PinnedSet struct {
	mu      sync.RWMutex
	byNode  map[NodeID]ed25519.PublicKey
	byPrint map[Fingerprint]NodeID
}

// NewPinnedSet builds a PinnedSet from the cluster's bootstrap key table.
func NewPinnedSet(keys []PinnedKey) (*PinnedSet, error) {
	s := &PinnedSet{
		byNode:  make(map[NodeID]ed25519.PublicKey, len(keys)),
		byPrint: make(map[Fingerprint]NodeID, len(keys)),
	}
	for _, k := range keys {
		if k.NodeID == 0 {
			return nil, fmt.Errorf("identity: pinned entry with NodeID 0")
		}
		if len(k.Public) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("identity: pinned entry for node %d has bad key size", k.NodeID)
		}
		s.byNode[k.NodeID] = k.Public
		s.byPrint[FingerprintOf(k.Public)] = k.NodeID
	}
	return s, nil
}

// Lookup returns the pinned public key for a NodeID.
func (s *PinnedSet) Lookup(n NodeID) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.byNode[n]
	return pub, ok
}

// VerifyPeer checks that a fingerprint observed on the wire (e.g. from a TLS
// client certificate) matches the pinned key claimed for NodeID n. A
// mismatch indicates an impersonation attempt, not an ordinary protocol
// violation, and callers should treat it as fatal for the connection.
func (s *PinnedSet) VerifyPeer(n NodeID, observed Fingerprint) error {
	pub, ok := s.Lookup(n)
	if !ok {
		return fmt.Errorf("identity: no pinned key for node %d", n)
	}
	want := FingerprintOf(pub)
	if subtle.ConstantTimeCompare(want[:], observed[:]) != 1 {
		return fmt.Errorf("identity: fingerprint mismatch for node %d", n)
	}
	return nil
}

// NodeIDByFingerprint reverse-looks-up a pinned fingerprint to its NodeID.
func (s *PinnedSet) NodeIDByFingerprint(fp Fingerprint) (NodeID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byPrint[fp]
	return n, ok
}

// VerifySignature verifies a signature claimed to be from NodeID n.
func (s *PinnedSet) VerifySignature(n NodeID, msg, sig []byte) bool {
	pub, ok := s.Lookup(n)
	if !ok {
		return false
	}
	return Verify(pub, msg, sig)
}
