package store

import (
	"context"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/dkg"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
)

// keyShareBucket holds at most one entry, this node's own AES-KW-wrapped
// dkg.KeyShare, keyed by a constant since a node only ever runs one DKG.
var keyShareBucket = []byte("dkg_keyshare")
var selfKeyShareKey = []byte("self")

type wireECDSAShare struct {
	NodeID       uint32
	Share        [32]byte
	GroupPubKey  []byte
	Participants []uint32
	AuxN         []byte
	PeerAuxNode  []uint32
	PeerAuxN     [][]byte
}

type wireSchnorrShare struct {
	NodeID        uint32
	Share         [32]byte
	GroupPubKey   []byte
	Participants  []uint32
	VerifyNode    []uint32
	VerifyPoint   [][]byte
}

type wireKeyShare struct {
	SessionID string
	NodeID    uint32
	Threshold int
	Scheme    int
	ECDSA     *wireECDSAShare
	Schnorr   *wireSchnorrShare
}

// PutKeyShare wraps and persists this node's DKG output, the one secret a
// node must survive a restart with; losing it means re-running DKG.
func (c *SecretCache) PutKeyShare(ctx context.Context, ks *dkg.KeyShare) error {
	w := wireKeyShare{
		SessionID: ks.SessionID,
		NodeID:    uint32(ks.NodeID),
		Threshold: ks.Threshold,
		Scheme:    int(ks.Scheme),
	}
	if ks.ECDSA != nil {
		var shareBytes [32]byte
		ks.ECDSA.Share.PutBytes(&shareBytes)
		w.ECDSA = &wireECDSAShare{
			NodeID:       uint32(ks.ECDSA.NodeID),
			Share:        shareBytes,
			GroupPubKey:  ks.ECDSA.GroupPubKey.SerializeCompressed(),
			Participants: nodeIDsToUint32(ks.ECDSA.Participants),
			AuxN:         ks.ECDSA.Aux.PublicN,
		}
		for node, aux := range ks.ECDSA.PeerAux {
			w.ECDSA.PeerAuxNode = append(w.ECDSA.PeerAuxNode, uint32(node))
			w.ECDSA.PeerAuxN = append(w.ECDSA.PeerAuxN, aux.PublicN)
		}
	}
	if ks.Schnorr != nil {
		var shareBytes [32]byte
		ks.Schnorr.Share.PutBytes(&shareBytes)
		w.Schnorr = &wireSchnorrShare{
			NodeID:       uint32(ks.Schnorr.NodeID),
			Share:        shareBytes,
			GroupPubKey:  ks.Schnorr.GroupPubKey.SerializeCompressed(),
			Participants: nodeIDsToUint32(ks.Schnorr.Participants),
		}
		for node, jp := range ks.Schnorr.VerifyShares {
			jp.ToAffine()
			var pub secp256k1.PublicKey
			pub.FromJacobian(&jp)
			w.Schnorr.VerifyNode = append(w.Schnorr.VerifyNode, uint32(node))
			w.Schnorr.VerifyPoint = append(w.Schnorr.VerifyPoint, pub.SerializeCompressed())
		}
	}

	plain, err := cbor.Marshal(w)
	if err != nil {
		return fmt.Errorf("store: encode key share: %w", err)
	}
	plain = padTo8(plain)
	wrapped, err := dkg.WrapKey(c.kek, plain)
	if err != nil {
		return fmt.Errorf("store: wrap key share: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keyShareBucket).Put(selfKeyShareKey, wrapped)
	})
}

// GetKeyShare reads and unwraps this node's DKG output, returning
// (nil, nil) if the node has never completed a DKG run.
func (c *SecretCache) GetKeyShare(ctx context.Context) (*dkg.KeyShare, error) {
	var wrapped []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(keyShareBucket).Get(selfKeyShareKey)
		if v != nil {
			wrapped = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if wrapped == nil {
		return nil, nil
	}
	plain, err := dkg.UnwrapKey(c.kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("store: unwrap key share: %w", err)
	}
	plain = unpad(plain)
	var w wireKeyShare
	if err := cbor.Unmarshal(plain, &w); err != nil {
		return nil, fmt.Errorf("store: decode key share: %w", err)
	}

	ks := &dkg.KeyShare{
		SessionID: w.SessionID,
		NodeID:    identity.NodeID(w.NodeID),
		Threshold: w.Threshold,
		Scheme:    dkg.Scheme(w.Scheme),
	}
	if w.ECDSA != nil {
		groupPub, err := secp256k1.ParsePubKey(w.ECDSA.GroupPubKey)
		if err != nil {
			return nil, fmt.Errorf("store: parse ecdsa group pubkey: %w", err)
		}
		var share secp256k1.ModNScalar
		share.SetBytes(&w.ECDSA.Share)
		ecdsa := &dkg.ECDSAKeyShare{
			NodeID:       identity.NodeID(w.ECDSA.NodeID),
			Share:        share,
			GroupPubKey:  *groupPub,
			Participants: uint32sToNodeIDs(w.ECDSA.Participants),
			Aux:          dkg.PaillierAux{NodeID: identity.NodeID(w.ECDSA.NodeID), PublicN: w.ECDSA.AuxN},
		}
		if len(w.ECDSA.PeerAuxNode) > 0 {
			ecdsa.PeerAux = make(map[identity.NodeID]dkg.PaillierAux, len(w.ECDSA.PeerAuxNode))
			for i, n := range w.ECDSA.PeerAuxNode {
				ecdsa.PeerAux[identity.NodeID(n)] = dkg.PaillierAux{NodeID: identity.NodeID(n), PublicN: w.ECDSA.PeerAuxN[i]}
			}
		}
		ks.ECDSA = ecdsa
	}
	if w.Schnorr != nil {
		groupPub, err := secp256k1.ParsePubKey(w.Schnorr.GroupPubKey)
		if err != nil {
			return nil, fmt.Errorf("store: parse schnorr group pubkey: %w", err)
		}
		var share secp256k1.ModNScalar
		share.SetBytes(&w.Schnorr.Share)
		schnorr := &dkg.SchnorrKeyShare{
			NodeID:       identity.NodeID(w.Schnorr.NodeID),
			Share:        share,
			GroupPubKey:  *groupPub,
			Participants: uint32sToNodeIDs(w.Schnorr.Participants),
		}
		if len(w.Schnorr.VerifyNode) > 0 {
			schnorr.VerifyShares = make(map[identity.NodeID]secp256k1.JacobianPoint, len(w.Schnorr.VerifyNode))
			for i, n := range w.Schnorr.VerifyNode {
				pub, err := secp256k1.ParsePubKey(w.Schnorr.VerifyPoint[i])
				if err != nil {
					return nil, fmt.Errorf("store: parse schnorr verify share: %w", err)
				}
				var jp secp256k1.JacobianPoint
				pub.AsJacobian(&jp)
				schnorr.VerifyShares[identity.NodeID(n)] = jp
			}
		}
		ks.Schnorr = schnorr
	}
	return ks, nil
}

func nodeIDsToUint32(nodes []identity.NodeID) []uint32 {
	out := make([]uint32, len(nodes))
	for i, n := range nodes {
		out[i] = uint32(n)
	}
	return out
}

func uint32sToNodeIDs(nodes []uint32) []identity.NodeID {
	out := make([]identity.NodeID, len(nodes))
	for i, n := range nodes {
		out[i] = identity.NodeID(n)
	}
	return out
}
