package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/dkg"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/signing"
)

// shareBucket holds one entry per presignature ID, keyed by the raw UUID
// bytes, value the AES-KW-wrapped CBOR encoding of a signing.Share. This is
// the only place a node's presignature secret material is written to
// disk, and it is never replicated: every other node keeps its own bbolt
// file under its own data directory.
var shareBucket = []byte("presig_shares")

// SecretCache is a node-local bbolt-backed store for presignature secret
// shares, adapted from the teacher's block-index bucket pattern to hold
// wrapped key material instead of block headers.
type SecretCache struct {
	db  *bolt.DB
	kek []byte // 32-byte key-encryption-key, provisioned out of band
}

// OpenSecretCache opens (creating if needed) the bbolt file at dataDir's
// conventional path.
func OpenSecretCache(dataDir string, kek []byte) (*SecretCache, error) {
	if len(kek) != 32 {
		return nil, fmt.Errorf("store: secret cache KEK must be 32 bytes, got %d", len(kek))
	}
	if err := ensureDir(dataDir); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, "presig_secrets.bolt")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open secret cache at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(shareBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(keyShareBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init secret cache bucket: %w", err)
	}
	return &SecretCache{db: db, kek: kek}, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("store: create data dir %s: %w", dir, err)
	}
	return nil
}

func (c *SecretCache) Close() error {
	return c.db.Close()
}

type wireShare struct {
	K, Chi, D, E [32]byte
}

// PutShare wraps and persists one presignature's local secret material.
func (c *SecretCache) PutShare(ctx context.Context, s *signing.Share) error {
	var w wireShare
	s.K.PutBytes(&w.K)
	s.Chi.PutBytes(&w.Chi)
	s.D.PutBytes(&w.D)
	s.E.PutBytes(&w.E)

	plain, err := cbor.Marshal(w)
	if err != nil {
		return fmt.Errorf("store: encode share: %w", err)
	}
	plain = padTo8(plain)
	wrapped, err := dkg.WrapKey(c.kek, plain)
	if err != nil {
		return fmt.Errorf("store: wrap share: %w", err)
	}
	key := s.PresigID[:]
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shareBucket).Put(key, wrapped)
	})
}

// GetShare reads and unwraps one presignature's local secret material.
func (c *SecretCache) GetShare(ctx context.Context, id uuid.UUID) (*signing.Share, error) {
	var wrapped []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(shareBucket).Get(id[:])
		if v == nil {
			return fmt.Errorf("store: no local share for presignature %s", id)
		}
		wrapped = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	plain, err := dkg.UnwrapKey(c.kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("store: unwrap share %s: %w", id, err)
	}
	plain = unpad(plain)
	var w wireShare
	if err := cbor.Unmarshal(plain, &w); err != nil {
		return nil, fmt.Errorf("store: decode share %s: %w", id, err)
	}
	share := &signing.Share{PresigID: id}
	share.K.SetBytes(&w.K)
	share.Chi.SetBytes(&w.Chi)
	share.D.SetBytes(&w.D)
	share.E.SetBytes(&w.E)
	return share, nil
}

// DeleteShare removes a presignature's local secret material; the pool
// calls it on discard-for-ban.
func (c *SecretCache) DeleteShare(ctx context.Context, id uuid.UUID) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shareBucket).Delete(id[:])
	})
}

// padTo8 length-prefixes plain with its true length and pads to an 8-byte
// boundary, since AES key wrap requires a multiple of 8 bytes at least 16
// long.
func padTo8(plain []byte) []byte {
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(plain)))
	out := append(lenPrefix[:], plain...)
	for len(out)%8 != 0 || len(out) < 16 {
		out = append(out, 0)
	}
	return out
}

func unpad(padded []byte) []byte {
	if len(padded) < 4 {
		return nil
	}
	n := binary.BigEndian.Uint32(padded[:4])
	rest := padded[4:]
	if int(n) > len(rest) {
		return nil
	}
	return rest[:n]
}
