package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.SelfNodeID = 1
	peerKeyHex := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"
	cfg.Peers = []PeerEntry{
		{NodeID: 1, Address: "10.0.0.1:7443", PublicKeyHex: peerKeyHex},
		{NodeID: 2, Address: "10.0.0.2:7443", PublicKeyHex: peerKeyHex},
		{NodeID: 3, Address: "10.0.0.3:7443", PublicKeyHex: peerKeyHex},
		{NodeID: 4, Address: "10.0.0.4:7443", PublicKeyHex: peerKeyHex},
		{NodeID: 5, Address: "10.0.0.5:7443", PublicKeyHex: peerKeyHex},
	}
	cfg.PostgresDSN = "postgres://localhost/mpc"
	cfg.EtcdEndpoints = []string{"localhost:2379"}
	cfg.CertPath = "cert.pem"
	cfg.KeyPath = "key.pem"
	cfg.IdentityKeyPath = "identity.key"
	cfg.SecretCacheKEKHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	return cfg
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, Validate(&cfg))
}

func TestValidateRejectsMissingSelfNodeID(t *testing.T) {
	cfg := validConfig()
	cfg.SelfNodeID = 0
	require.Error(t, Validate(&cfg))
}

func TestValidateRejectsTooFewPeersForThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.Threshold = 4
	cfg.Peers = cfg.Peers[:2]
	require.Error(t, Validate(&cfg))
}

func TestValidateRejectsMissingTLSMaterial(t *testing.T) {
	cfg := validConfig()
	cfg.CertPath = ""
	require.Error(t, Validate(&cfg))
}

func TestValidateRejectsMissingIdentityKeyPath(t *testing.T) {
	cfg := validConfig()
	cfg.IdentityKeyPath = ""
	require.Error(t, Validate(&cfg))
}

func TestValidateRejectsPeerMissingPublicKey(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].PublicKeyHex = ""
	require.Error(t, Validate(&cfg))
}

func TestValidateRejectsMalformedKEK(t *testing.T) {
	cfg := validConfig()
	cfg.SecretCacheKEKHex = "not-hex"
	require.Error(t, Validate(&cfg))
}

func TestNormalizePeersDedupes(t *testing.T) {
	peers := []PeerEntry{
		{NodeID: 1, Address: " 10.0.0.1:7443 "},
		{NodeID: 1, Address: "10.0.0.9:7443"},
		{NodeID: 2, Address: "10.0.0.2:7443"},
	}
	out := NormalizePeers(peers)
	require.Len(t, out, 2)
	require.Equal(t, "10.0.0.1:7443", out[0].Address)
}
