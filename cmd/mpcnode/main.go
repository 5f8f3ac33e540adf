// Command mpcnode runs one member of the threshold wallet cluster: it
// loads configuration, opens the three storage backends, loads or
// bootstraps this node's DKG key share, and serves until a signal asks
// it to stop.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/cluster"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/config"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/dkg"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/identity"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/internal/logging"
	"github.com/FAME-CRYPT/mpc-wallet-prod-sub001/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mpcnode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to an INI config file (env vars and flags still apply on top)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "mpcnode: config: %v\n", err)
		return 2
	}

	log, err := logging.New(cfg.LogPath, cfg.LogMaxSizeMB)
	if err != nil {
		fmt.Fprintf(stderr, "mpcnode: logging: %v\n", err)
		return 2
	}
	defer log.Sync()

	if err := mainWithLogger(log, cfg); err != nil {
		log.Error("mpcnode: fatal", zap.Error(err))
		fmt.Fprintf(stderr, "mpcnode: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "mpcnode: stopped")
	return 0
}

func mainWithLogger(log *zap.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	self, err := loadOrGenerateIdentity(cfg)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	pinned, err := pinnedSetFromPeers(cfg)
	if err != nil {
		return fmt.Errorf("pinned set: %w", err)
	}

	tlsCert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("tls material: %w", err)
	}

	kek, err := hex.DecodeString(cfg.SecretCacheKEKHex)
	if err != nil {
		return fmt.Errorf("secret cache KEK: %w", err)
	}

	sqlStore, err := store.OpenSQLStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("sql store: %w", err)
	}
	kvStore, err := store.OpenKVStore(cfg.EtcdEndpoints, cfg.EtcdDialTimeout)
	if err != nil {
		return fmt.Errorf("kv store: %w", err)
	}
	secrets, err := store.OpenSecretCache(cfg.DataDir, kek)
	if err != nil {
		return fmt.Errorf("secret cache: %w", err)
	}
	adapter := store.NewAdapter(sqlStore, kvStore, secrets, store.RetryPolicy{}, log)

	existingShare, err := secrets.GetKeyShare(ctx)
	if err != nil {
		return fmt.Errorf("key share: %w", err)
	}

	node, err := cluster.NewNode(cluster.Deps{
		Log:      log,
		Config:   cfg,
		Self:     self,
		Pinned:   pinned,
		Store:    adapter,
		TLSCert:  tlsCert,
		Gateway:  nil,
		KeyShare: existingShare,
	})
	if err != nil {
		return fmt.Errorf("wire node: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	if existingShare == nil {
		log.Info("mpcnode: no persisted key share, running DKG bootstrap", zap.Int("threshold", cfg.Threshold))
		if _, err := node.Bootstrap(ctx, dkgSchemeFromConfig(cfg)); err != nil {
			return fmt.Errorf("dkg bootstrap: %w", err)
		}
	}

	log.Info("mpcnode: running", zap.Uint32("self_node_id", cfg.SelfNodeID), zap.String("listen_addr", cfg.ListenAddr))
	<-ctx.Done()
	log.Info("mpcnode: shutting down")
	node.Stop()
	return nil
}

// dkgSchemeFromConfig decides which signature family(ies) this cluster's
// first DKG round produces shares for. A future version might read this
// from config directly; for now a node signs both.
func dkgSchemeFromConfig(cfg *config.Config) dkg.Scheme {
	return dkg.SchemeBoth
}

// loadOrGenerateIdentity reads this node's raw ed25519 private key from
// cfg.IdentityKeyPath, generating and persisting a fresh one on first run.
func loadOrGenerateIdentity(cfg *config.Config) (*identity.Identity, error) {
	self := identity.NodeID(cfg.SelfNodeID)
	raw, err := os.ReadFile(cfg.IdentityKeyPath)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity key at %s has wrong size %d", cfg.IdentityKeyPath, len(raw))
		}
		return identity.New(self, ed25519.PrivateKey(raw))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	_, priv, genErr := ed25519.GenerateKey(rand.Reader)
	if genErr != nil {
		return nil, genErr
	}
	if err := os.WriteFile(cfg.IdentityKeyPath, priv, 0o600); err != nil {
		return nil, fmt.Errorf("persist generated identity key: %w", err)
	}
	return identity.New(self, priv)
}

func pinnedSetFromPeers(cfg *config.Config) (*identity.PinnedSet, error) {
	keys := make([]identity.PinnedKey, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		raw, err := hex.DecodeString(p.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("peer %d public key: %w", p.NodeID, err)
		}
		keys = append(keys, identity.PinnedKey{NodeID: identity.NodeID(p.NodeID), Public: ed25519.PublicKey(raw)})
	}
	return identity.NewPinnedSet(keys)
}

