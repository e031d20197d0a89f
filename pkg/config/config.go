package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BSVanon/ClawSats-sub000/pkg/fsutil"
	"github.com/BSVanon/ClawSats-sub000/pkg/log"
	"github.com/BSVanon/ClawSats-sub000/pkg/payment"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

// Environment variable names.
const (
	EnvRootKeyHex           = "CLAWSATS_ROOT_KEY_HEX"
	EnvDirectoryURL         = "CLAWSATS_DIRECTORY_URL"
	EnvDirectoryRegisterURL = "CLAWSATS_DIRECTORY_REGISTER_URL"
	EnvConfigPath           = "CLAWSATS_CONFIG_PATH"
)

// DefaultPort is the bound port when the config names none.
const DefaultPort = 3321

// Paths groups every file the node persists, rooted at a base directory.
type Paths struct {
	Base        string
	Config      string
	Peers       string
	Policy      string
	Events      string
	Jobs        string
	WatchPeers  string
	MemoryIndex string
	DataDir     string
}

// DefaultPaths lays out the state files under base.
func DefaultPaths(base string) Paths {
	return Paths{
		Base:        base,
		Config:      filepath.Join(base, "config", "wallet-config.json"),
		Peers:       filepath.Join(base, "data", "peers.json"),
		Policy:      filepath.Join(base, "data", "brain-policy.json"),
		Events:      filepath.Join(base, "data", "brain-events.jsonl"),
		Jobs:        filepath.Join(base, "data", "brain-jobs.json"),
		WatchPeers:  filepath.Join(base, "data", "watch-peers.json"),
		MemoryIndex: filepath.Join(base, "data", "memory-index.json"),
		DataDir:     filepath.Join(base, "data"),
	}
}

// ConfigPath resolves the wallet config location: env override first, then
// the default layout under base.
func ConfigPath(base string) string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPaths(base).Config
}

// Load reads the wallet config and applies environment overrides. At startup
// the embedded fee key is verified; a corrupted binary refuses to run.
func Load(path string) (*types.WalletConfig, error) {
	if err := payment.VerifyFeeKey(); err != nil {
		return nil, err
	}

	var cfg types.WalletConfig
	if err := fsutil.ReadJSON(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no wallet config at %s, run `clawsats create` first", path)
		}
		return nil, fmt.Errorf("failed to load wallet config: %w", err)
	}
	applyEnv(&cfg)

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.FeeSats == 0 {
		cfg.FeeSats = payment.FeeSats
	}
	return &cfg, nil
}

// Save writes the wallet config with owner-only permissions. The file holds
// key material, so its mode is part of the contract.
func Save(path string, cfg *types.WalletConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := fsutil.WriteJSONAtomic(path, cfg, 0o600); err != nil {
		return fmt.Errorf("failed to save wallet config: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to restrict config permissions: %w", err)
	}
	log.WithComponent("config").Warn().Str("path", path).Msg("wallet config saved, contains key material, keep mode 0600")
	return nil
}

// RootKeyHex resolves the signing key: environment first, then the config's
// plaintext field, then the encrypted field via the passphrase.
func RootKeyHex(cfg *types.WalletConfig, passphrase string) (string, error) {
	if k := os.Getenv(EnvRootKeyHex); k != "" {
		return k, nil
	}
	if cfg.RootKeyHex != "" {
		return cfg.RootKeyHex, nil
	}
	if cfg.EncryptedRootKey != "" {
		if passphrase == "" {
			return "", fmt.Errorf("root key is encrypted, passphrase required")
		}
		return decryptRootKey(cfg.EncryptedRootKey, passphrase)
	}
	return "", fmt.Errorf("no root key configured, set %s", EnvRootKeyHex)
}

func decryptRootKey(encrypted, passphrase string) (string, error) {
	return wallet.DecryptRootKey(encrypted, passphrase)
}

func applyEnv(cfg *types.WalletConfig) {
	if v := os.Getenv(EnvDirectoryURL); v != "" {
		cfg.DirectoryURL = v
	}
	if v := os.Getenv(EnvDirectoryRegisterURL); v != "" {
		cfg.RegisterURL = v
	}
	if v := os.Getenv(EnvRootKeyHex); v != "" {
		cfg.RootKeyHex = v
	}
}
