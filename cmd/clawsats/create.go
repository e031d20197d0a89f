package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/spf13/cobra"

	"github.com/BSVanon/ClawSats-sub000/pkg/config"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new wallet identity",
	Long: `Generate a fresh root key and write the wallet config.

With --passphrase the root key is stored encrypted; otherwise it sits in the
config file in plaintext, which is only sensible on a trusted machine.`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().String("claw-id", "", "Human-readable node name (default: claw-<identity prefix>)")
	createCmd.Flags().String("chain", "main", "Chain to operate on (main or test)")
	createCmd.Flags().String("host", "localhost", "Bind host for the HTTP server")
	createCmd.Flags().Int("port", config.DefaultPort, "Bind port for the HTTP server")
	createCmd.Flags().String("endpoint", "", "Public endpoint URL other nodes reach this node at")
	createCmd.Flags().String("passphrase", "", "Encrypt the root key under this passphrase")
	createCmd.Flags().Bool("force", false, "Overwrite an existing config")
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath(baseDir)
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(cfgPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}
	rootKeyHex := hex.EncodeToString(priv.Serialize())
	identityKey := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	clawID, _ := cmd.Flags().GetString("claw-id")
	if clawID == "" {
		clawID = "claw-" + identityKey[2:10]
	}
	chain, _ := cmd.Flags().GetString("chain")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	passphrase, _ := cmd.Flags().GetString("passphrase")

	cfg := &types.WalletConfig{
		ClawID:      clawID,
		IdentityKey: identityKey,
		Chain:       chain,
		Host:        host,
		Port:        port,
		Endpoint:    endpoint,
	}
	if passphrase != "" {
		encrypted, err := wallet.EncryptRootKey(rootKeyHex, passphrase)
		if err != nil {
			return fmt.Errorf("failed to encrypt root key: %w", err)
		}
		cfg.EncryptedRootKey = encrypted
	} else {
		cfg.RootKeyHex = rootKeyHex
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Wallet created.\n")
	fmt.Printf("  Claw ID:      %s\n", clawID)
	fmt.Printf("  Identity key: %s\n", identityKey)
	fmt.Printf("  Config:       %s\n", cfgPath)
	if passphrase == "" {
		fmt.Println("  Root key is stored in plaintext. Re-run with --passphrase to encrypt it.")
	}
	return nil
}
