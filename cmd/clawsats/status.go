package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BSVanon/ClawSats-sub000/pkg/config"
)

var healthCmd = &cobra.Command{
	Use:   "health [endpoint]",
	Short: "Check a node's health (the local one by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := ""
		if len(args) == 1 {
			target = args[0]
		} else {
			base, _, err := localBaseURL()
			if err != nil {
				return err
			}
			target = base
		}

		var health map[string]any
		if err := getJSON(target+"/health", &health); err != nil {
			return err
		}
		return printJSON(health)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the wallet config with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.ConfigPath(baseDir))
		if err != nil {
			return err
		}
		return printJSON(cfg.Redacted())
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover [endpoint]",
	Short: "List known peers, or probe a remote node's manifest",
	Long: `Without arguments, lists the peers the local node knows. With an
endpoint URL, fetches that node's /discovery manifest directly.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			var manifest map[string]any
			if err := getJSON(args[0]+"/discovery", &manifest); err != nil {
				return err
			}
			return printJSON(manifest)
		}

		client, err := newRPCClient()
		if err != nil {
			return err
		}
		result, err := client.call("listPeers", nil)
		if err != nil {
			return err
		}

		var peers []struct {
			ClawID      string   `json:"clawId"`
			IdentityKey string   `json:"identityKey"`
			Endpoint    string   `json:"endpoint"`
			Reputation  int      `json:"reputation"`
			Caps        []string `json:"capabilities"`
		}
		if err := json.Unmarshal(result, &peers); err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("No peers known yet.")
			return nil
		}
		for _, p := range peers {
			key := p.IdentityKey
			if len(key) > 16 {
				key = key[:16] + "..."
			}
			fmt.Printf("%-20s %-20s rep=%-3d %s %v\n", p.ClawID, key, p.Reputation, p.Endpoint, p.Caps)
		}
		return nil
	},
}
