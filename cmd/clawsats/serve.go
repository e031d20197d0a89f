package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BSVanon/ClawSats-sub000/pkg/node"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node: HTTP server, discovery loop, and brain",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringSlice("seed", nil, "Seed endpoint probed on every discovery sweep (repeatable)")
	serveCmd.Flags().String("passphrase", "", "Passphrase for an encrypted root key")
	serveCmd.Flags().String("broadcast-url", "", "ARC-style endpoint for broadcasting raw transactions")
	serveCmd.Flags().Bool("cors", false, "Allow cross-origin browser requests")
}

func runServe(cmd *cobra.Command, args []string) error {
	seeds, _ := cmd.Flags().GetStringSlice("seed")
	passphrase, _ := cmd.Flags().GetString("passphrase")
	broadcastURL, _ := cmd.Flags().GetString("broadcast-url")
	cors, _ := cmd.Flags().GetBool("cors")

	n, err := node.New(node.Options{
		Base:         baseDir,
		Passphrase:   passphrase,
		Seeds:        seeds,
		BroadcastURL: broadcastURL,
		EnableCORS:   cors,
	})
	if err != nil {
		return err
	}

	cfg := n.Config()
	fmt.Printf("ClawSats node %s listening on %s:%d\n", cfg.ClawID, cfg.Host, cfg.Port)
	if key := n.Server().APIKey(); key != "" && cfg.APIKey == "" {
		fmt.Printf("Generated API key: %s\n", key)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return n.Run(ctx)
}
