package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BSVanon/ClawSats-sub000/pkg/config"
	"github.com/BSVanon/ClawSats-sub000/pkg/storage"
)

var earnCmd = &cobra.Command{
	Use:   "earn",
	Short: "Show earnings: receipts and referral balances",
	Long: `Read the receipt store and print what this node earned. The store
is single-access, so stop the node first.`,
	RunE: runEarn,
}

func init() {
	earnCmd.Flags().Int("limit", 20, "How many recent receipts to show")
}

func runEarn(cmd *cobra.Command, args []string) error {
	paths := config.DefaultPaths(baseDir)
	store, err := storage.NewBoltStore(paths.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open receipt store (is the node running?): %w", err)
	}
	defer store.Close()

	receipts, err := store.ListReceipts()
	if err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("limit")
	var totalPaid, totalFees int64
	for _, r := range receipts {
		totalPaid += r.SatoshisPaid
		totalFees += r.FeeSatoshis
	}

	fmt.Printf("Receipts: %d   earned: %d sats   network fees: %d sats\n\n",
		len(receipts), totalPaid, totalFees)

	shown := receipts
	if len(shown) > limit {
		shown = shown[:limit]
	}
	for _, r := range shown {
		requester := r.Requester
		if len(requester) > 16 {
			requester = requester[:16] + "..."
		}
		fmt.Printf("%s  %-20s %6d sats  from %s\n", r.Timestamp, r.Capability, r.SatoshisPaid, requester)
	}

	balances, err := store.ReferralBalances()
	if err != nil {
		return err
	}
	if len(balances) > 0 {
		fmt.Println("\nReferral credits owed:")
		for key, sats := range balances {
			if len(key) > 16 {
				key = key[:16] + "..."
			}
			fmt.Printf("  %s  %d sats\n", key, sats)
		}
	}
	return nil
}
