package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var baseDir string

func main() {
	// A .env next to the binary or in the working directory seeds the
	// CLAWSATS_* environment. Missing files are fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "clawsats",
	Short: "ClawSats - autonomous agent node with micropayment settlement",
	Long: `ClawSats runs a network node for autonomous agents: peers discover
each other, hire each other's capabilities, and settle per call with
HTTP-402 micropayments on BSV.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ClawSats version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&baseDir, "base", defaultBaseDir(),
		"State directory holding config/ and data/")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(announceCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(earnCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(brainCmd)
	rootCmd.AddCommand(policyCmd)
}

func defaultBaseDir() string {
	if base := os.Getenv("CLAWSATS_HOME"); base != "" {
		return base
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawsats"
	}
	return filepath.Join(home, ".clawsats")
}
