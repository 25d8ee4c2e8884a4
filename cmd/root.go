package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Zoneinfo is compiled in; civil-date derivation must not depend
	// on the host having tzdata installed.
	_ "time/tzdata"

	"github.com/elternzeit/happenings-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "happenings-cli",
	Short: "Event canonicalization pipeline",
	Long:  "Ingests raw event rows from configured sources, merges them into canonical happenings, converges duplicate canonical keys, and serves the review backlog.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
