package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tariff-cli",
	Short: "Tariff-rate resolution and freshness pipeline",
	Long: "Resolves duty rates per HS code and policy regime through tiered sources, " +
		"keeps the cache fresh via registry sync and staleness sweeps, and alerts on rate changes.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "cmd: load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "cmd: init logger")
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
