package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/regsync"
	"github.com/sells-group/tariff-cli/pkg/anthropic"
	"github.com/sells-group/tariff-cli/pkg/federalregister"
)

var (
	syncWindowDays int
	syncForce      bool
	syncComponents string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync tariff actions from the Federal Register",
	Long:  "Searches the configured lookback window for tariff documents, extracts structured rate changes, and applies them to the cache under the registry-sync job lock.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Anthropic.Key == "" {
			return eris.New("anthropic key is required for registry extraction (TARIFF_ANTHROPIC_KEY)")
		}

		ctx := cmd.Context()
		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck

		calc, err := newCalculator()
		if err != nil {
			return err
		}
		comps, err := loadComponents(syncComponents)
		if err != nil {
			return err
		}
		emitter := newEmitter(s)

		regCfg := cfg.Registry
		if syncWindowDays > 0 {
			regCfg.WindowDays = syncWindowDays
		}

		registry := federalregister.NewClient(federalregister.WithBaseURL(regCfg.BaseURL))
		extractor := regsync.NewExtractor(
			anthropic.NewClient(cfg.Anthropic.Key),
			cfg.Anthropic.ExtractModel,
			int64(cfg.Anthropic.MaxTokens))

		syncer := regsync.New(s, registry, extractor, regCfg, cfg.Cache)
		syncer.Force = syncForce
		syncer.OnChange = newChangeHandler(emitter, calc, comps)

		outcome, err := syncer.Run(ctx)
		if err != nil {
			return err
		}

		// Retry alerts whose immediate dispatch failed on earlier runs.
		sent, err := emitter.DispatchPending(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("registry sync complete",
			zap.Int("scanned", outcome.Scanned),
			zap.Int("applied", outcome.Applied),
			zap.Int("rejected", outcome.Rejected),
			zap.Int("no_op", outcome.NoOp),
			zap.Int("rates_upserted", outcome.Upserted),
			zap.Int("change_events", outcome.Events),
			zap.Int("alerts_dispatched", sent))
		return nil
	},
}

func init() {
	syncCmd.Flags().IntVar(&syncWindowDays, "window-days", 0, "lookback window override (default from config)")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "reprocess documents already in the ledger")
	syncCmd.Flags().StringVar(&syncComponents, "components", "", "YAML import composition for impact scoring of detected changes")
	rootCmd.AddCommand(syncCmd)
}
