package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/sweep"
)

var sweepLockTTL time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark expired cache entries stale and alert per policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck

		emitter := newEmitter(s)
		sw := sweep.New(s, emitter, sweepLockTTL)
		outcome, err := sw.Run(ctx)
		if err != nil {
			return err
		}

		// Retry alerts whose immediate dispatch failed on earlier runs.
		sent, err := emitter.DispatchPending(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("staleness sweep complete",
			zap.Int("scanned", outcome.Scanned),
			zap.Int("marked", outcome.Marked),
			zap.Int("alerts", outcome.Alerts),
			zap.Int("dispatched", sent))
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepLockTTL, "lock-ttl", 0, "job lock TTL (default 30m)")
	rootCmd.AddCommand(sweepCmd)
}
