package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

var (
	statusLimit      int
	statusChangeDays int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent job runs and cache freshness",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck

		runs, err := s.ListSyncRuns(ctx, statusLimit)
		if err != nil {
			return err
		}
		expired, err := s.ListExpired(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		pending, err := s.ListUndispatchedAlerts(ctx)
		if err != nil {
			return err
		}
		htsRows, err := s.CountHTS(ctx)
		if err != nil {
			return err
		}
		changes, err := s.ListChangeEventsSince(ctx, time.Now().UTC().AddDate(0, 0, -statusChangeDays))
		if err != nil {
			return err
		}

		out := struct {
			Runs           []store.SyncRun     `json:"recent_runs"`
			RecentChanges  []model.ChangeEvent `json:"recent_changes"`
			ExpiredEntries int                 `json:"expired_entries"`
			PendingAlerts  int                 `json:"pending_alerts"`
			HTSRows        int64               `json:"hts_reference_rows"`
		}{runs, changes, len(expired), len(pending), htsRows}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of recent runs to show")
	statusCmd.Flags().IntVar(&statusChangeDays, "change-days", 7, "lookback window for recent change events")
	rootCmd.AddCommand(statusCmd)
}
