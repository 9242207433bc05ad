package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/source"
)

var loadHTSURL string

var loadHTSCmd = &cobra.Command{
	Use:   "loadhts",
	Short: "Load the official tariff schedule into the reference table",
	Long:  "Downloads the published schedule export (CSV, XLSX, or ZIP over http or ftp) and bulk-loads it into hts_rates, the official-database resolution tier.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck

		url := loadHTSURL
		if url == "" {
			url = cfg.HTS.ExportURL
		}

		loader := source.NewHTSLoader(
			newHTTPFetcher(),
			fetcher.NewFTPFetcher(fetcher.FTPOptions{}),
			s,
			cfg.HTS.TempDir)

		loaded, err := loader.Load(ctx, url)
		if err != nil {
			return err
		}

		total, err := s.CountHTS(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("hts reference load complete",
			zap.Int64("rows_loaded", loaded),
			zap.Int64("total_rows", total))
		return nil
	},
}

func init() {
	loadHTSCmd.Flags().StringVar(&loadHTSURL, "url", "", "schedule export URL (default from config)")
	rootCmd.AddCommand(loadHTSCmd)
}
