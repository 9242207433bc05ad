package main

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resolver"
)

var (
	resolvePolicy     string
	resolveFile       string
	resolveComponents string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [hs-code]",
	Short: "Resolve the duty rate for an HS code",
	Long:  "Resolves one HS code, or a CSV of hs_code,policy_type pairs with --file. Results print as JSON; stale cache fallbacks carry is_stale=true.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && resolveFile == "" {
			return eris.New("an hs code argument or --file is required")
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
		comps, err := loadComponents(resolveComponents)
		if err != nil {
			return err
		}
		emitter := newEmitter(s)
		r := newResolver(s, newChangeHandler(emitter, calc, comps))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if resolveFile != "" {
			keys, err := readKeysCSV(resolveFile)
			if err != nil {
				return err
			}
			results := r.ResolveBatch(ctx, keys)
			out := make([]map[string]any, 0, len(results))
			for _, res := range results {
				entry := map[string]any{
					"hs_code":     res.Key.HSCode,
					"policy_type": res.Key.PolicyType,
				}
				if res.Err != nil {
					entry["error"] = res.Err.Error()
				} else {
					entry["rate"] = res.Rate
				}
				out = append(out, entry)
			}
			return enc.Encode(out)
		}

		policy, err := model.ParsePolicyType(resolvePolicy)
		if err != nil {
			return err
		}
		rate, err := r.Resolve(ctx, args[0], policy)
		if err != nil {
			return err
		}
		return enc.Encode(rate)
	},
}

// readKeysCSV parses hs_code,policy_type rows. A header row is skipped when
// its first field is not numeric-ish.
func readKeysCSV(path string) ([]resolver.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open batch file %s", path)
	}
	defer f.Close() //nolint:errcheck

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, eris.Wrapf(err, "parse batch file %s", path)
	}

	var keys []resolver.Key
	for i, rec := range records {
		if len(rec) < 2 {
			return nil, eris.Errorf("batch file %s: row %d needs hs_code,policy_type", path, i+1)
		}
		code := strings.TrimSpace(rec[0])
		if i == 0 && strings.EqualFold(code, "hs_code") {
			continue
		}
		policy, err := model.ParsePolicyType(rec[1])
		if err != nil {
			return nil, eris.Wrapf(err, "batch file %s: row %d", path, i+1)
		}
		keys = append(keys, resolver.Key{HSCode: code, PolicyType: policy})
	}
	return keys, nil
}

func init() {
	resolveCmd.Flags().StringVar(&resolvePolicy, "policy", "MFN", "policy regime (MFN, USMCA, SECTION_301, SECTION_232, IEEPA_RECIPROCAL)")
	resolveCmd.Flags().StringVar(&resolveFile, "file", "", "CSV of hs_code,policy_type pairs to resolve as a batch")
	resolveCmd.Flags().StringVar(&resolveComponents, "components", "", "YAML import composition for impact scoring of detected changes")
	rootCmd.AddCommand(resolveCmd)
}
