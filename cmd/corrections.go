package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/learning"
	"github.com/themis-data/enrich-cli/internal/model"
)

var correctionsCmd = &cobra.Command{
	Use:   "corrections",
	Short: "Record and inspect operator corrections",
	Long:  "Commands for recording corrected items, viewing learning statistics, and pruning stale transformation rules.",
}

// -- corrections record --

var correctionsRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a corrected item so the engine learns from it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("corrections"); err != nil {
			return err
		}

		tenant := resolveTenant(cmd)
		originalPath, _ := cmd.Flags().GetString("original")
		correctedPath, _ := cmd.Flags().GetString("corrected")
		sourceType, _ := cmd.Flags().GetString("source-type")

		original, err := readItem(originalPath)
		if err != nil {
			return err
		}
		corrected, err := readItem(correctedPath)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		learner := learning.New(st, initEmbedder(), cfg.Learning)
		recorded, err := learner.RecordCorrection(ctx, tenant, original, corrected, learning.RecordOptions{
			SourceType: sourceType,
		})
		if err != nil {
			return eris.Wrap(err, "record correction")
		}
		if !recorded {
			fmt.Fprintln(os.Stderr, "No correctable fields differ; nothing recorded.")
			return nil
		}

		zap.L().Info("correction recorded",
			zap.String("tenant", tenant),
			zap.String("item", corrected.Name),
		)
		return nil
	},
}

// -- corrections stats --

var correctionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show learning statistics for a tenant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("corrections"); err != nil {
			return err
		}

		tenant := resolveTenant(cmd)

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		learner := learning.New(st, nil, cfg.Learning)
		stats, err := learner.Stats(ctx, tenant)
		if err != nil {
			return eris.Wrap(err, "learning stats")
		}

		formatLearnerStats(os.Stdout, stats)
		return nil
	},
}

// -- corrections prune --

var correctionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete rules too stale to ever apply again",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("corrections"); err != nil {
			return err
		}

		tenant := resolveTenant(cmd)

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		learner := learning.New(st, nil, cfg.Learning)
		pruned, err := learner.PruneStaleRules(ctx, tenant)
		if err != nil {
			return eris.Wrap(err, "prune rules")
		}

		fmt.Printf("Pruned %d stale rule(s) for tenant %q.\n", pruned, tenant)
		return nil
	},
}

func init() {
	correctionsRecordCmd.Flags().String("tenant", "", "tenant the correction belongs to (defaults to pipeline.default_tenant)")
	correctionsRecordCmd.Flags().String("original", "", "path to the item as the engine produced it (required)")
	correctionsRecordCmd.Flags().String("corrected", "", "path to the item after the operator's edit (required)")
	correctionsRecordCmd.Flags().String("source-type", "import", "origin of the edit (ui, import, review)")
	_ = correctionsRecordCmd.MarkFlagRequired("original")
	_ = correctionsRecordCmd.MarkFlagRequired("corrected")

	correctionsStatsCmd.Flags().String("tenant", "", "tenant to report on (defaults to pipeline.default_tenant)")

	correctionsPruneCmd.Flags().String("tenant", "", "tenant to prune (defaults to pipeline.default_tenant)")

	correctionsCmd.AddCommand(correctionsRecordCmd)
	correctionsCmd.AddCommand(correctionsStatsCmd)
	correctionsCmd.AddCommand(correctionsPruneCmd)
	rootCmd.AddCommand(correctionsCmd)
}

// resolveTenant reads the tenant flag, falling back to the configured
// default tenant.
func resolveTenant(cmd *cobra.Command) string {
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		tenant = cfg.Pipeline.DefaultTenant
	}
	return tenant
}

// readItem loads a single catalog item from a JSON file.
func readItem(path string) (model.CandidateItem, error) {
	var item model.CandidateItem
	data, err := os.ReadFile(path)
	if err != nil {
		return item, eris.Wrapf(err, "read item %s", path)
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return item, eris.Wrapf(err, "parse item %s", path)
	}
	return item, nil
}

// formatLearnerStats writes learning statistics to w.
func formatLearnerStats(out io.Writer, stats learning.LearnerStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Tenant:\t%s\n", stats.Tenant)
	_, _ = fmt.Fprintf(w, "Corrections:\t%d\n", stats.Corrections)
	_, _ = fmt.Fprintf(w, "Rules:\t%d\n", stats.Rules)
	_, _ = fmt.Fprintf(w, "Active rules:\t%d\n", stats.ActiveRules)
	_ = w.Flush()

	if len(stats.TopRules) == 0 {
		return
	}

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tFROM\tTO\tCONFIDENCE\tEFFECTIVE\tOCCURRENCES")
	_, _ = fmt.Fprintln(w, "-----\t----\t--\t----------\t---------\t-----------")
	for _, r := range stats.TopRules {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%d\n",
			r.Field,
			r.FromValue,
			r.ToValue,
			r.Confidence,
			r.EffectiveConfidence,
			r.OccurrenceCount,
		)
	}
	_ = w.Flush()
}
