package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/dedup"
)

var (
	dedupeInput  string
	dedupeOutput string
)

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Find and merge duplicate items in a batch",
	Long: `Runs only the duplicate detection pass over a JSON array of catalog
items. Prints the detected clusters; with --output the merged batch is
written as JSON. No store or network access is needed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("dedupe"); err != nil {
			return err
		}

		items, err := readItems(dedupeInput)
		if err != nil {
			return err
		}

		deduper, err := dedup.New(cfg.Dedup, initEmbedder())
		if err != nil {
			return eris.Wrap(err, "build deduplicator")
		}

		clusters := deduper.FindDuplicates(ctx, items)
		if len(clusters) == 0 {
			fmt.Fprintln(os.Stderr, "No duplicates found.")
			if dedupeOutput != "" {
				return writeJSON(dedupeOutput, items)
			}
			return nil
		}

		formatClusters(os.Stdout, clusters)

		merged, events := deduper.MergeDuplicates(items, clusters)
		zap.L().Info("dedupe complete",
			zap.Int("items_in", len(items)),
			zap.Int("items_out", len(merged)),
			zap.Int("merged", len(events)),
		)

		if dedupeOutput != "" {
			return writeJSON(dedupeOutput, merged)
		}
		return nil
	},
}

func init() {
	dedupeCmd.Flags().StringVar(&dedupeInput, "input", "", "path to JSON array of catalog items (required)")
	dedupeCmd.Flags().StringVar(&dedupeOutput, "output", "", "write the merged batch to this file")
	_ = dedupeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(dedupeCmd)
}

// formatClusters writes a tabular view of duplicate clusters to w.
func formatClusters(out io.Writer, clusters []dedup.Cluster) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CANONICAL\tVARIANT\tMATCH\tSIMILARITY")
	_, _ = fmt.Fprintln(w, "---------\t-------\t-----\t----------")

	for _, cl := range clusters {
		for _, v := range cl.Variants {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\n",
				cl.CanonicalName,
				v.Name,
				v.Match,
				v.Similarity,
			)
		}
	}
	_ = w.Flush()
}
