package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/themis-data/enrich-cli/internal/model"
)

var (
	enrichInput       string
	enrichTenant      string
	enrichOutput      string
	enrichConcurrency int
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich a batch of catalog items",
	Long: `Reads a JSON array of catalog items, classifies each into a sector,
enriches them from the registered sources, merges duplicates, and
applies learned corrections. The enriched items, merge events, and the
batch report are written as JSON.

Examples:
  # Enrich a batch and print the result
  enrich-cli enrich --input items.json

  # Enrich for a specific tenant, writing to a file
  enrich-cli enrich --input items.json --tenant acme --output enriched.json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		items, err := readItems(enrichInput)
		if err != nil {
			return err
		}

		if enrichConcurrency > 0 {
			cfg.Pipeline.MaxConcurrentItems = enrichConcurrency
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Pipeline.Run(ctx, enrichTenant, items)
		if err != nil {
			return eris.Wrap(err, "enrich batch")
		}

		zap.L().Info("enrichment complete",
			zap.Int("items_in", result.Report.ItemsIn),
			zap.Int("items_out", result.Report.ItemsOut),
			zap.Int("duplicates_merged", result.Report.DuplicatesMerged),
			zap.Int("suggestions_open", result.Report.SuggestionsOpen),
		)

		return writeJSON(enrichOutput, result)
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichInput, "input", "", "path to JSON array of catalog items (required)")
	enrichCmd.Flags().StringVar(&enrichTenant, "tenant", "", "tenant the batch belongs to (defaults to pipeline.default_tenant)")
	enrichCmd.Flags().StringVar(&enrichOutput, "output", "", "write results to this file instead of stdout")
	enrichCmd.Flags().IntVar(&enrichConcurrency, "concurrency", 0, "max items enriched at once (overrides pipeline.max_concurrent_items)")
	_ = enrichCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(enrichCmd)
}

// readItems loads a JSON array of catalog items from disk.
func readItems(path string) ([]model.CandidateItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read input %s", path)
	}
	var items []model.CandidateItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, eris.Wrapf(err, "parse input %s", path)
	}
	return items, nil
}

// writeJSON writes v as indented JSON to path, or to stdout when path
// is empty.
func writeJSON(path string, v any) error {
	if path == "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "marshal output")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return eris.Wrapf(err, "write output %s", path)
	}
	return nil
}
