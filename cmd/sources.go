package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/themis-data/enrich-cli/internal/registry"
	"github.com/themis-data/enrich-cli/internal/sources"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the registered enrichment sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sources"); err != nil {
			return err
		}

		reg := registry.NewRegistry()
		if err := sources.RegisterBuiltins(reg, cfg.Sources); err != nil {
			return eris.Wrap(err, "register sources")
		}
		reg.InitializeAll(ctx)

		formatSources(os.Stdout, reg.Snapshot())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

// formatSources writes a tabular view of source registrations to w.
func formatSources(out io.Writer, states []registry.SourceState) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tPRIORITY\tSECTORS\tWEIGHT\tRATE LIMIT\tCACHE TTL\tSTATE")
	_, _ = fmt.Fprintln(w, "----\t--------\t-------\t------\t----------\t---------\t-----")

	for _, s := range states {
		rateLimit := "-"
		if !s.Info.RateLimit.Unlimited() {
			rateLimit = fmt.Sprintf("%d/%s", s.Info.RateLimit.Max, s.Info.RateLimit.Window)
		}

		cacheTTL := "-"
		if s.Info.CacheTTL > 0 {
			cacheTTL = s.Info.CacheTTL.String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%.2f\t%s\t%s\t%s\n",
			s.Info.Name,
			s.Info.Priority,
			strings.Join(s.Info.Sectors, ","),
			s.Info.ConfidenceWeight,
			rateLimit,
			cacheTTL,
			sourceState(s),
		)
	}
	_ = w.Flush()
}

// sourceState renders one registration's lifecycle state.
func sourceState(s registry.SourceState) string {
	switch {
	case !s.Enabled:
		return "disabled"
	case s.Disabled:
		return "failed"
	case s.Initialized:
		return "ready"
	default:
		return "registered"
	}
}
