package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/themis-data/enrich-cli/internal/monitoring"
)

var (
	statusHours  int
	statusTenant string
	statusWatch  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine health over a lookback window",
	Long: `Summarizes recent batches: items processed, cache efficiency, quota
denials, degraded sources, and learning state. With --watch the
snapshot is re-collected periodically and alert thresholds are
evaluated against it.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("status"); err != nil {
			return err
		}

		tenant := statusTenant
		if tenant == "" {
			tenant = cfg.Pipeline.DefaultTenant
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		collector := monitoring.NewCollector(st)

		if statusWatch {
			watchCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			alerter := monitoring.NewAlerter(cfg.Monitoring)
			checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring, tenant)
			checker.Run(watchCtx)
			return nil
		}

		snap, err := collector.Collect(ctx, tenant, statusHours)
		if err != nil {
			return eris.Wrap(err, "collect status")
		}

		formatStatus(os.Stdout, snap)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusHours, "hours", 24, "lookback window in hours")
	statusCmd.Flags().StringVar(&statusTenant, "tenant", "", "tenant to report on (defaults to pipeline.default_tenant)")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "collect periodically and evaluate alert thresholds")
	rootCmd.AddCommand(statusCmd)
}

// formatStatus writes a metrics snapshot to w.
func formatStatus(out io.Writer, snap *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Tenant:\t%s\n", snap.Tenant)
	_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "Batches:\t%d\n", snap.BatchCount)
	_, _ = fmt.Fprintf(w, "Items in / out:\t%d / %d\n", snap.ItemsIn, snap.ItemsOut)
	_, _ = fmt.Fprintf(w, "Duplicates merged:\t%d\n", snap.DuplicatesMerged)
	_, _ = fmt.Fprintf(w, "Suggestions applied:\t%d\n", snap.SuggestionsApplied)
	_, _ = fmt.Fprintf(w, "Suggestions open:\t%d\n", snap.SuggestionsOpen)
	_, _ = fmt.Fprintf(w, "Cache hit rate:\t%.1f%% (%d hits / %d misses)\n",
		snap.CacheHitRate*100, snap.CacheHits, snap.CacheMisses)
	_, _ = fmt.Fprintf(w, "Rate limited:\t%d\n", snap.RateLimited)
	_, _ = fmt.Fprintf(w, "Degraded events:\t%d\n", snap.DegradedEvents)
	if snap.BatchCount > 0 {
		_, _ = fmt.Fprintf(w, "Avg batch time:\t%dms\n", snap.AvgBatchMS)
	}
	_, _ = fmt.Fprintf(w, "Corrections:\t%d\n", snap.Corrections)
	_, _ = fmt.Fprintf(w, "Rules:\t%d\n", snap.Rules)
	_, _ = fmt.Fprintf(w, "Cache entries:\t%d\n", snap.CacheEntries)
	_ = w.Flush()

	if len(snap.SourceCalls) > 0 {
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SOURCE\tCALLS")
		_, _ = fmt.Fprintln(w, "------\t-----")
		for _, name := range sortedKeys(snap.SourceCalls) {
			_, _ = fmt.Fprintf(w, "%s\t%d\n", name, snap.SourceCalls[name])
		}
		_ = w.Flush()
	}

	if len(snap.Sectors) > 0 {
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SECTOR\tITEMS")
		_, _ = fmt.Fprintln(w, "------\t-----")
		for _, name := range sortedKeys(snap.Sectors) {
			_, _ = fmt.Fprintf(w, "%s\t%d\n", name, snap.Sectors[name])
		}
		_ = w.Flush()
	}
}

// sortedKeys returns map keys in lexical order for stable output.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
