package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/eventimport/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the location cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show location cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Store.LocationStats(ctx)
		if err != nil {
			return eris.Wrap(err, "location cache stats")
		}
		formatCacheStats(cmd.OutOrStdout(), stats, time.Now())
		return nil
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete cache entries not used recently",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return eris.New("--older-than must be positive")
		}

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Store.PurgeLocations(ctx, time.Now().Add(-olderThan))
		if err != nil {
			return eris.Wrap(err, "purge location cache")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %s cache entries unused for %s.\n", humanize.Comma(int64(n)), olderThan)
		return nil
	},
}

func formatCacheStats(out io.Writer, s *model.CacheStats, now time.Time) {
	fmt.Fprintf(out, "Entries:    %s\n", humanize.Comma(int64(s.Entries)))
	fmt.Fprintf(out, "Total hits: %s\n", humanize.Comma(int64(s.TotalHits)))
	if s.Oldest != nil {
		fmt.Fprintf(out, "Oldest:     %s\n", humanize.RelTime(*s.Oldest, now, "ago", "from now"))
	}
	if len(s.Providers) == 0 {
		return
	}

	names := make([]string, 0, len(s.Providers))
	for name := range s.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tENTRIES")
	fmt.Fprintln(w, "--------\t-------")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%d\n", name, s.Providers[name])
	}
	w.Flush() //nolint:errcheck
}

func init() {
	cachePurgeCmd.Flags().Duration("older-than", 90*24*time.Hour, "purge entries not used for this long")
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
