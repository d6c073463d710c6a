package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/scheduler"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage scheduled URL imports",
}

var schedulesApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update schedules from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("file")

		fh, err := os.Open(file)
		if err != nil {
			return eris.Wrapf(err, "open %s", file)
		}
		defer fh.Close() //nolint:errcheck

		defs, err := scheduler.LoadDefinitions(fh)
		if err != nil {
			return err
		}

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		applied, err := env.Scheduler.Apply(ctx, defs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Applied %d schedule(s).\n", len(applied))
		formatSchedules(cmd.OutOrStdout(), applied, time.Now())
		return nil
	},
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		enabledOnly, _ := cmd.Flags().GetBool("enabled")
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		schedules, err := env.Store.ListSchedules(ctx, enabledOnly)
		if err != nil {
			return eris.Wrap(err, "list schedules")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(schedules)
		}
		formatSchedules(cmd.OutOrStdout(), schedules, time.Now())
		return nil
	},
}

var schedulesEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Queue every schedule that is due now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Scheduler.Evaluate(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Evaluated %d, queued %d, skipped %d.\n", res.Evaluated, res.Queued, res.Skipped)
		return nil
	},
}

var schedulesTriggerCmd = &cobra.Command{
	Use:   "trigger <schedule-id>",
	Short: "Queue a run of a schedule now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Scheduler.Trigger(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s queued.\n", args[0])
		return nil
	},
}

var schedulesRunCmd = &cobra.Command{
	Use:   "run <schedule-id>",
	Short: "Fetch and import a schedule in this process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		exec, err := env.Scheduler.Execute(ctx, args[0])
		if exec != nil {
			formatExecution(cmd.OutOrStdout(), exec)
		}
		return err
	},
}

func formatSchedules(out io.Writer, schedules []model.ScheduledImport, now time.Time) {
	if len(schedules) == 0 {
		fmt.Fprintln(out, "No schedules.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tTIMING\tLAST RUN\tNEXT RUN\tSTATUS\tRUNS\tOK\tFAILED")
	fmt.Fprintln(w, "--\t----\t-------\t------\t--------\t--------\t------\t----\t--\t------")
	for _, s := range schedules {
		timing := string(s.Frequency)
		if s.Cron != "" {
			timing = s.Cron
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ID,
			s.Name,
			s.Enabled,
			timing,
			relTime(s.LastRun, now),
			relTime(s.NextRun, now),
			s.LastStatus,
			s.Statistics.TotalRuns,
			s.Statistics.SuccessfulRuns,
			s.Statistics.FailedRuns,
		)
	}
	w.Flush() //nolint:errcheck
}

func formatExecution(out io.Writer, e *model.ScheduleExecution) {
	fmt.Fprintf(out, "Status:   %s\n", e.Status)
	fmt.Fprintf(out, "Duration: %s\n", e.Duration.Round(time.Millisecond))
	if e.Bytes > 0 {
		fmt.Fprintf(out, "Fetched:  %s\n", humanize.IBytes(uint64(e.Bytes)))
	}
	switch {
	case e.Error != "":
		fmt.Fprintf(out, "Error:    %s\n", e.Error)
	case e.Unchanged:
		fmt.Fprintln(out, "Content unchanged since the last import.")
	case e.ImportFileID != "":
		fmt.Fprintf(out, "Import:   %s\n", e.ImportFileID)
	}
}

func relTime(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}

func init() {
	schedulesApplyCmd.Flags().StringP("file", "f", "schedules.yaml", "schedule definitions file")
	schedulesListCmd.Flags().Bool("enabled", false, "only enabled schedules")
	schedulesListCmd.Flags().Bool("json", false, "output as JSON")

	schedulesCmd.AddCommand(schedulesApplyCmd)
	schedulesCmd.AddCommand(schedulesListCmd)
	schedulesCmd.AddCommand(schedulesEvaluateCmd)
	schedulesCmd.AddCommand(schedulesTriggerCmd)
	schedulesCmd.AddCommand(schedulesRunCmd)
	rootCmd.AddCommand(schedulesCmd)
}
