package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/eventimport/internal/monitoring"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report import health over the monitoring window",
	Long:  "Collects job, schedule and queue metrics and evaluates the alert thresholds. Alerts are posted to monitoring.webhook_url when set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")
		if hours, _ := cmd.Flags().GetInt("hours"); hours > 0 {
			cfg.Monitoring.LookbackWindowHours = hours
		}

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, alerts, err := env.Checker().Check(ctx)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*monitoring.MetricsSnapshot
				Alerts []monitoring.Alert `json:"alerts"`
			}{snap, alerts})
		}
		formatHealth(cmd.OutOrStdout(), snap, alerts)
		return nil
	},
}

func formatHealth(out io.Writer, snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	fmt.Fprintf(out, "Window:    last %dh\n", snap.LookbackHours)
	fmt.Fprintf(out, "Jobs:      %d total, %d completed, %d failed, %d awaiting approval, %d active\n",
		snap.JobsTotal, snap.JobsCompleted, snap.JobsFailed, snap.JobsAwaiting, snap.JobsActive)
	fmt.Fprintf(out, "Fail rate: %.1f%%\n", snap.JobFailRate*100)
	fmt.Fprintf(out, "Schedules: %d runs, %d failed\n", snap.ScheduleRuns, snap.ScheduleFailures)
	if len(snap.FailingSchedules) > 0 {
		fmt.Fprintf(out, "Failing:   %s\n", strings.Join(snap.FailingSchedules, ", "))
	}
	fmt.Fprintf(out, "Dead tasks: %d\n", snap.DeadTasks)

	if len(alerts) == 0 {
		fmt.Fprintln(out, "\nNo alerts.")
		return
	}
	fmt.Fprintln(out, "\nAlerts:")
	for _, a := range alerts {
		fmt.Fprintf(out, "  [%s] %s\n", a.Severity, a.Message)
	}
}

func init() {
	healthCmd.Flags().Bool("json", false, "output as JSON")
	healthCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")
	rootCmd.AddCommand(healthCmd)
}
