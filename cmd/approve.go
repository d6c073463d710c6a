package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/eventimport/internal/model"
)

var approveCmd = &cobra.Command{
	Use:   "approve <job-id>",
	Short: "Approve or reject the schema change a job is waiting on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		user, _ := cmd.Flags().GetString("user")
		notes, _ := cmd.Flags().GetString("notes")
		reject, _ := cmd.Flags().GetBool("reject")
		reason, _ := cmd.Flags().GetString("reason")
		if user == "" {
			user = os.Getenv("USER")
		}
		if user == "" {
			return eris.New("--user is required")
		}

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		var j *model.ImportJob
		if reject {
			j, err = env.Pipeline.Reject(ctx, args[0], user, reason)
		} else {
			j, err = env.Pipeline.Approve(ctx, args[0], user, notes)
		}
		if err != nil {
			return err
		}
		formatJobDecision(cmd.OutOrStdout(), j, reject)
		return nil
	},
}

func formatJobDecision(out io.Writer, j *model.ImportJob, rejected bool) {
	verb := "approved"
	if rejected {
		verb = "rejected"
	}
	fmt.Fprintf(out, "Job %s %s; stage is now %s.\n", j.ID, verb, j.Stage)
	if j.SchemaVersionID != "" {
		fmt.Fprintf(out, "Schema version: %s\n", j.SchemaVersionID)
	}
}

func init() {
	approveCmd.Flags().String("user", "", "who is deciding (default $USER)")
	approveCmd.Flags().String("notes", "", "approval notes")
	approveCmd.Flags().Bool("reject", false, "reject instead of approve")
	approveCmd.Flags().String("reason", "", "rejection reason")
	rootCmd.AddCommand(approveCmd)
}
