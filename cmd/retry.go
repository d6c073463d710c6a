package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/eventimport/internal/model"
)

var retryCmd = &cobra.Command{
	Use:   "retry <job-id> <stage>",
	Short: "Restart a job from a stage",
	Long:  "Clears the failed job's checkpoints from the given stage onward and enqueues it again.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stage := model.Stage(args[1])
		if !stage.Valid() || stage.Terminal() {
			return eris.Errorf("invalid stage %q", args[1])
		}

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		j, err := env.Pipeline.Retry(ctx, args[0], stage)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s restarted at %s.\n", j.ID, j.Stage)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
