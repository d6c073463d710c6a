package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/eventimport/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status <import-file-id>",
	Short: "Show an import file and its jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		f, err := env.Store.GetImportFile(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "load import file")
		}
		jobs, err := env.Store.ListImportJobs(ctx, f.ID)
		if err != nil {
			return eris.Wrap(err, "list import jobs")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*model.ImportFile
				Jobs []model.ImportJob `json:"jobs"`
			}{f, jobs})
		}
		formatFileStatus(cmd.OutOrStdout(), f, jobs)
		return nil
	},
}

func formatFileStatus(out io.Writer, f *model.ImportFile, jobs []model.ImportJob) {
	fmt.Fprintf(out, "File:     %s (%s)\n", f.ID, f.OriginalName)
	fmt.Fprintf(out, "Catalog:  %s\n", f.CatalogID)
	fmt.Fprintf(out, "Size:     %s\n", humanize.IBytes(uint64(f.Size)))
	fmt.Fprintf(out, "Status:   %s\n", f.Status)
	fmt.Fprintf(out, "Datasets: %d/%d processed, %d completed, %d failed\n",
		f.DatasetsProcessed, f.DatasetsCount, f.JobsCompleted, f.JobsFailed)
	for _, e := range f.ErrorLog {
		fmt.Fprintf(out, "Error:    [%s] %s\n", e.Stage, e.Message)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(out, "\nNo jobs yet.")
		return
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSHEET\tSTAGE\tPROGRESS\tROWS\tCREATED\tUPDATED\tSKIPPED\tERROR")
	fmt.Fprintln(w, "---\t-----\t-----\t--------\t----\t-------\t-------\t-------\t-----")
	for _, j := range jobs {
		r := j.Results
		lastErr := ""
		if e := j.LastError(); e != nil {
			lastErr = e.Message
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%d\t%d\t%d\t%s\n",
			j.ID,
			j.SheetName,
			j.Stage,
			j.Progress.Percent,
			humanize.Comma(int64(j.Progress.TotalRows)),
			r.Created,
			r.Updated+r.Versioned,
			r.Skipped+r.Duplicates+r.Invalid,
			truncate(lastErr, 60),
		)
	}
	w.Flush() //nolint:errcheck
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	statusCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
