package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/eventimport/internal/intake"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a CSV or Excel file into a catalog",
	Long: "Stores the file, creates an import file record and starts the pipeline. " +
		"With --wait the queued stages run in this process and a progress bar is shown.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		catalogID, _ := cmd.Flags().GetString("catalog")
		datasetID, _ := cmd.Flags().GetString("dataset")
		displayName, _ := cmd.Flags().GetString("name")
		wait, _ := cmd.Flags().GetBool("wait")

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if wait && env.drain == nil {
			return eris.New("--wait requires queue.backend=store")
		}

		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "read %s", path)
		}

		f, err := env.Intake.Intake(ctx, intake.Upload{
			Data:        data,
			FileName:    filepath.Base(path),
			DisplayName: displayName,
			MimeType:    mime.TypeByExtension(filepath.Ext(path)),
			CatalogID:   catalogID,
			DatasetID:   datasetID,
		})
		if err != nil {
			return eris.Wrap(err, "import")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Import file %s created (%s).\n", f.ID, f.OriginalName)
		if !wait {
			return nil
		}

		if err := drainWithProgress(ctx, env, f.ID, cmd.ErrOrStderr()); err != nil {
			return err
		}

		f, err = env.Store.GetImportFile(ctx, f.ID)
		if err != nil {
			return eris.Wrap(err, "load import file")
		}
		jobs, err := env.Store.ListImportJobs(ctx, f.ID)
		if err != nil {
			return eris.Wrap(err, "list import jobs")
		}
		formatFileStatus(out, f, jobs)
		return nil
	},
}

// drainWithProgress runs queued tasks until none are due, updating a
// progress bar from the file's jobs while it does.
func drainWithProgress(ctx context.Context, env *appEnv, fileID string, w io.Writer) error {
	bar := pb.New(100).SetTemplate(pb.Simple).SetWriter(w)
	bar.Start()
	defer bar.Finish()

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		return env.drain(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				updateBar(ctx, env.Store, fileID, bar)
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				updateBar(gctx, env.Store, fileID, bar)
			}
		}
	})
	return g.Wait()
}

func updateBar(ctx context.Context, st store.Store, fileID string, bar *pb.ProgressBar) {
	jobs, err := st.ListImportJobs(ctx, fileID)
	if err != nil {
		zap.L().Debug("progress: list jobs", zap.Error(err))
		return
	}
	bar.SetCurrent(int64(filePercent(jobs)))
}

// filePercent averages job progress. Terminal jobs count as done.
func filePercent(jobs []model.ImportJob) float64 {
	if len(jobs) == 0 {
		return 0
	}
	var total float64
	for _, j := range jobs {
		if j.Stage.Terminal() {
			total += 100
			continue
		}
		total += j.Progress.Percent
	}
	return total / float64(len(jobs))
}

func init() {
	importCmd.Flags().String("catalog", "", "catalog to import into (required)")
	importCmd.Flags().String("dataset", "", "existing dataset to import every sheet into")
	importCmd.Flags().String("name", "", "display name for the import")
	importCmd.Flags().Bool("wait", false, "process the import in this process and show progress")
	_ = importCmd.MarkFlagRequired("catalog")
	rootCmd.AddCommand(importCmd)
}
