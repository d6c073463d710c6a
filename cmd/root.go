package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "eventimport",
	Short: "Spreadsheet import pipeline for event datasets",
	Long:  "Ingests CSV and Excel files, detects datasets and schemas, geocodes locations and creates versioned events. Runs scheduled URL imports.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
