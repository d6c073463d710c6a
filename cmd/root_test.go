//go:build !integration

package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Use(t *testing.T) {
	assert.Equal(t, "eventimport", rootCmd.Use)
	assert.NotNil(t, rootCmd.PersistentPreRunE)
	assert.NotNil(t, rootCmd.PersistentPostRun)
}

func TestRootCmd_Commands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"migrate", "serve", "worker", "import", "approve", "retry", "schedules", "status", "cache", "health"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestSchedulesCmd_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range schedulesCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"apply", "list", "evaluate", "trigger", "run"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestCacheCmd_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range cacheCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["stats"])
	assert.True(t, names["purge"])
}

func TestImportCmd_Flags(t *testing.T) {
	f := importCmd.Flags().Lookup("catalog")
	require.NotNil(t, f)
	assert.Equal(t, "", f.DefValue)
	assert.Equal(t, []string{"true"}, f.Annotations[cobra.BashCompOneRequiredFlag])

	f = importCmd.Flags().Lookup("wait")
	require.NotNil(t, f)
	assert.Equal(t, "false", f.DefValue)

	assert.NoError(t, importCmd.Args(importCmd, []string{"events.csv"}))
	assert.Error(t, importCmd.Args(importCmd, nil))
}

func TestServeCmd_Flags(t *testing.T) {
	f := serveCmd.Flags().Lookup("port")
	require.NotNil(t, f)
	assert.Equal(t, "0", f.DefValue)

	f = serveCmd.Flags().Lookup("worker")
	require.NotNil(t, f)
	assert.Equal(t, "false", f.DefValue)
}

func TestApproveCmd_Flags(t *testing.T) {
	for _, name := range []string{"user", "notes", "reject", "reason"} {
		assert.NotNil(t, approveCmd.Flags().Lookup(name), name)
	}
	assert.Error(t, approveCmd.Args(approveCmd, nil))
}

func TestRetryCmd_Args(t *testing.T) {
	assert.NoError(t, retryCmd.Args(retryCmd, []string{"job-1", "detect-schema"}))
	assert.Error(t, retryCmd.Args(retryCmd, []string{"job-1"}))
}

func TestSchedulesApplyCmd_FileFlag(t *testing.T) {
	f := schedulesApplyCmd.Flags().Lookup("file")
	require.NotNil(t, f)
	assert.Equal(t, "f", f.Shorthand)
	assert.Equal(t, "schedules.yaml", f.DefValue)
}

func TestCachePurgeCmd_OlderThanDefault(t *testing.T) {
	f := cachePurgeCmd.Flags().Lookup("older-than")
	require.NotNil(t, f)
	assert.Equal(t, "2160h0m0s", f.DefValue)
}

func TestHealthCmd_Flags(t *testing.T) {
	f := healthCmd.Flags().Lookup("hours")
	require.NotNil(t, f)
	assert.Equal(t, "0", f.DefValue)
	assert.NotNil(t, healthCmd.Flags().Lookup("json"))
}
