package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"enqueue", "process", "run", "jobs", "cache", "datasets", "geocode"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "votermap", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestJobsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range jobsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "stats", "cancel", "prune"} {
		assert.True(t, names[name], "expected jobs subcommand %q not found", name)
	}
}

func TestCacheCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range cacheCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"stats", "clear", "import", "export"} {
		assert.True(t, names[name], "expected cache subcommand %q not found", name)
	}
}

func TestEnqueueCommand_Flags(t *testing.T) {
	for _, name := range []string{"county", "year", "type", "date", "method", "party"} {
		require.NotNil(t, enqueueCmd.Flags().Lookup(name), "enqueue should have --%s", name)
		require.NotNil(t, processCmd.Flags().Lookup(name), "process should have --%s", name)
	}

	flag := enqueueCmd.Flags().Lookup("on-duplicate")
	require.NotNil(t, flag)
	assert.Equal(t, "skip", flag.DefValue)
}

func TestRunCommand_WatchFlag(t *testing.T) {
	flag := runCmd.Flags().Lookup("watch")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestJobsPrune_OlderThanDefault(t *testing.T) {
	flag := jobsPruneCmd.Flags().Lookup("older-than")
	require.NotNil(t, flag)
	assert.Equal(t, "720h0m0s", flag.DefValue)
}
