package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	root := NewCLI()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.ElementsMatch(t, []string{"train", "grn", "downstream", "run"}, names)

	for _, name := range []string{"downstream", "run"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		out, err := cmd.Flags().GetString("out")
		require.NoError(t, err)
		require.Equal(t, "results", out)
	}
}

func TestMissingConfig(t *testing.T) {
	root := NewCLI()
	root.SetArgs([]string{"train", "--config", filepath.Join(t.TempDir(), "missing.toml")})
	require.Error(t, root.ExecuteContext(context.Background()))
}

func TestRejectsArguments(t *testing.T) {
	root := NewCLI()
	root.SetArgs([]string{"grn", "extra"})
	require.Error(t, root.ExecuteContext(context.Background()))
}
