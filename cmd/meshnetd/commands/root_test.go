package commands

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/meshnet/config"
)

func executeRoot(t *testing.T, conf *config.Config, args ...string) error {
	t.Helper()
	cmd := RootCommand(conf)
	cmd.AddCommand(InitCmd(conf))
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestRootCommandDefaults(t *testing.T) {
	home := t.TempDir()
	conf := config.DefaultConfig()

	require.NoError(t, executeRoot(t, conf, "init", "--home", home))
	require.Equal(t, home, conf.RootDir)
	require.FileExists(t, filepath.Join(home, "config", "config.toml"))

	// A second init refuses to clobber the existing file.
	require.Error(t, executeRoot(t, config.DefaultConfig(), "init", "--home", home))
}

func TestRootCommandLoadsConfigFile(t *testing.T) {
	home := t.TempDir()

	written := config.DefaultConfig()
	written.Moniker = "from-file"
	written.SetRoot(home)
	require.NoError(t, config.WriteConfigFile(home, written))

	conf := config.DefaultConfig()
	cmd := RootCommand(conf)
	cmd.RunE = func(cmd *cobra.Command, args []string) error { return nil }
	cmd.SetArgs([]string{"--home", home, "--log-level", "debug"})
	require.NoError(t, cmd.Execute())

	require.Equal(t, "from-file", conf.Moniker)
	// The explicit flag beats the file.
	require.Equal(t, "debug", conf.LogLevel)
}
