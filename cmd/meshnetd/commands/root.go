package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentmesh/meshnet/config"
	"github.com/agentmesh/meshnet/libs/log"
)

// RootCommand constructs the command-line entry point for meshnetd. The
// resolved configuration is written into conf for subcommands to pick up:
// defaults, then the config file under --home if one exists, then explicit
// flag overrides.
func RootCommand(conf *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "meshnetd",
		Short:        "Mesh topology and fault-tolerant routing engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := cmd.Flags().GetString("home")
			if err != nil {
				return err
			}

			if _, err := os.Stat(filepath.Join(home, "config", "config.toml")); err == nil {
				loaded, err := config.LoadConfigFile(home)
				if err != nil {
					return err
				}
				*conf = *loaded
			} else {
				conf.SetRoot(home)
			}

			// Flags beat the config file, but only when given.
			if cmd.Flags().Changed("log-level") {
				conf.LogLevel, _ = cmd.Flags().GetString("log-level")
			}
			if cmd.Flags().Changed("log-format") {
				conf.LogFormat, _ = cmd.Flags().GetString("log-format")
			}
			return conf.ValidateBasic()
		},
	}

	cmd.PersistentFlags().String("home",
		os.ExpandEnv(filepath.Join("$HOME", config.DefaultMeshnetDir)),
		"directory for config and data")
	cmd.PersistentFlags().String("log-level", conf.LogLevel, "log level (debug | info | warn | error)")
	cmd.PersistentFlags().String("log-format", conf.LogFormat, "log format (plain | json)")
	return cmd
}

func makeLogger(conf *config.Config) (log.Logger, error) {
	return log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
}
