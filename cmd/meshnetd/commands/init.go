package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentmesh/meshnet/config"
)

// InitCmd returns a command that writes the default configuration file under
// the home directory, refusing to overwrite an existing one.
func InitCmd(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the home directory with a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(conf.RootDir, "config", "config.toml")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("found existing config file at %s, not overwriting", path)
			}

			if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
				return err
			}
			cmd.Printf("Wrote config file to %s\n", path)
			return nil
		},
	}
}
