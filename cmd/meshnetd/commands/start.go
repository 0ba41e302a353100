package commands

import (
	"github.com/spf13/cobra"

	"github.com/agentmesh/meshnet/config"
	"github.com/agentmesh/meshnet/node"
)

// StartCmd returns a command that runs the mesh engine until interrupted.
func StartCmd(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the mesh engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := makeLogger(conf)
			if err != nil {
				return err
			}
			if err := config.EnsureRoot(conf.RootDir); err != nil {
				return err
			}

			n, err := node.New(logger, conf)
			if err != nil {
				return err
			}
			if err := n.Start(cmd.Context()); err != nil {
				return err
			}
			logger.Info("mesh engine started", "node", conf.NodeID, "home", conf.RootDir)

			n.Wait()
			return nil
		},
	}
}
