package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentmesh/meshnet/cmd/meshnetd/commands"
	"github.com/agentmesh/meshnet/config"
)

func main() {
	conf := config.DefaultConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cmd := commands.RootCommand(conf)
	cmd.AddCommand(
		commands.InitCmd(conf),
		commands.StartCmd(conf),
		commands.SimCmd(conf),
	)
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
