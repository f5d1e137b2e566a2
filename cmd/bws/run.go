package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/benliao/bws/internal/bwslog"
	"github.com/benliao/bws/internal/supervisor"
)

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run bws in the foreground",
		Long: `Run starts bws and blocks until it receives SIGTERM or SIGINT, at
which point it drains in-flight requests before exiting. Sending
SIGHUP reloads the configuration file without dropping connections on
listeners whose bindings are unchanged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := bwslog.Named("cmd")
			defer func() { _ = bwslog.Sync() }()

			sup := supervisor.New(configPath)
			log.Info("starting bws", zap.String("config", configPath))
			return sup.Run(context.Background())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "bws.yaml", "Path to the configuration file")
	return cmd
}
