package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "bws",
		Short: "bws is a multi-site HTTP(S) edge server",
		Long: `bws terminates TLS for one or more sites, serving static files and
proxying to upstream applications, with certificates issued and renewed
automatically via ACME.

To run bws, use:

  - 'bws run' to run bws in the foreground (recommended).

Once running, a reload can be triggered without downtime:

  $ bws reload --config bws.yaml
`,
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newReloadCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bws version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(version)
			return nil
		},
	}
}
