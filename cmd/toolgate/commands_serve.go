package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolgate server",
		Long: `Start the HTTP server with all configured providers and tool servers.

The server will:
1. Load configuration from the specified file
2. Open the validation store and apply migrations when auto_migrate is set
3. Connect to the configured MCP tool servers
4. Serve chat streams, validation decisions and the execution API
5. Expire stale validations and reap abandoned sessions on a schedule

Edits to the configuration file are picked up for tool servers and the
default permission level without a restart.`,
		Example: `  # Start with default config
  toolgate serve

  # Start with custom config and debug logging
  toolgate serve --config /etc/toolgate/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}
