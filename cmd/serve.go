package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"opendiscovery/internal/app"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveTransport overrides the transport mode (stdio, http, amqp, all).
var serveTransport string

// servePort overrides the HTTP listen port.
var servePort int

// serveDataDir anchors the CMDB database and master key file.
var serveDataDir string

// servePluginDir overrides the plugin install directory.
var servePluginDir string

// serveConfigPath points at an explicit config.yaml.
var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the opendiscovery MCP server",
	Long: `Starts the MCP server on the configured transports.

Without flags or environment overrides the transport mode is automatic:
stdio on a workstation, HTTP inside a container. Set TRANSPORT_MODE or
--transport to force stdio, http, amqp, or all.

Configuration precedence: built-in defaults, then --config-path YAML,
then environment variables, then flags.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	application, err := app.NewApplication(ctx, app.Options{
		Debug:      serveDebug,
		ConfigPath: serveConfigPath,
		Transport:  serveTransport,
		Port:       servePort,
		DataDir:    serveDataDir,
		PluginDir:  servePluginDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "Transport mode: stdio, http, amqp, or all")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP listen port (overrides HTTP_PORT)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Directory for cmdb.db and cmdb_key")
	serveCmd.Flags().StringVar(&servePluginDir, "plugin-dir", "", "Plugin install directory")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Path to config.yaml")
}
