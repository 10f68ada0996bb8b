package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the opendiscovery application.
// It is the entry point when the binary is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "opendiscovery",
	Short: "Multi-transport MCP server for infrastructure discovery",
	Long: `opendiscovery exposes infrastructure-discovery tools to MCP clients
(AI assistants, IDE integrations, operators) over stdio, streamable HTTP
with SSE, and AMQP. Discovered configuration items are kept in an embedded
CMDB with credentials encrypted at rest.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "opendiscovery version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
