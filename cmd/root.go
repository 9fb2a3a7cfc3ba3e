package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the guardpost application
var rootCmd = &cobra.Command{
	Use:   "guardpost",
	Short: "Token trust layer and MCP gateway",
	Long: `guardpost is a protocol gateway trust daemon. It stores OAuth tokens
encrypted at rest, validates every incoming bearer token against its own
records, refreshes tokens against the upstream authorization server
before they expire, and tracks the sessions and connections behind them.

It can run as:
  - An MCP (Model Context Protocol) server over stdio, streamable-HTTP or SSE
  - A one-shot maintenance tool (cleanup)`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "guardpost version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("guardpost version %s\n", version)
		},
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newVersionCmd())
}
