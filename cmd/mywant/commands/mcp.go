package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/mcpserver"
)

var MCPCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MyWant tools to MCP clients over stdio",
	Long: `Run an MCP server on stdin/stdout that forwards tool calls to the
MyWant API at --server. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.ConfigureRuntime()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return mcpserver.New(newClient()).RunStdio(ctx)
	},
}
