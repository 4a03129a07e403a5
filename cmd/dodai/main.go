// Command dodai runs the streaming chat and tool-provider runtime.
//
// Start the host server for the current project:
//
//	dodai serve --addr 127.0.0.1:8787
//
// Inspect configured tool providers:
//
//	dodai tools
//
// Ask a one-off question, streaming the answer:
//
//	dodai chat "what changed in the release notes?"
//
// Settings are read from .dodai/settings.{json,yaml} and
// .dodai/settings.local.{json,yaml} under the project root. API keys fall
// back to ANTHROPIC_API_KEY and OPENAI_API_KEY.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	project string
	debug   bool
}

func buildRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "dodai",
		Short:        "Streaming chat runtime with MCP tool providers",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.project, "project", "p", ".", "Project root holding .dodai settings")
	root.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(
		buildServeCmd(flags),
		buildToolsCmd(flags),
		buildChatCmd(flags),
	)
	return root
}
