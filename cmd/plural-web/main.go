// Package main is the plural-web command: it serves chat turns over HTTP
// and includes a terminal client for the same API.
//
// Start the server:
//
//	plural-web serve --port 8080
//
// Chat from a terminal:
//
//	plural-web chat --server http://127.0.0.1:8080 --cwd ~/src/app
//
// Configuration is read from config.yaml in the plural-web config directory
// and can be overridden with PLURAL_WEB_HOST, PLURAL_WEB_PORT,
// PLURAL_WEB_CLAUDE_PATH and PLURAL_WEB_DEBUG.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plural-web",
		Short: "Interactive Claude sessions over HTTP",
		Long: `plural-web runs Claude Code turns for browser and terminal clients.

Each turn is streamed back as newline-delimited JSON. When Claude needs a
decision (tool permission, plan approval, or an answer to a question) the
client resolves it and sends the answer as the next turn.`,
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildCheckCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "plural-web %s\n", versionString())
		},
	}
}
