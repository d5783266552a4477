// Refinery: agent memory refinement MCP server.
//
// Refinery gives AI agents a persistent, auditable memory store and a
// tool-driven refinement loop: consolidate, update, delete, and protect core
// memories, with an automatic rollback when a session destroys too much.
//
// Usage:
//
//	refinery serve     # Start MCP server (stdio transport)
//	refinery version   # Print the version
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/avela/refinery/internal/config"
	refserver "github.com/avela/refinery/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "refinery",
		Short:        "Agent memory refinement MCP server",
		Long:         "Persistent, auditable agent memory with tool-driven refinement sessions. SQLite-backed, single binary.",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Best-effort: a missing .env is not an error.
			_ = godotenv.Load()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			log := newLogger(cfg.LogLevel)

			s, cleanup, err := refserver.New(cfg, log)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}
			defer cleanup()

			return server.ServeStdio(s)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("refinery v%s\n", refserver.Version)
		},
	}
}

// newLogger builds the process logger. Output goes to stderr so it never
// interferes with MCP's stdio transport on stdout.
func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
