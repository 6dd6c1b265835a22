// Package cli implements the lobbymesh command: the server itself and a
// handful of read-only queries against a running instance.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// Config holds client-side settings shared by the query commands. Server
// settings live in the config package.
type Config struct {
	ServerURL string
	Output    string
	Verbose   bool
}

// DefaultConfig reads LOBBYMESH_SERVER, falling back to a local instance
func DefaultConfig() *Config {
	server := os.Getenv("LOBBYMESH_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	return &Config{ServerURL: server, Output: "text"}
}

var (
	cfg    *Config
	client *Client
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cfg = DefaultConfig()

	rootCmd := &cobra.Command{
		Use:   "lobbymesh",
		Short: "Multiplayer lobby coordinator",
		Long: `lobbymesh runs and inspects a fleet of lobby coordinator instances.

Use "lobbymesh serve" to start an instance. The remaining commands query a
running instance over its JSON API.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			client = NewClient(cfg.ServerURL, cfg.Verbose, cmd.ErrOrStderr())
		},
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Server URL (env: LOBBYMESH_SERVER)")
	flags.StringVarP(&cfg.Output, "output", "o", cfg.Output, "Output format: text, json")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Trace HTTP requests to stderr")

	rootCmd.AddCommand(newServeCmd(), newRoomsCmd(), newHealthCmd())
	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
