// Package cmd provides the CLI commands for the codegate gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/RhysSullivan/codegate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "codegate",
	Short: "codegate - code-mode tool execution gateway",
	Long: `codegate executes agent-submitted JavaScript snippets against a typed
tool catalog. Every tools.* call a snippet makes is mediated: policy
evaluation, human approval when required, credential injection, and
provider invocation, with a signed receipt per call.

Quick start:
  1. Create a config file: codegate.yaml
  2. Run: codegate start

Configuration:
  Config is loaded from codegate.yaml in the current directory,
  $HOME/.codegate/, or /etc/codegate/.

  Environment variables can override config values with the CODEGATE_ prefix.
  Example: CODEGATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the gateway server
  stop        Stop the running server
  reset       Reset to clean state (remove the state store)
  hash-key    Generate a hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./codegate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
