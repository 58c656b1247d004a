// Package commands wires the cobra CLI surface described in spec.md §6:
// a thin dispatch layer over the project/repo/trace operations this core
// exposes. Everything else (terminal UI, chat, the marketplace) is out of
// this core's scope and consumes these commands as a contract.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/agentcore/substrate/internal/config"
	"github.com/agentcore/substrate/internal/logging"
)

var cfgFile string
var debug bool

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "Execution substrate for agent-orchestrated tasks",
	Long: `agentcore is the execution substrate underneath an agent-orchestration
platform: task leases, repo-scoped file access, checkpoints with evidence
verification, and the audit trail that ties them together.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logging.InfoLevel
		if debug {
			level = logging.DebugLevel
		}
		logging.Init(logging.Config{Level: level})
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: $XDG_CONFIG_HOME/agentcore/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	return config.Load()
}
