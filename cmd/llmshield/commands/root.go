// Package commands implements the llmshield CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// NewRoot builds the root command with all subcommands attached.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "llmshield",
		Short: "Security gateway for local and remote LLMs",
		Long: `llmshield sits between your applications and LLM providers.
It inspects every chat request for prompt injection, jailbreaks, and
sensitive data, masks or blocks what the rules flag, and forwards the
rest upstream.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "llmshield.yaml", "config file path")

	root.AddCommand(newServeCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newRulesCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newVersionCmd())

	return root
}
