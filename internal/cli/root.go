// Package cli implements the upperflow command line.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand returns the upperflow command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "upperflow",
		Short: "upperflow streams change events into MongoDB and Kafka",
		Long: `upperflow consumes Debezium change events from a Kafka topic, upper-cases the
string fields of each row's "after" state, and writes every record to a MongoDB
collection and a second Kafka topic.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "job file (default $UPPERFLOW_CONFIG or /etc/upperflow/job.yaml)")
	cmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "L", "", "log level: debug, info, warn, error (default $UPPERFLOW_LOG_LEVEL or the job file)")

	cmd.AddCommand(
		newRunCommand(opts),
		newValidateCommand(opts),
		newTransformCommand(),
	)
	return cmd
}

// Execute runs the root command with the process arguments.
func Execute() error {
	return NewRootCommand().Execute()
}
