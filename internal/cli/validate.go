package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsm/upperflow/internal/config"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a job file",
		Long: `Validate parses the job file, applies defaults and environment overrides, and
reports every problem found. The path argument takes precedence over --config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) == 1 {
				path = args[0]
			}
			path = config.ResolvePath(path)

			job, err := config.NewLoader(path, nil).Load()
			if err != nil {
				errs := unwrapJoined(err)
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d problem(s)\n", path, len(errs))
				for _, e := range errs {
					fmt.Fprintf(cmd.ErrOrStderr(), "  - %v\n", e)
				}
				return fmt.Errorf("invalid job file %s", path)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: job %q is valid (%s -> %s, %s/%s)\n",
				path, job.Name, job.Source.Topic, job.Sinks.Topic.Topic,
				job.Sinks.Document.Database, job.Sinks.Document.Collection)
			return nil
		},
	}
}

// unwrapJoined flattens errors combined with errors.Join, looking through
// single-error wrappers.
func unwrapJoined(err error) []error {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			var out []error
			for _, inner := range joined.Unwrap() {
				out = append(out, unwrapJoined(inner)...)
			}
			return out
		}
	}
	return []error{err}
}
