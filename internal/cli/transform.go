package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lsm/upperflow/internal/pipeline"
	"github.com/lsm/upperflow/internal/transform/upper"
)

const maxLineSize = 4 << 20

type transformOptions struct {
	input       string
	failOnError bool
}

func newTransformCommand() *cobra.Command {
	opts := &transformOptions{}

	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Dry-run the transform over change events",
		Long: `Transform reads one change event per line and prints the record that would be
written to both sinks, one per line. Payloads that cannot be processed print
their error record.`,
		Example: `  # Single inline event
  upperflow transform --input '{"after":{"name":"ada","age":37}}'

  # JSONL file
  upperflow transform --input events.jsonl

  # From a topic dump
  kcat -C -b localhost:9092 -t mysql_server.testdb.users -e | upperflow transform`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, closeFn, err := openInput(opts.input, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeFn()
			return runTransform(cmd, in, opts.failOnError)
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "inline JSON or path to a JSONL file (default stdin)")
	cmd.Flags().BoolVar(&opts.failOnError, "fail-on-error", false, "exit non-zero if any line produced an error record")
	return cmd
}

// openInput returns the reader for --input: inline JSON when it looks like
// an object, otherwise a file path. Empty means stdin.
func openInput(input string, stdin io.Reader) (io.Reader, func(), error) {
	switch {
	case input == "":
		return stdin, func() {}, nil
	case strings.HasPrefix(strings.TrimSpace(input), "{"):
		return strings.NewReader(input), func() {}, nil
	}
	f, err := os.Open(input)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func runTransform(cmd *cobra.Command, in io.Reader, failOnError bool) error {
	tr := upper.NewTransformer()
	out := cmd.OutOrStdout()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var lineNo, total, failed int
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		total++
		record, err := pipeline.Prepare(cmd.Context(), tr, line)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", lineNo, err)
		}
		if _, err := fmt.Fprintf(out, "%s\n", record); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	if failOnError && failed > 0 {
		return fmt.Errorf("%d of %d record(s) produced an error record", failed, total)
	}
	return nil
}
