package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgedlt/dbft/bench"
)

func benchReportCommand() *cobra.Command {
	var out string
	c := &cobra.Command{
		Use:   "bench-report [bench-output]",
		Short: "Render `go test -bench` output as a Markdown report",
		Long:  "Render benchmark output read from a file, or from stdin when no file is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var in io.Reader = c.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			w := c.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return benchReport(in, w)
		},
	}
	c.Flags().StringVarP(&out, "out", "o", "", "write the report to this file")
	return c
}

func benchReport(in io.Reader, out io.Writer) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read benchmark output: %w", err)
	}
	results := bench.ParseBenchmarkOutput(string(data))
	if len(results) == 0 {
		return fmt.Errorf("no benchmark results in input")
	}
	return bench.WriteReport(out, bench.GetSystemInfo(), results)
}
