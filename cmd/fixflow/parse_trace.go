package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/martinemde/fixflow/errortrace"
)

func (a *app) parseTraceCmd() *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "parse-trace <trace.json>",
		Short: "Print the normalized form of an error trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			trace, err := errortrace.ParseFile(args[0])
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			if summary {
				fmt.Fprintln(a.stdout, trace.Summary())
				return nil
			}
			out, err := json.MarshalIndent(trace, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "Print a short text summary instead of JSON")
	return cmd
}
