package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var resolve bool
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a guard config and list the guards in execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := buildRegistry(args[0], newLogger())
			if err != nil {
				return fmt.Errorf("invalid guard config: %w", err)
			}
			defer reg.Close() //nolint:errcheck

			if resolve {
				if err := reg.Resolve(); err != nil {
					return fmt.Errorf("resolving guards: %w", err)
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ORDER\tID\tTIER\tPRIORITY\tFAILURE MODE\tTIMEOUT\tRUNS ON\tLOCATION")
			for i, e := range reg.Entries() {
				hooks := make([]string, 0, 3)
				for _, h := range e.Spec.Hooks.Hooks() {
					hooks = append(hooks, h.String())
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					i+1, e.Spec.ID, e.Spec.Tier, e.Spec.Priority, e.Spec.FailureMode,
					e.Spec.Timeout, strings.Join(hooks, ","), e.Spec.Location)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Validation passed: %d guard(s).\n", reg.Len())
			return nil
		},
	}
	cmd.Flags().BoolVar(&resolve, "resolve", false, "load wasm modules now instead of on first use")
	return cmd
}
