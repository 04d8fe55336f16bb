package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check every pipeline module and report availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			caps := a.engine.Capabilities()
			out := cmd.OutOrStdout()
			for _, m := range caps {
				if m.Available {
					fmt.Fprintf(out, "ok    %s\n", m.Name)
				} else {
					fmt.Fprintf(out, "FAIL  %s: %s\n", m.Name, m.Reason)
				}
			}
			return caps.Err()
		},
	}
}
