package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/xferd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the xferd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := version.Read()
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "%s %s\n", b.Module, b.Version); err != nil {
				return err
			}
			if !verbose {
				return nil
			}
			if b.Revision != "" {
				fmt.Fprintf(out, "revision %s (modified=%t)\n", b.Revision, b.Modified)
			}
			if !b.Time.IsZero() {
				fmt.Fprintf(out, "built %s\n", b.Time.Format(time.RFC3339))
			}
			if b.GoVersion != "" {
				fmt.Fprintf(out, "go %s\n", b.GoVersion)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include VCS revision and toolchain")
	return cmd
}
