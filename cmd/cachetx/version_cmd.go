package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/cachetx/internal/version"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the cachetx version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "cachetx %s\n", version.Current())
			return err
		},
	}
	return cmd
}
