package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPrintVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print_version <package>",
		Short: "Print the build version of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := readHeader(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d", h.BuildMajor)
			return nil
		},
	}
}

func newPrintChangelistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print_changelist <package>",
		Short: "Print the build changelist of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := readHeader(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d", h.Changelist)
			return nil
		},
	}
}
