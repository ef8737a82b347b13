package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <package>",
		Short: "List the files of a package in offset order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer pkg.Close()

			out := cmd.OutOrStdout()
			for _, e := range pkg.Entries() {
				fmt.Fprintln(out, e.Name)
			}
			return nil
		},
	}
}
