package main

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
)

func newInspectCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "inspect <package>",
		Short: "Dump the header and leading entries of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer pkg.Close()

			cfg := spew.ConfigState{Indent: "  ", DisableMethods: true, DisablePointerAddresses: true, SortKeys: true}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Header:")
			cfg.Fdump(out, pkg.Header())
			if name := pkg.DictName(); name != "" {
				fmt.Fprintf(out, "Dictionary: %s\n", name)
			}

			entries := pkg.Entries()
			if limit >= 0 && len(entries) > limit {
				entries = entries[:limit]
			}
			fmt.Fprintf(out, "Entries (%d of %d):\n", len(entries), pkg.Len())
			for _, e := range entries {
				cfg.Fdump(out, e)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of entries to dump (-1 for all)")
	return cmd
}
