package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/sar"
)

func newExtractCmd(a *app) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "extract <package> <outdir> [file...]",
		Short: "Extract files from a package",
		Long:  "Extract every file of a package, or only the named files, below outdir.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer pkg.Close()

			entries, err := selectEntries(pkg, args[2:])
			if err != nil {
				return err
			}
			n, err := extract(cmd, pkg, entries, args[1], workers)
			if err != nil {
				return err
			}
			a.logger.Info("extracted package", "files", n, "dir", args[1])
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "j", runtime.GOMAXPROCS(0), "Files extracted in parallel")
	return cmd
}

// selectEntries returns the named entries, or all entries if names is empty.
func selectEntries(pkg *sar.Archive, names []string) ([]sar.Entry, error) {
	if len(names) == 0 {
		return pkg.Entries(), nil
	}
	out := make([]sar.Entry, 0, len(names))
	for _, name := range names {
		e, ok := pkg.Lookup(name)
		if !ok {
			return nil, &fs.PathError{Op: "extract", Path: name, Err: sar.ErrNotFound}
		}
		out = append(out, e)
	}
	return out, nil
}

func extract(cmd *cobra.Command, pkg *sar.Archive, entries []sar.Entry, dir string, workers int) (int, error) {
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(workers, 1))
	for _, e := range entries {
		if !fs.ValidPath(e.Name) {
			return 0, &fs.PathError{Op: "extract", Path: e.Name, Err: fs.ErrInvalid}
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := pkg.ReadFile(e.Name)
			if err != nil {
				return err
			}
			dst := filepath.Join(dir, filepath.FromSlash(e.Name))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(dst, data, 0o644); err != nil { //nolint:gosec // extracted files are not secret
				return fmt.Errorf("write %s: %w", dst, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(entries), nil
}
