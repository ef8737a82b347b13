package main

import (
	"cmp"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

type extStats struct {
	ext   string
	count int
	size  uint64
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <package>",
		Short: "Print stored size and file count per extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := a.open(args[0])
			if err != nil {
				return err
			}
			defer pkg.Close()

			byExt := make(map[string]*extStats)
			for _, e := range pkg.TableEntries() {
				ext := strings.ToLower(path.Ext(e.Name))
				if ext == "" {
					ext = "(none)"
				}
				s, ok := byExt[ext]
				if !ok {
					s = &extStats{ext: ext}
					byExt[ext] = s
				}
				s.count++
				s.size += e.CompressedSize
			}

			rows := make([]*extStats, 0, len(byExt))
			for _, s := range byExt {
				if s.size > 0 {
					rows = append(rows, s)
				}
			}
			slices.SortFunc(rows, func(x, y *extStats) int {
				if c := cmp.Compare(y.size, x.size); c != 0 {
					return c
				}
				return strings.Compare(x.ext, y.ext)
			})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total files: %d\n", pkg.Len())
			for _, s := range rows {
				fmt.Fprintf(out, "%s: %s (%d)\n", s.ext, formatSize(s.size), s.count)
			}
			return nil
		},
	}
}

// formatSize renders n in whole MBs, KBs or Bs.
func formatSize(n uint64) string {
	switch {
	case n > 1<<20:
		return fmt.Sprintf("%d MBs", n>>20)
	case n > 1<<10:
		return fmt.Sprintf("%d KBs", n>>10)
	default:
		return fmt.Sprintf("%d Bs", n)
	}
}
