package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/meigma/sar/download"
	"github.com/meigma/sar/internal/fetch"
)

func newDownloadCmd(a *app) *cobra.Command {
	var (
		populate []string
		priority string
		timeout  time.Duration
		lower    uint64
		upper    uint64
	)
	cmd := &cobra.Command{
		Use:   "download <url> <package>",
		Short: "Download a complete package, reusing local copies",
		Long: `Download the package at url to a local path. An existing package at that
path, and any --populate packages, are reused for entries that are already
correct, so only missing or changed files are transferred.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := fetch.ParsePriority(priority)
			if err != nil {
				return err
			}

			dl, err := download.New(
				download.WithURL(args[0]),
				download.WithPackagePath(args[1]),
				download.WithPopulatePackages(populate...),
				download.WithSizeBounds(lower, upper),
				download.WithLogger(a.logger),
			)
			if err != nil {
				return err
			}
			defer dl.Close()

			if err := dl.WaitForInit(timeout); err != nil {
				return fmt.Errorf("initialize %s: %w", args[1], err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			errOut := cmd.ErrOrStderr()
			var last uint64
			err = dl.FetchAll(ctx, p, func(total, done uint64) {
				if done != last || done == 0 {
					fmt.Fprintf(errOut, "\r%s / %s", formatSize(done), formatSize(total))
					last = done
				}
			})
			fmt.Fprintln(errOut)
			if err != nil {
				return err
			}

			ns := dl.NetworkStats()
			fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s in %d requests (%s)\n",
				formatSize(ns.BytesDownloaded), ns.RequestsCompleted, ns.DownloadTime.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&populate, "populate", nil, "Local packages to copy matching entries from")
	cmd.Flags().StringVar(&priority, "priority", "default", "Fetch priority (low, medium, default, high, critical)")
	cmd.Flags().DurationVar(&timeout, "init-timeout", time.Minute, "How long to wait for the header and file table (0 waits forever)")
	cmd.Flags().Uint64Var(&lower, "min-request", download.DefaultLowerRequestSize, "Smallest adaptive request size in bytes")
	cmd.Flags().Uint64Var(&upper, "max-request", download.DefaultUpperRequestSize, "Largest adaptive request size in bytes")
	return cmd
}
