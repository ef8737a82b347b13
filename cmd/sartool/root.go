package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/meigma/sar"
	"github.com/meigma/sar/internal/format"
)

// app holds state shared by all commands.
type app struct {
	verbose bool
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "sartool",
		Short:         "Inspect and unpack SAR packages",
		Long:          "sartool lists, extracts, dumps and downloads SAR content packages.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.logger = newLogger(cmd.ErrOrStderr(), a.verbose)
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Write detailed progress to stderr")

	root.AddCommand(
		newListCmd(a),
		newExtractCmd(a),
		newDumpJSONCmd(a, false),
		newDumpJSONCmd(a, true),
		newPrintVersionCmd(),
		newPrintChangelistCmd(),
		newStatsCmd(a),
		newInspectCmd(a),
		newDownloadCmd(a),
	)
	return root
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	if !verbose {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// open opens the package at path with the command's logger.
func (a *app) open(path string) (*sar.Archive, error) {
	return sar.Open(path, sar.WithLogger(a.logger))
}

// readHeader decodes only the header of the package at path.
func readHeader(path string) (format.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return format.Header{}, err
	}
	defer f.Close()

	buf := make([]byte, format.HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return format.Header{}, err
	}
	return format.DecodeHeader(buf)
}
