package commands

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/jimsync/jim/pkg/engine"
	"github.com/jimsync/jim/pkg/protocol"
	"github.com/jimsync/jim/pkg/telemetry"
)

func newImportCommand(opts *RootOptions) *cobra.Command {
	var (
		feedPath string
		full     bool
	)

	cmd := &cobra.Command{
		Use:   "import <system>",
		Short: "Import a connected system feed",
		Long: `Import reads a JSON-lines feed of OBJECT records for one connected system and
updates its connected system objects. Records that cannot be processed are
rejected and counted without stopping the run. Exported changes the feed
shows are confirmed.

A full import marks every object the feed did not contain as obsolete.`,
		Example: `  # Delta import from a file
  jim import hr --feed hr-delta.jsonl

  # Full import from standard input
  hr-extract | jim import hr --feed - --full`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)
			systemID := args[0]

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return out.Fail(ExitCode(err), "failed to start", err)
			}
			defer rt.Close()

			if err := rt.requireSystem(systemID); err != nil {
				return out.Fail(ExitCommandError, "import failed", err)
			}

			src, err := protocol.OpenFeed(feedPath)
			if err != nil {
				return out.Fail(ExitCommandError, "import failed", err)
			}
			defer src.Close()

			pass := telemetry.StartPass(rt.ctx, "import", systemID)
			summary, err := rt.importer.Import(pass.Ctx, systemID, src, engine.ImportOptions{Full: full})
			pass.End(&summary, err)
			rt.refreshPendingGauge(systemID)
			if err != nil {
				return out.Fail(ExitFailure, "import failed", err)
			}

			return out.Success(summary, func(w io.Writer) { writeSummary(w, summary) })
		},
	}

	cmd.Flags().StringVarP(&feedPath, "feed", "f", "-", "import feed path (- for standard input)")
	cmd.Flags().BoolVar(&full, "full", false, "mark objects missing from the feed as obsolete")

	return cmd
}
