package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jimsync/jim/pkg/protocol"
	"github.com/jimsync/jim/pkg/telemetry"
)

func newExportCommand(opts *RootOptions) *cobra.Command {
	var (
		outPath string
		inPath  string
	)

	cmd := &cobra.Command{
		Use:   "export <system>",
		Short: "Send due pending exports to a connected system",
		Long: `Export writes every due pending export of a connected system as an EXPORT
line to the export feed, followed by an END line.

Without --in the feed is one-way and a written export counts as sent; a later
confirming import verifies it. With --in the connected system answers every
EXPORT with a RESULT or ERROR line on the answer feed, and failed exports are
retried with backoff on later runs.`,
		Example: `  # Write exports for ad to a file
  jim export ad --out ad-exports.jsonl

  # Exchange exports with a connector over named pipes
  jim export ad --out /run/jim/ad.req --in /run/jim/ad.resp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)
			systemID := args[0]
			if outPath == "-" {
				out.Writer = cmd.ErrOrStderr()
			}

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return out.Fail(ExitCode(err), "failed to start", err)
			}
			defer rt.Close()

			if err := rt.requireSystem(systemID); err != nil {
				return out.Fail(ExitCommandError, "export failed", err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return out.Fail(ExitCommandError, "failed to create export feed", err)
				}
				defer f.Close()
				w = f
			}

			conn := protocol.NewStreamConnector(w)
			if inPath != "" {
				r, err := os.Open(inPath)
				if err != nil {
					return out.Fail(ExitCommandError, "failed to open answer feed", err)
				}
				defer r.Close()
				conn = protocol.NewDuplexConnector(w, r)
			}

			pass := telemetry.StartPass(rt.ctx, "export", systemID)
			summary, err := rt.executor.Execute(pass.Ctx, systemID, conn)
			pass.End(&summary, err)
			if cerr := conn.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to finish export feed: %w", cerr)
			}
			rt.refreshPendingGauge(systemID)
			if err != nil {
				return out.Fail(ExitFailure, "export failed", err)
			}

			if err := out.Success(summary, func(w io.Writer) { writeSummary(w, summary) }); err != nil {
				return err
			}
			if summary.ExportsFailed > 0 {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d exports failed", summary.ExportsFailed)}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "export feed path (- for standard output)")
	cmd.Flags().StringVarP(&inPath, "in", "i", "", "answer feed path; enables result handling")

	return cmd
}
