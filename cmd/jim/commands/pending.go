package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jimsync/jim/pkg/engine"
)

func newPendingCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and retry pending exports",
	}

	cmd.AddCommand(newPendingListCommand(opts))
	cmd.AddCommand(newPendingShowCommand(opts))
	cmd.AddCommand(newPendingRetryCommand(opts))

	return cmd
}

func newPendingListCommand(opts *RootOptions) *cobra.Command {
	var (
		systemID string
		status   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending exports",
		Example: `  # Failed exports of every system
  jim pending list --status failed

  # Everything staged for ad
  jim pending list --system ad`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := opts.output(cmd)

			var want engine.PendingExportStatus
			if status != "" {
				want = engine.PendingExportStatus(status)
				if err := want.Validate(); err != nil {
					return out.Fail(ExitCommandError, "invalid --status", err)
				}
			}

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return out.Fail(ExitCode(err), "failed to start", err)
			}
			defer rt.Close()

			exports, err := rt.exports.List(rt.ctx, systemID)
			if err != nil {
				return out.Fail(ExitFailure, "failed to list pending exports", err)
			}
			if want != "" {
				filtered := exports[:0]
				for _, pe := range exports {
					if pe.Status == want {
						filtered = append(filtered, pe)
					}
				}
				exports = filtered
			}

			return out.Success(exports, func(w io.Writer) { writePendingTable(w, exports) })
		},
	}

	cmd.Flags().StringVar(&systemID, "system", "", "only list exports of this connected system")
	cmd.Flags().StringVar(&status, "status", "", "only list exports in this status")

	return cmd
}

func newPendingShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a pending export and its changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return out.Fail(ExitCode(err), "failed to start", err)
			}
			defer rt.Close()

			pe, err := rt.store.GetPendingExport(rt.ctx, args[0])
			if err != nil {
				return out.Fail(ExitFailure, "failed to load pending export", err)
			}

			return out.Success(pe, func(w io.Writer) { writePendingExport(w, pe) })
		},
	}
}

func newPendingRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id...>",
		Short: "Reset failed pending exports for another attempt",
		Long: `Retry resets the error count and retry delay of pending exports so the next
export pass selects them again.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return out.Fail(ExitCode(err), "failed to start", err)
			}
			defer rt.Close()

			retried := make([]*engine.PendingExport, 0, len(args))
			for _, id := range args {
				pe, err := rt.exports.Retry(rt.ctx, id)
				if err != nil {
					return out.Fail(ExitFailure, "failed to retry "+id, err)
				}
				rt.logger.Info().Str("pending_export_id", id).Msg("Pending export reset for retry")
				retried = append(retried, pe)
			}

			return out.Success(retried, func(w io.Writer) {
				for _, pe := range retried {
					fmt.Fprintf(w, "%s: %s\n", pe.ID, pe.Status)
				}
			})
		},
	}
}

func writePendingTable(w io.Writer, exports []*engine.PendingExport) {
	if len(exports) == 0 {
		fmt.Fprintln(w, "No pending exports")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSYSTEM\tOBJECT\tCHANGE\tSTATUS\tERRORS\tNEXT RETRY")
	for _, pe := range exports {
		next := "-"
		if pe.NextRetryAt != nil {
			next = pe.NextRetryAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			pe.ID, pe.ConnectedSystemID, pe.ConnectedSystemObjectID, pe.ChangeType, pe.Status,
			pe.ErrorCount, pe.MaxRetries, next)
	}
	_ = tw.Flush()
}

func writePendingExport(w io.Writer, pe *engine.PendingExport) {
	fmt.Fprintf(w, "Pending export %s\n", pe.ID)
	fmt.Fprintf(w, "  system:  %s\n", pe.ConnectedSystemID)
	fmt.Fprintf(w, "  object:  %s\n", pe.ConnectedSystemObjectID)
	fmt.Fprintf(w, "  change:  %s\n", pe.ChangeType)
	fmt.Fprintf(w, "  status:  %s (errors %d/%d)\n", pe.Status, pe.ErrorCount, pe.MaxRetries)
	if pe.LastError != "" {
		fmt.Fprintf(w, "  error:   %s\n", pe.LastError)
	}
	for _, c := range pe.AttributeValueChanges {
		value := "<cleared>"
		if c.Value != nil {
			value = c.Value.String()
		}
		if c.UnresolvedReference {
			value += " (unresolved)"
		}
		state := "pending"
		if c.ExportedAt != nil {
			state = "exported " + c.ExportedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  %s %s %s [%s]\n", c.ChangeType, c.AttributeID, value, state)
	}
}
