package commands

import (
	"io"

	"github.com/spf13/cobra"
)

func newActivityCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the summaries of recent passes",
	}

	var (
		systemID string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent import, sync and export passes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := opts.output(cmd)

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return out.Fail(ExitCode(err), "failed to start", err)
			}
			defer rt.Close()

			records, err := rt.store.ListActivities(rt.ctx, systemID, limit)
			if err != nil {
				return out.Fail(ExitFailure, "failed to list activities", err)
			}

			return out.Success(records, func(w io.Writer) {
				for _, r := range records {
					writeSummary(w, r.Summary)
				}
			})
		},
	}
	list.Flags().StringVar(&systemID, "system", "", "only list passes of this connected system")
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of passes")

	cmd.AddCommand(list)
	return cmd
}
