package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jimsync/jim/pkg/engine"
	"github.com/jimsync/jim/pkg/telemetry"
)

func newSyncCommand(opts *RootOptions) *cobra.Command {
	var (
		all      bool
		objectID string
	)

	cmd := &cobra.Command{
		Use:   "sync [system...]",
		Short: "Synchronize connected system objects with the metaverse",
		Long: `Sync joins or projects the objects of a connected system to metaverse
objects, flows their attributes into the metaverse, stages exports for the
other connected systems and corrects drift on objects governed by rules that
enforce state.`,
		Example: `  # Sync one system
  jim sync hr

  # Sync every system in definition order
  jim sync --all

  # Sync a single connected system object
  jim sync --object 3f2a...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)

			if objectID == "" && !all && len(args) == 0 {
				return out.Fail(ExitCommandError, "name a system, use --all or --object", nil)
			}

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return out.Fail(ExitCode(err), "failed to start", err)
			}
			defer rt.Close()

			if objectID != "" {
				result, err := rt.syncer.SynchronizeObject(rt.ctx, objectID)
				if err != nil {
					return out.Fail(ExitFailure, "sync failed", err)
				}
				return out.Success(result, func(w io.Writer) { writeObjectSync(w, objectID, result) })
			}

			systems := args
			if all {
				systems = rt.model.ConnectedSystemIDs()
			}

			summaries := make([]engine.ActivitySummary, 0, len(systems))
			for _, systemID := range systems {
				if err := rt.requireSystem(systemID); err != nil {
					return out.Fail(ExitCommandError, "sync failed", err)
				}

				pass := telemetry.StartPass(rt.ctx, "sync", systemID)
				summary, err := rt.syncer.Synchronize(pass.Ctx, systemID)
				pass.End(&summary, err)
				if err != nil {
					return out.Fail(ExitFailure, "sync of "+systemID+" failed", err)
				}
				summaries = append(summaries, summary)
			}
			for _, systemID := range rt.model.ConnectedSystemIDs() {
				rt.refreshPendingGauge(systemID)
			}

			return out.Success(summaries, func(w io.Writer) {
				for _, s := range summaries {
					writeSummary(w, s)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "sync every connected system")
	cmd.Flags().StringVar(&objectID, "object", "", "sync one connected system object by ID")
	cmd.MarkFlagsMutuallyExclusive("all", "object")

	return cmd
}

func writeObjectSync(w io.Writer, csoID string, r engine.ObjectSyncResult) {
	fmt.Fprintf(w, "object %s", csoID)
	if r.MetaverseObjectID != "" {
		fmt.Fprintf(w, " -> metaverse object %s", r.MetaverseObjectID)
	}
	fmt.Fprintln(w)

	switch {
	case r.Joined:
		fmt.Fprintln(w, "  joined")
	case r.Projected:
		fmt.Fprintln(w, "  projected")
	case r.Disconnected:
		fmt.Fprintln(w, "  disconnected")
	}
	fmt.Fprintf(w, "  metaverse updated=%t provisioned=%d exports staged=%d drift corrections=%d\n",
		r.MetaverseUpdated, r.Provisioned, r.ExportsStaged, r.DriftCorrections)
}
