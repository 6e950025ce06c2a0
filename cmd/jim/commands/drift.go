package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jimsync/jim/pkg/engine"
	"github.com/jimsync/jim/pkg/telemetry"
)

func newDriftCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect and correct attribute drift",
		Long: `Drift compares the attributes of connected system objects against what the
export rules that enforce state would write, and reports or corrects the
differences.`,
	}

	cmd.AddCommand(newDriftDetectCommand(opts))
	cmd.AddCommand(newDriftReconcileCommand(opts))

	return cmd
}

type driftReport struct {
	ObjectID    string             `json:"object_id"`
	SkipReason  string             `json:"skip_reason,omitempty"`
	Drifts      []driftedAttribute `json:"drifts,omitempty"`
	Corrections int                `json:"corrections"`
}

type driftedAttribute struct {
	SyncRule  string   `json:"sync_rule"`
	Attribute string   `json:"attribute"`
	Expected  []string `json:"expected"`
	Actual    []string `json:"actual"`
}

func newDriftReport(csoID string, r engine.DriftResult) driftReport {
	report := driftReport{ObjectID: csoID, SkipReason: r.SkipReason, Corrections: len(r.PendingExports)}
	for _, d := range r.Drifts {
		report.Drifts = append(report.Drifts, driftedAttribute{
			SyncRule:  d.SyncRuleID,
			Attribute: d.AttributeID,
			Expected:  valueStrings(d.Expected),
			Actual:    valueStrings(d.Actual),
		})
	}
	return report
}

func valueStrings(values []engine.Value) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.String())
	}
	return out
}

func newDriftDetectCommand(opts *RootOptions) *cobra.Command {
	var systemID string

	cmd := &cobra.Command{
		Use:   "detect [object-id...]",
		Short: "Report drift without staging corrections",
		Example: `  # Check every object of a system
  jim drift detect --system ad

  # Check specific objects
  jim drift detect 3f2a... 9c41...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)
			if systemID == "" && len(args) == 0 {
				return out.Fail(ExitCommandError, "name objects or use --system", nil)
			}

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return out.Fail(ExitCode(err), "failed to start", err)
			}
			defer rt.Close()

			ids := args
			if systemID != "" {
				if err := rt.requireSystem(systemID); err != nil {
					return out.Fail(ExitCommandError, "drift detection failed", err)
				}
				objects, err := rt.store.ListConnectedObjects(rt.ctx, systemID)
				if err != nil {
					return out.Fail(ExitFailure, "drift detection failed", err)
				}
				for _, cso := range objects {
					ids = append(ids, cso.ID)
				}
			}

			var reports []driftReport
			drifted := 0
			for _, id := range ids {
				if err := rt.ctx.Err(); err != nil {
					return out.Fail(ExitFailure, "drift detection cancelled", err)
				}
				result, err := rt.syncer.DetectDrift(rt.ctx, id)
				if err != nil {
					return out.Fail(ExitFailure, "drift detection failed for "+id, err)
				}
				if result.HasDrift() {
					drifted++
				}
				// a system sweep only lists drifted objects
				if systemID != "" && !result.HasDrift() {
					continue
				}
				reports = append(reports, newDriftReport(id, result))
			}

			rt.logger.Info().
				Int("checked", len(ids)).
				Int("drifted", drifted).
				Msg("Drift detection complete")

			return out.Success(reports, func(w io.Writer) {
				writeDriftReports(w, reports)
				fmt.Fprintf(w, "%d of %d objects drifted\n", drifted, len(ids))
			})
		},
	}

	cmd.Flags().StringVar(&systemID, "system", "", "check every object of a connected system")

	return cmd
}

func newDriftReconcileCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile <object-id...>",
		Short: "Sync objects and stage their drift corrections",
		Long: `Reconcile runs a sync of each object. Drift on attributes governed by export
rules that enforce state is staged as pending exports, which the next export
pass sends.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return out.Fail(ExitCode(err), "failed to start", err)
			}
			defer rt.Close()

			reports := make([]driftReport, 0, len(args))
			for _, id := range args {
				pass := telemetry.StartPass(rt.ctx, "drift", "")
				result, err := rt.syncer.SynchronizeObject(pass.Ctx, id)
				summary := engine.ActivitySummary{Operation: "drift", Processed: 1, DriftCorrections: result.DriftCorrections}
				pass.End(&summary, err)
				if err != nil {
					return out.Fail(ExitFailure, "reconcile failed for "+id, err)
				}
				report := newDriftReport(id, result.Drift)
				report.Corrections = result.DriftCorrections
				reports = append(reports, report)
			}

			return out.Success(reports, func(w io.Writer) { writeDriftReports(w, reports) })
		},
	}

	return cmd
}

func writeDriftReports(w io.Writer, reports []driftReport) {
	for _, r := range reports {
		switch {
		case r.SkipReason != "":
			fmt.Fprintf(w, "%s: skipped (%s)\n", r.ObjectID, r.SkipReason)
		case len(r.Drifts) == 0:
			fmt.Fprintf(w, "%s: no drift\n", r.ObjectID)
		default:
			fmt.Fprintf(w, "%s: %d drifted attributes, %d corrections\n", r.ObjectID, len(r.Drifts), r.Corrections)
			for _, d := range r.Drifts {
				fmt.Fprintf(w, "  %s (%s): expected [%s] actual [%s]\n", d.Attribute, d.SyncRule,
					strings.Join(d.Expected, ", "), strings.Join(d.Actual, ", "))
			}
		}
	}
}
