package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jimsync/jim/pkg/config"
	"github.com/jimsync/jim/pkg/policy"
)

type validateResult struct {
	Files            []string                 `json:"files"`
	ConnectedSystems []string                 `json:"connected_systems"`
	SyncRules        int                      `json:"sync_rules"`
	Policies         []string                 `json:"policies,omitempty"`
	Errors           []config.ValidationError `json:"errors,omitempty"`
}

func newValidateCommand(opts *RootOptions) *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate sync definitions and export policies",
		Long: `Validate CUE sync definitions without touching the database.

This command checks:
  - CUE syntax and schema conformance
  - references between object types, attributes and sync rules
  - that export policies compile (with --policies)`,
		Example: `  # Validate the definitions named in the config file
  jim validate -c jim.yaml

  # Validate a directory of definitions and a policy directory
  jim validate ./definitions --policies ./policies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)

			sources := args
			if len(sources) == 0 {
				cfg, err := loadConfig(opts)
				if err != nil {
					return out.Fail(ExitCommandError, "no definitions to validate", err)
				}
				sources = cfg.Definitions
			}

			parser := config.NewDefinitionParser()
			parsed, err := parser.Parse(cmd.Context(), sources)
			if err != nil {
				return out.Fail(ExitCommandError, "failed to read definitions", err)
			}

			result := validateResult{
				Files:     parsed.SourceFiles,
				SyncRules: len(parsed.Definitions.SyncRules),
				Errors:    parsed.Errors,
			}

			model, err := parsed.Model()
			if err != nil {
				if out.Format != "json" {
					writeValidation(out.Writer, result)
				}
				return out.Fail(ExitFailure, "definitions are invalid", err)
			}
			result.ConnectedSystems = model.ConnectedSystemIDs()

			if len(policyPaths) > 0 {
				gate, err := policy.NewEngine(zerolog.Nop())
				if err != nil {
					return out.Fail(ExitCommandError, "failed to start policy engine", err)
				}
				if err := gate.LoadPolicies(cmd.Context(), policyPaths); err != nil {
					return out.Fail(ExitFailure, "policies are invalid", err)
				}
				for _, p := range gate.ListPolicies() {
					result.Policies = append(result.Policies, p.Name)
				}
			}

			return out.Success(result, func(w io.Writer) { writeValidation(w, result) })
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policies", nil, "policy files or directories to compile")

	return cmd
}

func writeValidation(w io.Writer, r validateResult) {
	if len(r.Errors) > 0 {
		for _, ve := range r.Errors {
			fmt.Fprintf(w, "  ✗ %s\n", ve.Error())
		}
		return
	}
	fmt.Fprintf(w, "✓ Definitions valid (%d files, %d connected systems, %d sync rules)\n",
		len(r.Files), len(r.ConnectedSystems), r.SyncRules)
	if len(r.Policies) > 0 {
		fmt.Fprintf(w, "✓ %d policies compiled\n", len(r.Policies))
	}
}
