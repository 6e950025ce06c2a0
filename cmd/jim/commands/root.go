package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds the persistent flags shared by every command.
type RootOptions struct {
	ConfigPath  string
	Definitions []string
	Format      string
	Verbose     bool
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout(), Verbose: o.Verbose}
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := NewRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// NewRootCommand builds the jim command tree.
func NewRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &RootOptions{}

	rootCmd := &cobra.Command{
		Use:   "jim",
		Short: "jim - identity synchronization engine",
		Long: `jim synchronizes identity objects between connected systems through a
central metaverse.

Import feeds bring connected system objects in, sync joins or projects them
to metaverse objects and flows attributes, and export passes send staged
pending exports back out to the connected systems.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid format %q", opts.Format)}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "runtime config file (YAML)")
	rootCmd.PersistentFlags().StringSliceVarP(&opts.Definitions, "definitions", "d", nil, "CUE sync definition files or directories")
	rootCmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newImportCommand(opts))
	rootCmd.AddCommand(newSyncCommand(opts))
	rootCmd.AddCommand(newDriftCommand(opts))
	rootCmd.AddCommand(newExportCommand(opts))
	rootCmd.AddCommand(newPendingCommand(opts))
	rootCmd.AddCommand(newActivityCommand(opts))

	return rootCmd
}
