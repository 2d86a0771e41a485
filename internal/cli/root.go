package cli

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"
)

// FormatEnv sets the default for --format.
const FormatEnv = "MIRAGE_FORMAT"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Command groups shown in help.
const (
	groupMachine = "machine"
	groupAudit   = "audit"
)

// NewRootCommand creates the root command for the mirage CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "mirage",
		Short: "mirage - a message-passing microkernel",
		Long: `A microkernel core: process table and priority scheduler, bounded IPC
inboxes, and a domain registry whose authorization engine decides every send.

Machines are described by CUE boot manifests. Runs are recorded to a SQLite
audit log and can be inspected with the trace command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", defaultFormat(),
		"output format (json|text), defaults to $"+FormatEnv+" or text")

	cmd.AddGroup(
		&cobra.Group{ID: groupMachine, Title: "Machine commands:"},
		&cobra.Group{ID: groupAudit, Title: "Audit commands:"},
	)
	for _, sub := range []struct {
		group string
		cmd   *cobra.Command
	}{
		{groupMachine, NewValidateCommand(opts)},
		{groupMachine, NewRunCommand(opts)},
		{groupMachine, NewTestCommand(opts)},
		{groupAudit, NewTraceCommand(opts)},
		{"", NewVersionCommand(opts)},
	} {
		sub.cmd.GroupID = sub.group
		cmd.AddCommand(sub.cmd)
	}

	return cmd
}

// defaultFormat reads FormatEnv. An unknown value is kept so that the
// pre-run check reports it.
func defaultFormat() string {
	if f, ok := os.LookupEnv(FormatEnv); ok && f != "" {
		return f
	}
	return "text"
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
