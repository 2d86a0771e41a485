package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/mirage/internal/ir"
)

// VersionInfo is printed by the version command.
type VersionInfo struct {
	Kernel string `json:"kernel"`
	Trace  string `json:"trace"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kernel and trace format versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := VersionInfo{Kernel: ir.KernelVersion, Trace: ir.TraceVersion}
			formatter := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if rootOpts.Format == "json" {
				return formatter.Success(info)
			}
			fmt.Fprintf(formatter.Writer, "mirage %s (trace v%s)\n", info.Kernel, info.Trace)
			return nil
		},
	}
}
