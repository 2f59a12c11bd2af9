package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"ric/internal/version"
)

// NewVersionCmd constructs `ric version`, printing the build version set via
// -ldflags "-X ric/internal/version.Version=<version>", mirroring the
// teacher's version.Version build-time injection convention.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ric build version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
			return nil
		},
	}
}
