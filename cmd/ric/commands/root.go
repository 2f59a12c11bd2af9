package commands

import (
	"github.com/spf13/cobra"

	"ric/internal/config"
)

// NewRootCmd constructs the root Cobra command that all ric subcommands
// attach to, grounded on 54b3r-tfai-go's NewRootCmd: a persistent --config
// flag, a PersistentPreRunE that loads configuration once before any
// subcommand runs, and SilenceUsage/SilenceErrors so command errors flow
// through main's own exit-code mapping instead of cobra's default usage
// dump.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ric",
		Short: "ric serves and provisions the Retrieval & Ingestion Core",
		Long: `ric is the operational CLI for the Retrieval & Ingestion Core (RIC):
a service that ingests content into owner-scoped chunks and serves hybrid
semantic/lexical search over them.

Configuration is read from the environment (optionally via a .env file)
with an optional YAML overlay passed via --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			loadedConfig = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config overlay")

	root.AddCommand(
		NewServeCmd(),
		NewMigrateIndexesCmd(),
		NewVersionCmd(),
	)

	return root
}
