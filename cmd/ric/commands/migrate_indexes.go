package commands

import (
	"github.com/spf13/cobra"

	"ric/internal/logging"
	"ric/internal/store"
)

// NewMigrateIndexesCmd constructs the `ric migrate-indexes` command: an
// idempotent step that ensures the configured store's vector/text indexes
// exist with the configured dimension, per spec's CLI contract. It is safe
// to run against an already-provisioned store (it validates rather than
// re-creates) and against a fresh one (it provisions).
func NewMigrateIndexesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate-indexes",
		Short: "Ensure the configured store's indexes exist at the configured dimension",
		Long: `Connect to the configured store backend and ensure its vector/text
indexes exist with the configured dimension, creating them if they are
missing.

Exit codes: 0 ok, 1 configuration error, 2 store unreachable, 3 an existing
index/collection disagrees with the configured dimension.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			mgr, err := store.NewManager(ctx, loadedConfig.Store)
			if err != nil {
				return err
			}

			if err := mgr.EnsureIndexes(ctx, loadedConfig.Store.Dimension); err != nil {
				return err
			}

			log := logging.Component("migrate-indexes")
			log.Info().
				Str("store_backend", loadedConfig.Store.Backend).
				Int("vector_dimension", loadedConfig.Store.Dimension).
				Msg("indexes ensured")
			return nil
		},
	}
	return cmd
}
