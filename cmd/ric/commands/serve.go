package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ric/internal/logging"
)

// NewServeCmd constructs the `ric serve` command. RIC's external interfaces
// (IngestContent, Search, DeleteDocument, GetDocumentCounts) are a library
// surface a transport layer calls into, not an HTTP API RIC itself exposes,
// so serve's job is the operational half of that contract: wire the store,
// embedder, and pipeline and hold the process open. Store construction
// connects to the configured backend (the Postgres pool is pinged); the
// embedder is constructed but not contacted at startup. This is the same long-lived-and-healthy posture 54b3r-tfai-go's serve
// command gives its HTTP+web-UI server, minus the listener this spec's
// non-goals place out of scope.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Wire and hold open the RIC service process",
		Long: `Start the RIC service process: connect to the configured store, set
up the embedding provider client (not contacted at startup), wire the
ingestion pipeline and retrieval engine, and block until SIGINT/SIGTERM.

Exit codes: 0 clean shutdown, 1 configuration error, 2 store unreachable,
3 index dimension mismatch.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			boot, err := buildService(ctx, loadedConfig)
			if err != nil {
				return err
			}
			defer func() { _ = boot.Shutdown(context.Background()) }()

			log := logging.Component("serve")
			log.Info().
				Str("store_backend", loadedConfig.Store.Backend).
				Int("vector_dimension", loadedConfig.Store.Dimension).
				Msg("ric service wired, awaiting shutdown signal")

			<-ctx.Done()
			log.Info().Msg("shutdown signal received, stopping")
			return nil
		},
	}
	return cmd
}
