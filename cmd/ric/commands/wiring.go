// Package commands defines the Cobra CLI commands for the ric binary,
// adapted from 54b3r-tfai-go's cmd/tfai/commands package (the teacher itself
// hand-rolls flag/os.Args across its many cmd/* binaries and never imports
// cobra, despite carrying it in go.mod; 54b3r-tfai-go is the pack repo that
// actually exercises it end to end and is followed here instead).
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ric/internal/config"
	"ric/internal/embed"
	"ric/internal/episode"
	"ric/internal/ingest"
	"ric/internal/logging"
	"ric/internal/objectstore"
	"ric/internal/retrieve"
	"ric/internal/ricerrors"
	"ric/internal/service"
	"ric/internal/store"
	"ric/internal/telemetry"

	"github.com/rs/zerolog"
)

// configPath holds the --config flag value shared across subcommands.
var configPath string

// loadedConfig is populated by PersistentPreRunE before any subcommand runs.
var loadedConfig config.Config

// zerologLogger adapts logging.Log to service.Logger, the same shape the
// teacher's rag/service.Logger interface expects of its zerolog-backed
// caller.
type zerologLogger struct{ log zerolog.Logger }

func (z zerologLogger) Info(msg string, fields map[string]any) {
	ev := z.log.Info()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (z zerologLogger) Error(msg string, fields map[string]any) {
	ev := z.log.Error()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// bootstrap is everything a subcommand needs: the wired Service plus its
// store Manager and a shutdown func for the telemetry exporters.
// migrate-indexes does not use it; it builds its own store Manager.
type bootstrap struct {
	Service  *service.Service
	Manager  store.Manager
	Shutdown func(context.Context) error
}

// buildService wires the six RIC components behind a Service exactly the
// way internal/service's own tests do, generalized from deterministic test
// fixtures to the configured embedder/store backends. Grounded on the
// teacher's internal/rag/service bootstrap: logging.Configure first, then
// telemetry.Setup, then the store/embedder/pipeline chain, matching the
// order internal/rag's own main wiring uses.
func buildService(ctx context.Context, cfg config.Config) (bootstrap, error) {
	logging.Configure(cfg.LogLevel, "")

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.OTLPEndpoint != "",
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Telemetry.Environment,
	})
	if err != nil {
		return bootstrap{}, ricerrors.Wrap(ricerrors.Internal, "initialize telemetry", err)
	}

	mgr, err := store.NewManager(ctx, cfg.Store)
	if err != nil {
		return bootstrap{}, err
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return bootstrap{}, err
	}

	blobs, err := buildObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return bootstrap{}, err
	}

	pipeline := ingest.NewPipeline(
		embedder, mgr.Document, mgr.Vector, mgr.Text,
		episode.NewEmitter(episode.NewMemorySink(), episode.NoopFactExtractor{}, time.Now),
		uuid.NewString, time.Now,
	)
	pipeline.Blobs = blobs
	pipeline.SubCallTimeout = cfg.PerSubCallTimeout()

	semantic := &retrieve.SemanticSearcher{Vector: mgr.Vector, Embedder: embedder}
	lexical := &retrieve.LexicalSearcher{Text: mgr.Text}

	defaultRetrieve := cfg.Retrieve
	defaultRetrieve.PerCallTimeout = cfg.PerSubCallTimeout()

	meter := telemetry.NewMeter("ric")
	svc := service.New(pipeline, mgr.Document, mgr.Vector, mgr.Text, semantic, lexical,
		service.WithLogger(zerologLogger{log: logging.Component("service")}),
		service.WithMetrics(meter),
		service.WithDefaultChunking(cfg.Chunking),
		service.WithDefaultRetrieve(defaultRetrieve),
		service.WithDefaultMaxConcurrency(cfg.IngestMaxConcurrency),
		service.WithRequestDeadline(cfg.RequestDeadline()),
	)

	return bootstrap{Service: svc, Manager: mgr, Shutdown: shutdown}, nil
}

// buildEmbedder selects an HTTPEmbedder when a base URL is configured,
// falling back to the dependency-free DeterministicEmbedder otherwise (local
// smoke-testing and `memory` backend demos without a real embedding
// provider reachable).
func buildEmbedder(cfg config.Config) (embed.Embedder, error) {
	if cfg.Embedding.BaseURL == "" {
		return embed.NewDeterministicEmbedder(cfg.Store.Dimension, true, 1), nil
	}
	e, err := embed.NewHTTPEmbedder(cfg.Embedding, cfg.Store.Dimension, cfg.EmbedCacheSize, cfg.EmbedBatchSize, cfg.EmbedRetry)
	if err != nil {
		return nil, ricerrors.Wrap(ricerrors.DependencyUnavailable, "construct embedder", err)
	}
	return e, nil
}

func buildObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.ObjectStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return objectstore.NewMemoryStore(), nil
	case "s3":
		s3, err := objectstore.NewS3Store(ctx, cfg.S3Config())
		if err != nil {
			return nil, ricerrors.Wrap(ricerrors.DependencyUnavailable, "construct s3 object store", err)
		}
		return s3, nil
	default:
		return nil, ricerrors.New(ricerrors.BadInput, fmt.Sprintf("unsupported object store backend: %s", cfg.Backend))
	}
}

// ExitCode maps an error returned from the root command into the exit codes
// named by the CLI contract: 0 ok, 1 config error, 2 store unreachable, 3
// index mismatch. Any error that is not a *ricerrors.Error (or wraps one)
// defaults to 1, treating it as a configuration/usage problem.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch ricerrors.KindOf(err) {
	case ricerrors.DependencyUnavailable:
		return 2
	case ricerrors.DimensionMismatch:
		return 3
	default:
		return 1
	}
}
