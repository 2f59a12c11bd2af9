package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ric/internal/ricerrors"
)

// Config selects and configures store backends. Adapted from
// internal/persistence/databases/factory.go's config.DBConfig shape,
// collapsed to the two backends RIC needs (vector + lexical text share one
// Postgres connection; "memory" and "qdrant" are the alternatives).
type Config struct {
	Backend    string // "memory" | "postgres" | "qdrant" (vector only, text falls back to memory)
	DSN        string
	Dimension  int
	Metric     string // cosine|l2|ip
	QdrantDSN  string
	Collection string
}

// Manager bundles the three store roles the rest of RIC depends on. A single
// backend (Postgres, Memory) commonly implements all three; Qdrant only
// implements VectorStore, so a mixed deployment pairs it with a Postgres or
// Memory DocumentStore/TextSearch.
type Manager struct {
	Vector   VectorStore
	Text     TextSearch
	Document DocumentStore
}

// NewManager constructs a Manager from Config, mirroring the teacher's
// per-backend-role switch in factory.go's NewManager, generalized from three
// independent roles (search/vector/graph) to RIC's vector+text+document
// roles which are usually backed by the same connection.
func NewManager(ctx context.Context, cfg Config) (Manager, error) {
	switch cfg.Backend {
	case "", "memory":
		mem := NewMemory(cfg.Dimension)
		return Manager{Vector: mem, Text: mem, Document: mem}, nil

	case "postgres", "pg":
		if cfg.DSN == "" {
			return Manager{}, ricerrors.New(ricerrors.BadInput, "postgres backend requires a DSN")
		}
		pool, err := newPool(ctx, cfg.DSN)
		if err != nil {
			return Manager{}, ricerrors.Wrap(ricerrors.DependencyUnavailable, "connect postgres", err)
		}
		pg, err := NewPostgres(ctx, pool, cfg.Dimension, cfg.Metric)
		if err != nil {
			pool.Close()
			return Manager{}, err
		}
		return Manager{Vector: pg, Text: pg, Document: pg}, nil

	case "qdrant":
		if cfg.QdrantDSN == "" {
			return Manager{}, ricerrors.New(ricerrors.BadInput, "qdrant backend requires QdrantDSN")
		}
		qd, err := NewQdrant(ctx, cfg.QdrantDSN, cfg.Collection, cfg.Dimension, cfg.Metric)
		if err != nil {
			return Manager{}, err
		}
		// Qdrant carries vectors only; document metadata and lexical search
		// fall back to an in-memory store unless a DSN was also supplied for
		// the Postgres side of a mixed deployment.
		if cfg.DSN != "" {
			pool, err := newPool(ctx, cfg.DSN)
			if err != nil {
				return Manager{}, ricerrors.Wrap(ricerrors.DependencyUnavailable, "connect postgres (mixed qdrant deployment)", err)
			}
			pg, err := NewPostgres(ctx, pool, cfg.Dimension, cfg.Metric)
			if err != nil {
				pool.Close()
				return Manager{}, err
			}
			return Manager{Vector: qd, Text: pg, Document: pg}, nil
		}
		mem := NewMemory(cfg.Dimension)
		return Manager{Vector: qd, Text: mem, Document: mem}, nil

	default:
		return Manager{}, ricerrors.New(ricerrors.BadInput, fmt.Sprintf("unsupported store backend: %s", cfg.Backend))
	}
}

// IndexEnsurer is implemented by backends that need an explicit, idempotent
// migration step (Postgres, Qdrant); Memory has nothing to provision so it
// does not implement it.
type IndexEnsurer interface {
	EnsureIndexes(ctx context.Context, dimension int) error
}

// EnsureIndexes drives the `migrate-indexes` CLI command: it re-provisions
// (or validates, if already provisioned) every backend role the Manager
// bundles, surfacing a ricerrors.DimensionMismatch if any role's existing
// schema/collection disagrees with dimension.
func (m Manager) EnsureIndexes(ctx context.Context, dimension int) error {
	seen := make(map[IndexEnsurer]bool)
	for _, role := range []any{m.Vector, m.Text, m.Document} {
		ensurer, ok := role.(IndexEnsurer)
		if !ok || seen[ensurer] {
			continue
		}
		seen[ensurer] = true
		if err := ensurer.EnsureIndexes(ctx, dimension); err != nil {
			return err
		}
	}
	return nil
}

func newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = 8
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
