package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ric/internal/access"
	"ric/internal/ricerrors"
)

// Postgres is a pgvector + tsvector backed store, adapted from
// internal/persistence/databases/postgres_vector.go and
// internal/persistence/databases/postgres_search.go. Unlike the teacher's
// single-tenant embeddings/documents tables, the documents table here carries
// the full ACL column set and every chunk query joins it, so the
// access.Predicate can be translated into a SQL WHERE fragment and pushed
// into the query itself (spec.md §4.2:
// filtering happens in-store, not after rows are returned).
type Postgres struct {
	pool      *pgxpool.Pool
	dimension int
	metric    string // cosine|l2|ip
}

// NewPostgres bootstraps the documents/chunks tables and pgvector/pg_trgm
// extensions, mirroring the teacher's best-effort CREATE EXTENSION IF NOT
// EXISTS pattern (ignored if the connecting role lacks superuser).
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, dimension int, metric string) (*Postgres, error) {
	if dimension <= 0 {
		return nil, ricerrors.New(ricerrors.BadInput, "store: dimension must be positive")
	}
	if err := bootstrapSchema(ctx, pool, dimension); err != nil {
		return nil, err
	}
	return &Postgres{pool: pool, dimension: dimension, metric: strings.ToLower(strings.TrimSpace(metric))}, nil
}

// EnsureIndexes re-runs schema bootstrap against the already-open connection,
// satisfying the `migrate-indexes` CLI contract's requirement that the
// operation be safe to invoke against a live, already-provisioned store. A
// dimension mismatch against an existing chunks.vec column surfaces as
// ricerrors.DimensionMismatch, same as it would have on first connect.
func (p *Postgres) EnsureIndexes(ctx context.Context, dimension int) error {
	return bootstrapSchema(ctx, p.pool, dimension)
}

// bootstrapSchema creates the pgvector/pg_trgm extensions and the
// documents/chunks tables if they do not exist, mirroring the teacher's
// best-effort CREATE EXTENSION IF NOT EXISTS pattern (ignored if the
// connecting role lacks superuser). It rejects a dimension that disagrees
// with an already-existing chunks.vec column before the CREATE TABLE IF NOT
// EXISTS below silently no-ops against it.
func bootstrapSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	_, _ = pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	_, _ = pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pg_trgm`)

	if existing, ok, err := existingVectorDimension(ctx, pool); err != nil {
		return ricerrors.Wrap(ricerrors.DependencyUnavailable, "inspect existing chunks.vec column", err)
	} else if ok && existing != dimension {
		return ricerrors.New(ricerrors.DimensionMismatch,
			fmt.Sprintf("chunks.vec column is dimension %d, configured dimension is %d", existing, dimension))
	}

	_, err := pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS documents (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  owner_email TEXT NOT NULL DEFAULT '',
  is_public BOOLEAN NOT NULL DEFAULT FALSE,
  shared_with TEXT[] NOT NULL DEFAULT '{}',
  group_ids TEXT[] NOT NULL DEFAULT '{}',
  source_type TEXT NOT NULL,
  canonical_key TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (owner_id, source_type, canonical_key)
);
CREATE TABLE IF NOT EXISTS chunks (
  id TEXT PRIMARY KEY,
  document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  idx INT NOT NULL,
  text TEXT NOT NULL,
  chapter_title TEXT NOT NULL DEFAULT '',
  start_char INT NOT NULL DEFAULT 0,
  end_char INT NOT NULL DEFAULT 0,
  vec vector(%d),
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  ts_simple tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text,''))) STORED
);
CREATE INDEX IF NOT EXISTS chunks_ts_simple_idx ON chunks USING GIN (ts_simple);
CREATE INDEX IF NOT EXISTS chunks_document_id_idx ON chunks (document_id);
CREATE INDEX IF NOT EXISTS chunks_text_trgm_idx ON chunks USING GIN (text gin_trgm_ops);
`, dimension))
	if err != nil {
		return ricerrors.Wrap(ricerrors.DependencyUnavailable, "bootstrap store schema", err)
	}
	return nil
}

// existingVectorDimension reports the width baked into chunks.vec's column
// type modifier. pgvector stores the configured dimension directly as the
// typmod (unlike varchar(n), there is no VARHDRSZ offset to subtract). ok is
// false when the chunks table or its vec column does not exist yet, which is
// the normal case on first bootstrap.
func existingVectorDimension(ctx context.Context, pool *pgxpool.Pool) (int, bool, error) {
	var typmod int
	err := pool.QueryRow(ctx, `
SELECT atttypmod FROM pg_attribute
WHERE attrelid = to_regclass('chunks') AND attname = 'vec' AND NOT attisdropped
`).Scan(&typmod)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if typmod <= 0 {
		return 0, false, nil
	}
	return typmod, true, nil
}

func (p *Postgres) Dimension() int { return p.dimension }

// aclFragment translates an AccessFilter into a SQL WHERE fragment when the
// filter is a compiled access.Predicate (the common case); for any other
// AccessFilter implementation it falls back to "no filter pushed down",
// relying on the caller to have already authorized the request, since an
// opaque predicate cannot be compiled to SQL.
func aclFragment(filter AccessFilter, argOffset int) (string, []any) {
	pr, ok := filter.(access.Predicate)
	if !ok || pr.Admin {
		return "", nil
	}
	var clauses []string
	var args []any
	n := argOffset
	if pr.PrincipalID != "" {
		n++
		clauses = append(clauses, fmt.Sprintf("d.owner_id = $%d", n))
		args = append(args, pr.PrincipalID)
	}
	if pr.PrincipalEmail != "" {
		n++
		clauses = append(clauses, fmt.Sprintf("d.owner_email = $%d", n))
		args = append(args, pr.PrincipalEmail)
	}
	clauses = append(clauses, "d.is_public")
	if pr.PrincipalID != "" {
		n++
		clauses = append(clauses, fmt.Sprintf("$%d = ANY(d.shared_with)", n))
		args = append(args, pr.PrincipalID)
	}
	if len(pr.Groups) > 0 {
		n++
		clauses = append(clauses, fmt.Sprintf("d.group_ids && $%d", n))
		args = append(args, pr.Groups)
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

func (p *Postgres) UpsertChunks(ctx context.Context, doc Document, chunks []Chunk) error {
	if len(chunks) > 0 && len(chunks[0].Embedding) != p.dimension {
		return ricerrors.New(ricerrors.DimensionMismatch, "chunk embedding dimension mismatch")
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return ricerrors.Wrap(ricerrors.DependencyUnavailable, "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO documents(id, owner_id, owner_email, is_public, shared_with, group_ids, source_type, canonical_key, title, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, metadata = EXCLUDED.metadata, updated_at = now()
`, doc.ID, doc.OwnerID, doc.OwnerEmail, doc.IsPublic, doc.SharedWith, doc.GroupIDs, string(doc.SourceType), doc.CanonicalKey, doc.Title, mapToJSON(doc.Metadata))
	if err != nil {
		return ricerrors.Wrap(ricerrors.Internal, "upsert document row", err)
	}

	for _, c := range chunks {
		_, err = tx.Exec(ctx, `
INSERT INTO chunks(id, document_id, idx, text, chapter_title, start_char, end_char, vec, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::vector,$9)
ON CONFLICT (id) DO UPDATE SET text=EXCLUDED.text, start_char=EXCLUDED.start_char, end_char=EXCLUDED.end_char, vec=EXCLUDED.vec, metadata=EXCLUDED.metadata
`, c.ID, doc.ID, c.Index, c.Text, c.ChapterTitle, c.StartChar, c.EndChar, toVectorLiteral(c.Embedding), mapToJSON(c.Metadata))
		if err != nil {
			return ricerrors.Wrap(ricerrors.Internal, "upsert chunk row", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ricerrors.Wrap(ricerrors.DependencyUnavailable, "commit transaction", err)
	}
	return nil
}

func (p *Postgres) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return ricerrors.Wrap(ricerrors.Internal, "delete document", err)
	}
	return nil
}

func (p *Postgres) SimilaritySearch(ctx context.Context, vector []float32, k int, filter AccessFilter) ([]VectorResult, error) {
	if k <= 0 {
		k = 10
	}
	op, scoreExpr := "<=>", "1 - (c.vec <=> $1::vector)"
	switch p.metric {
	case "l2", "euclidean":
		op, scoreExpr = "<->", "-(c.vec <-> $1::vector)"
	case "ip", "dot":
		op, scoreExpr = "<#>", "-(c.vec <#> $1::vector)"
	}

	acl, aclArgs := aclFragment(filter, 2)
	where := ""
	if acl != "" {
		where = "WHERE " + acl
	}
	args := append([]any{toVectorLiteral(vector)}, aclArgs...)
	args = append(args, k)
	limitPos := len(args)

	query := fmt.Sprintf(`
SELECT c.id, c.document_id, %s AS score, c.text, c.metadata
FROM chunks c JOIN documents d ON d.id = c.document_id
%s
ORDER BY c.vec %s $1::vector
LIMIT $%d`, scoreExpr, where, op, limitPos)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, ricerrors.Wrap(ricerrors.DependencyUnavailable, "vector similarity query", err)
	}
	defer rows.Close()

	var out []VectorResult
	for rows.Next() {
		var r VectorResult
		var md map[string]string
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.Score, &r.Text, &md); err != nil {
			return nil, ricerrors.Wrap(ricerrors.Internal, "scan vector result", err)
		}
		r.Metadata = md
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) IndexChunks(ctx context.Context, doc Document, chunks []Chunk) error {
	return p.UpsertChunks(ctx, doc, chunks)
}

// fuzzySimilarityThreshold is the pg_trgm similarity() floor a chunk must
// clear to surface as a fuzzy match when the exact query has no tsvector/
// substring hit, per spec.md §4.5.2's "fuzzy matching enabled with a bounded
// edit distance." similarity() is itself a bounded trigram-overlap measure
// (0 disjoint, 1 identical), the pg_trgm equivalent of a capped edit
// distance that the earlier CREATE EXTENSION IF NOT EXISTS pg_trgm was
// bootstrapped for but, before this, never queried.
const fuzzySimilarityThreshold = 0.25

func (p *Postgres) Search(ctx context.Context, query string, analyzer LexicalAnalyzer, k int, filter AccessFilter) ([]TextResult, error) {
	if k <= 0 {
		k = 10
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	if analyzer == AnalyzerRaw {
		// "raw" case-sensitive search anchors on a literal substring match,
		// with pg_trgm similarity() as a fuzzy fallback (OR'd in, not a
		// separate pass) so a typo'd query still surfaces its nearest chunks
		// rather than returning nothing.
		acl, aclArgs := aclFragment(filter, 2)
		where := fmt.Sprintf("WHERE (c.text LIKE '%%' || $1 || '%%' OR similarity(c.text, $1) > %v)", fuzzySimilarityThreshold)
		args := append([]any{q}, aclArgs...)
		if acl != "" {
			where += " AND " + acl
		}
		args = append(args, k)
		rows, err := p.pool.Query(ctx, fmt.Sprintf(`
SELECT c.id, c.document_id, GREATEST(similarity(c.text, $1), 1.0) AS score, left(c.text,160) AS snippet, c.text, c.metadata
FROM chunks c JOIN documents d ON d.id=c.document_id
%s
ORDER BY similarity(c.text, $1) DESC
LIMIT $%d`, where, len(args)), args...)
		if err != nil {
			return nil, ricerrors.Wrap(ricerrors.DependencyUnavailable, "raw text query", err)
		}
		defer rows.Close()
		return scanTextResults(rows)
	}

	tsCol := "c.ts_simple"
	queryExpr := "plainto_tsquery('simple', $1)"
	acl, aclArgs := aclFragment(filter, 2)
	where := fmt.Sprintf("WHERE (%s @@ %s OR similarity(c.text, $1) > %v)", tsCol, queryExpr, fuzzySimilarityThreshold)
	args := append([]any{q}, aclArgs...)
	if acl != "" {
		where += " AND " + acl
	}
	args = append(args, k)

	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
SELECT c.id, c.document_id, GREATEST(ts_rank(%s, %s), similarity(c.text, $1)) AS score, left(c.text,160) AS snippet, c.text, c.metadata
FROM chunks c JOIN documents d ON d.id=c.document_id
%s
ORDER BY score DESC
LIMIT $%d`, tsCol, queryExpr, where, len(args)), args...)
	if err != nil {
		return nil, ricerrors.Wrap(ricerrors.DependencyUnavailable, "lexical text query", err)
	}
	defer rows.Close()
	return scanTextResults(rows)
}

// --- DocumentStore ---

func (p *Postgres) Create(ctx context.Context, doc Document) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO documents(id, owner_id, owner_email, is_public, shared_with, group_ids, source_type, canonical_key, title, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, doc.ID, doc.OwnerID, doc.OwnerEmail, doc.IsPublic, doc.SharedWith, doc.GroupIDs, string(doc.SourceType), doc.CanonicalKey, doc.Title, mapToJSON(doc.Metadata))
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ricerrors.Wrap(ricerrors.Conflict, "document already exists", err)
		}
		return ricerrors.Wrap(ricerrors.Internal, "create document", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (Document, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, owner_id, owner_email, is_public, shared_with, group_ids, source_type, canonical_key, title, metadata, created_at, updated_at
FROM documents WHERE id=$1`, id)
	return scanDocumentRow(row)
}

func (p *Postgres) FindByCanonicalKey(ctx context.Context, ownerID string, sourceType SourceType, canonicalKey string) (Document, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, owner_id, owner_email, is_public, shared_with, group_ids, source_type, canonical_key, title, metadata, created_at, updated_at
FROM documents WHERE owner_id=$1 AND source_type=$2 AND canonical_key=$3`, ownerID, string(sourceType), canonicalKey)
	return scanDocumentRow(row)
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	return p.DeleteDocument(ctx, id)
}

func (p *Postgres) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM documents WHERE owner_id=$1`, ownerID).Scan(&n)
	if err != nil {
		return 0, ricerrors.Wrap(ricerrors.Internal, "count documents by owner", err)
	}
	return n, nil
}

func (p *Postgres) Stats(ctx context.Context, ownerID string) (DocumentStats, error) {
	var stats DocumentStats
	err := p.pool.QueryRow(ctx, `
SELECT count(*), count(DISTINCT source_type)
FROM documents WHERE owner_id=$1`, ownerID).Scan(&stats.Documents, &stats.DistinctTypes)
	if err != nil {
		return DocumentStats{}, ricerrors.Wrap(ricerrors.Internal, "document stats", err)
	}
	err = p.pool.QueryRow(ctx, `
SELECT count(*) FROM chunks c JOIN documents d ON d.id = c.document_id
WHERE d.owner_id=$1`, ownerID).Scan(&stats.Chunks)
	if err != nil {
		return DocumentStats{}, ricerrors.Wrap(ricerrors.Internal, "chunk stats", err)
	}
	return stats, nil
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanDocumentRow(row pgxRow) (Document, bool, error) {
	var d Document
	var sourceType string
	var md map[string]string
	err := row.Scan(&d.ID, &d.OwnerID, &d.OwnerEmail, &d.IsPublic, &d.SharedWith, &d.GroupIDs, &sourceType, &d.CanonicalKey, &d.Title, &md, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return Document{}, false, nil
		}
		return Document{}, false, ricerrors.Wrap(ricerrors.Internal, "scan document row", err)
	}
	d.SourceType = SourceType(sourceType)
	d.Metadata = md
	return d, true, nil
}

func scanTextResults(rows pgxRows) ([]TextResult, error) {
	var out []TextResult
	for rows.Next() {
		var r TextResult
		var md map[string]string
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.Score, &r.Snippet, &r.Text, &md); err != nil {
			return nil, ricerrors.Wrap(ricerrors.Internal, "scan text result", err)
		}
		r.Metadata = md
		out = append(out, r)
	}
	return out, rows.Err()
}

// pgxRows narrows pgx.Rows to the subset scanTextResults needs, so it can
// also be exercised by unit tests with a fake.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}

func mapToJSON(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
