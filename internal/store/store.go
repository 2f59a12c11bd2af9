// Package store defines the persistence abstraction shared by the
// Ingestion Pipeline (C4) and Retrieval Engine (C5): a Document/Chunk model
// carrying access-control fields, and backend interfaces (vector similarity,
// lexical full-text, document CRUD). The two search methods take an
// AccessFilter (satisfied by access.Predicate) so unauthorized rows are
// filtered in-store rather than after the fact; DocumentStore's lookups take
// no filter
// (spec.md §4.2 "applied at the point every searcher issues its query").
//
// The interface shapes are adapted from
// internal/persistence/databases/interfaces.go's VectorStore/FullTextSearch,
// generalized here to carry the document-level ACL columns
// (owner_id/owner_email/is_public/shared_with/group_ids) the teacher's
// single-tenant chat/memory stores never needed, plus an AccessFilter
// parameter on both search paths.
package store

import (
	"context"
	"time"
)

// SourceType is the closed set of content origins a Document can have.
type SourceType string

const (
	SourceYouTube SourceType = "youtube"
	SourceWeb     SourceType = "web"
	SourceArticle SourceType = "article"
	SourceFile    SourceType = "file"
	SourceOther   SourceType = "other"
)

// Document is a persisted, access-controlled unit of ingested content.
type Document struct {
	ID           string
	OwnerID      string
	OwnerEmail   string
	IsPublic     bool
	SharedWith   []string
	GroupIDs     []string
	SourceType   SourceType
	CanonicalKey string
	Title        string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk is one persisted, embedded slice of a Document. StartChar/EndChar
// are carried through from chunk.Chunk unchanged, so a retrieved hit can be
// traced back to its exact span in the source document.
type Chunk struct {
	ID           string
	DocumentID   string
	Index        int
	Text         string
	ChapterTitle string
	Embedding    []float32
	Metadata     map[string]string
	StartChar    int
	EndChar      int
}

// AccessFilter is the store-native translation of an access.Predicate. Each
// backend implements its own; store callers pass the compiled
// access.Predicate and let the backend decide how to push it into the
// query (SQL WHERE for Postgres; Qdrant and Memory call Allows on each
// candidate inside the store).
type AccessFilter interface {
	// Allows reports whether a row with the given ACL fields is visible.
	Allows(ownerID, ownerEmail string, isPublic bool, sharedWith, groupIDs []string) bool
}

// VectorResult is one hit from a vector similarity query.
type VectorResult struct {
	ChunkID    string
	DocumentID string
	Score      float64
	Text       string
	Metadata   map[string]string
}

// VectorStore is the semantic-search backend.
type VectorStore interface {
	UpsertChunks(ctx context.Context, doc Document, chunks []Chunk) error
	DeleteDocument(ctx context.Context, documentID string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter AccessFilter) ([]VectorResult, error)
	Dimension() int
}

// TextResult is one hit from a lexical full-text query.
type TextResult struct {
	ChunkID    string
	DocumentID string
	Score      float64
	Snippet    string
	Text       string
	Metadata   map[string]string
}

// LexicalAnalyzer selects the text-search configuration. "simple" matches
// case/diacritic-insensitively (Postgres 'simple' dictionary); "raw" is a
// literal substring/case-sensitive match.
type LexicalAnalyzer string

const (
	AnalyzerSimple LexicalAnalyzer = "simple"
	AnalyzerRaw    LexicalAnalyzer = "raw"
)

// TextSearch is the lexical-search backend.
type TextSearch interface {
	IndexChunks(ctx context.Context, doc Document, chunks []Chunk) error
	DeleteDocument(ctx context.Context, documentID string) error
	Search(ctx context.Context, query string, analyzer LexicalAnalyzer, k int, filter AccessFilter) ([]TextResult, error)
}

// DocumentStore tracks document metadata and ACL fields independently of
// the search backends, and is the source of truth for dedupe lookups and
// document counts.
type DocumentStore interface {
	Create(ctx context.Context, doc Document) error
	Get(ctx context.Context, id string) (Document, bool, error)
	FindByCanonicalKey(ctx context.Context, ownerID string, sourceType SourceType, canonicalKey string) (Document, bool, error)
	Delete(ctx context.Context, id string) error
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	// Stats reports owner-scoped totals for GetDocumentCounts (spec.md §6):
	// document count, chunk count summed across those documents, and the
	// number of distinct source types among them.
	Stats(ctx context.Context, ownerID string) (DocumentStats, error)
}

// DocumentStats is the result of DocumentStore.Stats.
type DocumentStats struct {
	Documents     int
	Chunks        int
	DistinctTypes int
}
