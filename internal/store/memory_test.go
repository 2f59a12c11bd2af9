package store

import (
	"context"
	"testing"

	"ric/internal/access"
)

func TestMemory_UpsertAndSimilaritySearch(t *testing.T) {
	m := NewMemory(4)
	ctx := context.Background()
	doc := Document{ID: "d1", OwnerID: "u1", SourceType: SourceArticle, CanonicalKey: "k1"}
	chunks := []Chunk{
		{ID: "c1", DocumentID: "d1", Text: "alpha", Embedding: []float32{1, 0, 0, 0}},
		{ID: "c2", DocumentID: "d1", Text: "beta", Embedding: []float32{0, 1, 0, 0}},
	}
	if err := m.UpsertChunks(ctx, doc, chunks); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}

	pr := access.Compile(access.Principal{ID: "u1"})
	results, err := m.SimilaritySearch(ctx, []float32{1, 0, 0, 0}, 5, pr)
	if err != nil {
		t.Fatalf("SimilaritySearch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ChunkID != "c1" {
		t.Fatalf("expected c1 to rank first (exact match), got %s", results[0].ChunkID)
	}
}

func TestMemory_DimensionMismatchRejected(t *testing.T) {
	m := NewMemory(4)
	doc := Document{ID: "d1", OwnerID: "u1"}
	chunks := []Chunk{{ID: "c1", Embedding: []float32{1, 0}}}
	err := m.UpsertChunks(context.Background(), doc, chunks)
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestMemory_AccessFilterExcludesPrivateDocs(t *testing.T) {
	m := NewMemory(4)
	ctx := context.Background()
	owned := Document{ID: "mine", OwnerID: "u1", SourceType: SourceArticle, CanonicalKey: "k1"}
	other := Document{ID: "theirs", OwnerID: "u2", SourceType: SourceArticle, CanonicalKey: "k2"}
	_ = m.UpsertChunks(ctx, owned, []Chunk{{ID: "c1", Text: "mine", Embedding: []float32{1, 0, 0, 0}}})
	_ = m.UpsertChunks(ctx, other, []Chunk{{ID: "c2", Text: "theirs", Embedding: []float32{1, 0, 0, 0}}})

	pr := access.Compile(access.Principal{ID: "u1"})
	results, err := m.SimilaritySearch(ctx, []float32{1, 0, 0, 0}, 10, pr)
	if err != nil {
		t.Fatalf("SimilaritySearch: %v", err)
	}
	for _, r := range results {
		if r.DocumentID == "theirs" {
			t.Fatalf("access filter leaked a private document owned by another user")
		}
	}
}

func TestMemory_LexicalSearch(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	doc := Document{ID: "d1", OwnerID: "u1", IsPublic: true}
	chunks := []Chunk{
		{ID: "c1", Text: "the quick brown fox"},
		{ID: "c2", Text: "a slow turtle"},
	}
	_ = m.IndexChunks(ctx, doc, chunks)

	pr := access.Compile(access.Principal{ID: "someone-else"})
	results, err := m.Search(ctx, "fox", AnalyzerSimple, 10, pr)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "c1" {
		t.Fatalf("expected to find c1 only, got %+v", results)
	}
}

func TestMemory_Stats(t *testing.T) {
	m := NewMemory(4)
	ctx := context.Background()
	d1 := Document{ID: "d1", OwnerID: "u1", SourceType: SourceArticle, CanonicalKey: "k1"}
	d2 := Document{ID: "d2", OwnerID: "u1", SourceType: SourceWeb, CanonicalKey: "k2"}
	other := Document{ID: "d3", OwnerID: "u2", SourceType: SourceArticle, CanonicalKey: "k3"}

	if err := m.UpsertChunks(ctx, d1, []Chunk{
		{ID: "c1", Embedding: []float32{1, 0, 0, 0}},
		{ID: "c2", Embedding: []float32{0, 1, 0, 0}},
	}); err != nil {
		t.Fatalf("UpsertChunks d1: %v", err)
	}
	if err := m.UpsertChunks(ctx, d2, []Chunk{
		{ID: "c3", Embedding: []float32{0, 0, 1, 0}},
	}); err != nil {
		t.Fatalf("UpsertChunks d2: %v", err)
	}
	if err := m.UpsertChunks(ctx, other, []Chunk{
		{ID: "c4", Embedding: []float32{0, 0, 0, 1}},
	}); err != nil {
		t.Fatalf("UpsertChunks other: %v", err)
	}

	stats, err := m.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Documents != 2 {
		t.Fatalf("expected 2 documents, got %d", stats.Documents)
	}
	if stats.Chunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", stats.Chunks)
	}
	if stats.DistinctTypes != 2 {
		t.Fatalf("expected 2 distinct source types, got %d", stats.DistinctTypes)
	}

	empty, err := m.Stats(ctx, "nobody")
	if err != nil {
		t.Fatalf("Stats(nobody): %v", err)
	}
	if empty.Documents != 0 || empty.Chunks != 0 || empty.DistinctTypes != 0 {
		t.Fatalf("expected zero stats for unknown owner, got %+v", empty)
	}
}

func TestMemory_LexicalSearch_FuzzyFallbackMatchesMisspelling(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	doc := Document{ID: "d1", OwnerID: "u1", IsPublic: true}
	chunks := []Chunk{
		{ID: "c1", Text: "the quick brown fox jumps over the lazy dog"},
	}
	_ = m.IndexChunks(ctx, doc, chunks)

	pr := access.Compile(access.Principal{ID: "someone-else"})
	results, err := m.Search(ctx, "fnx", AnalyzerSimple, 10, pr)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "c1" {
		t.Fatalf("expected fuzzy fallback to find c1 for misspelled query, got %+v", results)
	}
}

func TestMemory_LexicalSearch_FuzzyFallbackNotUsedWhenExactMatchExists(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	doc := Document{ID: "d1", OwnerID: "u1", IsPublic: true}
	chunks := []Chunk{
		{ID: "c1", Text: "the quick brown fox"},
		{ID: "c2", Text: "a slow turtle, sometimes called a box turtle"},
	}
	_ = m.IndexChunks(ctx, doc, chunks)

	pr := access.Compile(access.Principal{ID: "someone-else"})
	results, err := m.Search(ctx, "fox", AnalyzerSimple, 10, pr)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "c1" {
		t.Fatalf("expected only the exact substring match, fuzzy fallback should not add c2: %+v", results)
	}
}

func TestMemory_LexicalSearch_FuzzyFallbackRespectsAccessFilter(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	owned := Document{ID: "mine", OwnerID: "u1", IsPublic: false}
	other := Document{ID: "theirs", OwnerID: "u2", IsPublic: false}
	_ = m.IndexChunks(ctx, owned, []Chunk{{ID: "c1", Text: "the quick brown fox"}})
	_ = m.IndexChunks(ctx, other, []Chunk{{ID: "c2", Text: "another quick brown fox"}})

	pr := access.Compile(access.Principal{ID: "u1"})
	results, err := m.Search(ctx, "fnx", AnalyzerSimple, 10, pr)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.DocumentID == "theirs" {
			t.Fatalf("fuzzy fallback leaked a private document owned by another user")
		}
	}
}

func TestLevenshteinDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"fox", "fox", 0},
		{"fox", "fnx", 1},
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "", 3},
	}
	for _, tc := range cases {
		if got := levenshteinDistance(tc.a, tc.b); got != tc.want {
			t.Fatalf("levenshteinDistance(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMemory_DocumentStoreDedup(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	doc := Document{ID: "d1", OwnerID: "u1", SourceType: SourceYouTube, CanonicalKey: "vid-123"}
	if err := m.Create(ctx, doc); err != nil {
		t.Fatalf("Create: %v", err)
	}
	found, ok, err := m.FindByCanonicalKey(ctx, "u1", SourceYouTube, "vid-123")
	if err != nil || !ok {
		t.Fatalf("FindByCanonicalKey: found=%v ok=%v err=%v", found, ok, err)
	}
	if found.ID != "d1" {
		t.Fatalf("expected d1, got %s", found.ID)
	}

	if err := m.Create(ctx, doc); err == nil {
		t.Fatalf("expected conflict creating duplicate document id")
	}
}
