package retrieve

import (
	"context"

	"ric/internal/access"
	"ric/internal/embed"
	"ric/internal/store"
)

// SemanticSearcher adapts a store.VectorStore (and the Embedder used to
// vectorize the query) into a Searcher.
type SemanticSearcher struct {
	Vector   store.VectorStore
	Embedder embed.Embedder
}

func (s *SemanticSearcher) Name() string { return "semantic" }

func (s *SemanticSearcher) Search(ctx context.Context, query string, queryVector []float32, k int, pr access.Predicate) ([]Candidate, error) {
	vec := queryVector
	if len(vec) == 0 && s.Embedder != nil {
		vecs, err := s.Embedder.EmbedBatch(ctx, []string{query})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 1 {
			vec = vecs[0]
		}
	}
	results, err := s.Vector.SimilaritySearch(ctx, vec, k, pr)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Score:      r.Score,
			Text:       r.Text,
			Metadata:   r.Metadata,
		})
	}
	return out, nil
}

// LexicalSearcher adapts a store.TextSearch into a Searcher.
type LexicalSearcher struct {
	Text     store.TextSearch
	Analyzer store.LexicalAnalyzer
}

func (s *LexicalSearcher) Name() string { return "lexical" }

func (s *LexicalSearcher) Search(ctx context.Context, query string, _ []float32, k int, pr access.Predicate) ([]Candidate, error) {
	analyzer := s.Analyzer
	if analyzer == "" {
		analyzer = store.AnalyzerSimple
	}
	results, err := s.Text.Search(ctx, query, analyzer, k, pr)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Score:      r.Score,
			Text:       r.Text,
			Snippet:    r.Snippet,
			Metadata:   r.Metadata,
		})
	}
	return out, nil
}

// GraphOptions gates the optional graph-expansion Searcher. Graph search is
// not required by any document store backend (spec.md §9 Open Question:
// resolved as an optional capability), so it is its own Searcher
// implementation rather than a method every backend must provide.
type GraphOptions struct {
	Enabled bool
}

// GraphExpander is satisfied by a backend capable of neighbor expansion
// that returns GraphHits (internal/episode.Sink's Neighbors returns
// Episodes and does not satisfy it). A caller that
// has no graph backend simply omits a GraphSearcher from Engine.Searchers.
type GraphExpander interface {
	Neighbors(ctx context.Context, documentID string) ([]GraphHit, error)
}

// GraphHit is one neighbor-expansion result.
type GraphHit struct {
	ChunkID    string
	DocumentID string
	Text       string
	Metadata   map[string]string
}

// GraphSearcher adapts a GraphExpander into a Searcher. It expects seed
// document IDs to be supplied out of band (via SeedDocumentIDs) since graph
// expansion starts from already-known documents rather than a free-text
// query; Engine.Retrieve still calls it uniformly, with Search ignoring the
// text query when SeedDocumentIDs is set.
type GraphSearcher struct {
	Expander        GraphExpander
	SeedDocumentIDs []string
}

func (s *GraphSearcher) Name() string { return "graph" }

func (s *GraphSearcher) Search(ctx context.Context, _ string, _ []float32, k int, pr access.Predicate) ([]Candidate, error) {
	var out []Candidate
	for _, docID := range s.SeedDocumentIDs {
		hits, err := s.Expander.Neighbors(ctx, docID)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			out = append(out, Candidate{
				ChunkID:    h.ChunkID,
				DocumentID: h.DocumentID,
				Score:      1.0,
				Text:       h.Text,
				Metadata:   h.Metadata,
			})
			if len(out) >= k {
				return out, nil
			}
		}
	}
	return out, nil
}
