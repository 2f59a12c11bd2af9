package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"ric/internal/ricerrors"
)

// Memory is an in-process store implementing VectorStore, TextSearch, and
// DocumentStore together, used for tests and as the CLI's default "memory"
// store backend. Adapted from
// internal/persistence/databases/chat_store_memory.go's mutex-guarded map
// idiom, generalized from chat messages to documents/chunks.
type Memory struct {
	mu        sync.RWMutex
	docs      map[string]Document
	chunks    map[string][]Chunk // documentID -> chunks
	dimension int
}

// NewMemory constructs an empty in-memory store for the given embedding
// dimension.
func NewMemory(dimension int) *Memory {
	return &Memory{
		docs:      make(map[string]Document),
		chunks:    make(map[string][]Chunk),
		dimension: dimension,
	}
}

func (m *Memory) Dimension() int { return m.dimension }

// --- DocumentStore ---

func (m *Memory) Create(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; exists {
		return ricerrors.New(ricerrors.Conflict, "document already exists: "+doc.ID)
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	return d, ok, nil
}

func (m *Memory) FindByCanonicalKey(_ context.Context, ownerID string, sourceType SourceType, canonicalKey string) (Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.docs {
		if d.OwnerID == ownerID && d.SourceType == sourceType && d.CanonicalKey == canonicalKey {
			return d, true, nil
		}
	}
	return Document{}, false, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	delete(m.chunks, id)
	return nil
}

func (m *Memory) CountByOwner(_ context.Context, ownerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.docs {
		if d.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(_ context.Context, ownerID string) (DocumentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats DocumentStats
	types := make(map[SourceType]struct{})
	for _, d := range m.docs {
		if d.OwnerID != ownerID {
			continue
		}
		stats.Documents++
		stats.Chunks += len(m.chunks[d.ID])
		types[d.SourceType] = struct{}{}
	}
	stats.DistinctTypes = len(types)
	return stats, nil
}

// --- VectorStore ---

func (m *Memory) UpsertChunks(_ context.Context, doc Document, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dimension > 0 {
		for _, c := range chunks {
			if len(c.Embedding) != m.dimension {
				return ricerrors.New(ricerrors.DimensionMismatch, "chunk embedding dimension mismatch")
			}
		}
	}
	m.docs[doc.ID] = doc
	m.chunks[doc.ID] = append([]Chunk(nil), chunks...)
	return nil
}

func (m *Memory) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, documentID)
	delete(m.chunks, documentID)
	return nil
}

func (m *Memory) SimilaritySearch(_ context.Context, vector []float32, k int, filter AccessFilter) ([]VectorResult, error) {
	if k <= 0 {
		k = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []VectorResult
	for docID, cs := range m.chunks {
		doc, ok := m.docs[docID]
		if !ok {
			continue
		}
		if filter != nil && !filter.Allows(doc.OwnerID, doc.OwnerEmail, doc.IsPublic, doc.SharedWith, doc.GroupIDs) {
			continue
		}
		for _, c := range cs {
			score := cosineSimilarity(vector, c.Embedding)
			results = append(results, VectorResult{
				ChunkID:    c.ID,
				DocumentID: docID,
				Score:      score,
				Text:       c.Text,
				Metadata:   c.Metadata,
			})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// --- TextSearch ---

func (m *Memory) IndexChunks(_ context.Context, doc Document, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	m.chunks[doc.ID] = append([]Chunk(nil), chunks...)
	return nil
}

func (m *Memory) Search(_ context.Context, query string, analyzer LexicalAnalyzer, k int, filter AccessFilter) ([]TextResult, error) {
	if k <= 0 {
		k = 10
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	needle := q
	if analyzer != AnalyzerRaw {
		needle = strings.ToLower(q)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []TextResult
	for docID, cs := range m.chunks {
		doc, ok := m.docs[docID]
		if !ok {
			continue
		}
		if filter != nil && !filter.Allows(doc.OwnerID, doc.OwnerEmail, doc.IsPublic, doc.SharedWith, doc.GroupIDs) {
			continue
		}
		for _, c := range cs {
			hay := c.Text
			if analyzer != AnalyzerRaw {
				hay = strings.ToLower(hay)
			}
			count := strings.Count(hay, needle)
			if count == 0 {
				continue
			}
			results = append(results, TextResult{
				ChunkID:    c.ID,
				DocumentID: docID,
				Score:      float64(count),
				Snippet:    snippetAround(c.Text, needle, analyzer),
				Text:       c.Text,
				Metadata:   c.Metadata,
			})
		}
	}
	if len(results) == 0 {
		results = m.fuzzySearchLocked(needle, k, filter)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// maxFuzzyDistance bounds the word-level edit distance a chunk's text may be
// from the query and still surface as a fuzzy match, per spec.md §4.5.2's
// "fuzzy matching enabled with a bounded edit distance." Only tried when the
// exact substring pass above found nothing, mirroring the Postgres backend's
// pg_trgm similarity() OR-fallback without requiring a trigram index here.
const maxFuzzyDistance = 2

// fuzzySearchLocked scans every chunk's words for one within maxFuzzyDistance
// of the query (by Levenshtein distance), scoring hits inversely to their
// distance so exact-ish matches still outrank distant ones. Callers must
// already hold m.mu (for reading).
func (m *Memory) fuzzySearchLocked(needle string, k int, filter AccessFilter) []TextResult {
	var results []TextResult
	for docID, cs := range m.chunks {
		doc, ok := m.docs[docID]
		if !ok {
			continue
		}
		if filter != nil && !filter.Allows(doc.OwnerID, doc.OwnerEmail, doc.IsPublic, doc.SharedWith, doc.GroupIDs) {
			continue
		}
		for _, c := range cs {
			best := -1
			for _, word := range strings.Fields(strings.ToLower(c.Text)) {
				d := levenshteinDistance(needle, word)
				if best == -1 || d < best {
					best = d
				}
			}
			if best == -1 || best > maxFuzzyDistance {
				continue
			}
			results = append(results, TextResult{
				ChunkID:    c.ID,
				DocumentID: docID,
				Score:      1.0 / float64(1+best),
				Snippet:    snippetAround(c.Text, needle, AnalyzerSimple),
				Text:       c.Text,
				Metadata:   c.Metadata,
			})
		}
	}
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// levenshteinDistance is the classic single-row dynamic-programming edit
// distance, operating on runes so multi-byte characters count as one edit.
func levenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			min := del
			if ins < min {
				min = ins
			}
			if sub < min {
				min = sub
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func snippetAround(text, needle string, analyzer LexicalAnalyzer) string {
	hay := text
	if analyzer != AnalyzerRaw {
		hay = strings.ToLower(text)
	}
	idx := strings.Index(hay, needle)
	if idx < 0 {
		if len(text) > 120 {
			return text[:120]
		}
		return text
	}
	start := idx - 40
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + 80
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}
