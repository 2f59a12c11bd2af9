package retrieve

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ric/internal/access"
)

const epsilon = 1e-9

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < epsilon
}

// TestFuseRRF_WorkedExample reproduces the three-document scenario: semantic
// search ranks [B, C, A] and lexical search ranks [A, B, C] (both 0-based),
// with rrf_k=60. The scores below are the arithmetically-correct values for
// that rank assignment (Σ 1/(k+rank), unweighted, 0-based rank) rather than
// literal copies of any single worked example, since a 0-based/unweighted
// formula is what original_source's reciprocal_rank_fusion implements.
// Document B is first in both lists' neighborhood of each other, so it
// fuses highest; the qualitative order [B, A, C] matches the scenario this
// is grounded on.
func TestFuseRRF_WorkedExample(t *testing.T) {
	semantic := []Candidate{
		{ChunkID: "B", Score: 0.9},
		{ChunkID: "C", Score: 0.8},
		{ChunkID: "A", Score: 0.7},
	}
	lexical := []Candidate{
		{ChunkID: "A", Score: 5},
		{ChunkID: "B", Score: 4},
		{ChunkID: "C", Score: 3},
	}
	searchers := []Searcher{fakeSearcher{"semantic"}, fakeSearcher{"lexical"}}
	lists := [][]Candidate{semantic, lexical}
	opts := Options{K: 3, RRFK: 60}.withDefaults()

	results := fuseRRF(searchers, lists, opts)
	if len(results) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(results))
	}

	want := map[string]float64{
		"B": 1.0/60 + 1.0/61, // rank 0 in semantic, rank 1 in lexical
		"A": 1.0/62 + 1.0/60, // rank 2 in semantic, rank 0 in lexical
		"C": 1.0/61 + 1.0/62, // rank 1 in semantic, rank 2 in lexical
	}
	for _, r := range results {
		if !almostEqual(r.Score, want[r.ChunkID]) {
			t.Fatalf("chunk %s: got score %v, want %v", r.ChunkID, r.Score, want[r.ChunkID])
		}
	}

	order := []string{results[0].ChunkID, results[1].ChunkID, results[2].ChunkID}
	wantOrder := []string{"B", "A", "C"}
	if diff := cmp.Diff(wantOrder, order); diff != "" {
		t.Fatalf("fused order mismatch (-want +got):\n%s", diff)
	}
}

func TestFuseRRF_UnweightedByDefault(t *testing.T) {
	// Without SourceWeights, a candidate that appears only in one source at
	// rank 0 should score exactly 1/(k+0), not something scaled by an
	// implicit alpha blend.
	searchers := []Searcher{fakeSearcher{"semantic"}}
	lists := [][]Candidate{{{ChunkID: "X", Score: 1}}}
	opts := Options{K: 1, RRFK: 60}.withDefaults()
	results := fuseRRF(searchers, lists, opts)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !almostEqual(results[0].Score, 1.0/60) {
		t.Fatalf("got %v, want %v", results[0].Score, 1.0/60)
	}
}

func TestFuseRRF_SourceWeightsAreOptIn(t *testing.T) {
	searchers := []Searcher{fakeSearcher{"semantic"}, fakeSearcher{"lexical"}}
	lists := [][]Candidate{
		{{ChunkID: "X", Score: 1}},
		{{ChunkID: "X", Score: 1}},
	}
	opts := Options{K: 1, RRFK: 60, SourceWeights: map[string]float64{"semantic": 2.0, "lexical": 0.5}}.withDefaults()
	results := fuseRRF(searchers, lists, opts)
	want := 2.0*(1.0/60) + 0.5*(1.0/60)
	if !almostEqual(results[0].Score, want) {
		t.Fatalf("got %v, want %v", results[0].Score, want)
	}
}

func TestFuseRRF_TieBreaksOnChunkIDWhenRanksIdentical(t *testing.T) {
	// Z and Y each appear only once, both at rank 0 in their respective
	// source, so they fuse to an identical score and must tie-break
	// deterministically on chunk id.
	searchers := []Searcher{fakeSearcher{"s1"}, fakeSearcher{"s2"}}
	lists := [][]Candidate{
		{{ChunkID: "Z", Score: 1}},
		{{ChunkID: "Y", Score: 1}},
	}
	opts := Options{K: 2, RRFK: 60}.withDefaults()
	results := fuseRRF(searchers, lists, opts)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !almostEqual(results[0].Score, results[1].Score) {
		t.Fatalf("expected a tie to exercise the ID tie-break, got scores %v and %v", results[0].Score, results[1].Score)
	}
	if results[0].ChunkID != "Y" || results[1].ChunkID != "Z" {
		t.Fatalf("expected tie-break by ascending chunk id (Y before Z), got order %s, %s", results[0].ChunkID, results[1].ChunkID)
	}
}

func TestFuseRRF_TieBreaksOnMinRankNotSum(t *testing.T) {
	// P ranks [0, 3] across the two sources (rank sum 3, min rank 0); Q ranks
	// [1, 1] (rank sum 2, min rank 1). The weights below (solved so that
	// 1/60 + w*1/63 == (1+w)/61) make their fused scores tie exactly, so the
	// only thing that can separate them is the tie-break rule. spec.md
	// §4.5.3 breaks ties by minimum rank across lists (earlier-first), so P
	// — ranked first by some source — must win, even though Q has the
	// smaller rank sum.
	searchers := []Searcher{fakeSearcher{"s1"}, fakeSearcher{"s2"}}
	lists := [][]Candidate{
		{{ChunkID: "P"}, {ChunkID: "Q"}},
		{{ChunkID: "F0"}, {ChunkID: "Q"}, {ChunkID: "F2"}, {ChunkID: "P"}},
	}
	opts := Options{K: 4, RRFK: 60, SourceWeights: map[string]float64{"s1": 1.0, "s2": 0.525}}.withDefaults()
	results := fuseRRF(searchers, lists, opts)

	var p, q Result
	for _, r := range results {
		switch r.ChunkID {
		case "P":
			p = r
		case "Q":
			q = r
		}
	}
	if !almostEqual(p.Score, q.Score) {
		t.Fatalf("expected P and Q fused scores to tie, got P=%v Q=%v", p.Score, q.Score)
	}

	var pIdx, qIdx int
	for i, r := range results {
		if r.ChunkID == "P" {
			pIdx = i
		}
		if r.ChunkID == "Q" {
			qIdx = i
		}
	}
	if pIdx > qIdx {
		t.Fatalf("expected P (min rank 0) to sort before Q (min rank 1) despite P's larger rank sum, got order %v", []string{results[0].ChunkID, results[1].ChunkID, results[2].ChunkID, results[3].ChunkID})
	}
}

type fakeSearcher struct{ name string }

func (f fakeSearcher) Name() string { return f.name }
func (f fakeSearcher) Search(context.Context, string, []float32, int, access.Predicate) ([]Candidate, error) {
	return nil, nil
}
