// Package retrieve implements the Retrieval Engine (C5): fanning a query out
// across searchers (semantic, lexical, and an optional graph searcher),
// fusing their ranked candidate lists, and optionally reranking the fused
// result.
//
// The parallel fan-out is adapted from internal/rag/retrieve/candidates.go's
// ParallelCandidates, generalized from its fixed two-channel (FTS, vector)
// shape to golang.org/x/sync/errgroup over an arbitrary []Searcher so a
// third (graph) source, or any future source, plugs in without a new
// fan-out function, and so a single source's failure degrades that source's
// contribution to empty rather than failing the whole query (spec.md §4.5
// "each failure isolated").
//
// Fusion is adapted from internal/rag/retrieve/fusion.go's FuseRRF, but its
// default behavior is NOT copied: the teacher computes 1-based ranks and an
// Alpha-weighted blend (w_ft=Alpha, w_vec=1-Alpha). Cross-checking
// original_source's reciprocal_rank_fusion (app/capabilities/retrieval/
// mongo_rag/tools.py) shows the system this spec was distilled from uses a
// plain, unweighted sum over 0-based ranks with no per-source weighting.
// That is what RRF below implements by default; the teacher's per-source
// weighting survives as an opt-in SourceWeights map for callers who want it,
// defaulting to 1.0 (unweighted) per source.
package retrieve

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"ric/internal/access"
)

// Candidate is one hit from a single Searcher, before fusion.
type Candidate struct {
	ChunkID    string
	DocumentID string
	Score      float64
	Text       string
	Snippet    string
	Metadata   map[string]string
}

// Searcher is implemented by each retrieval source (semantic, lexical,
// graph). All implementations must push the supplied access.Predicate into
// their underlying query rather than filtering the returned candidates,
// per spec.md §4.2.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string, queryVector []float32, k int, pr access.Predicate) ([]Candidate, error)
}

// Options configures one retrieval call.
type Options struct {
	K             int
	RRFK          int // denominator constant; default 60
	SourceWeights map[string]float64
	Rerank        bool
	// MaxMatchCount is the hard upper bound on K a caller's match_count may
	// request (spec.md §4.5/§6); zero disables the clamp. Engine.Retrieve
	// itself does not apply this — it is enforced by the caller (e.g.
	// internal/service.Service.Search) before K is used, since only the
	// caller knows which value came from a request versus a trusted default.
	MaxMatchCount int
	// PerCallTimeout bounds each Searcher.Search call and the Reranker.Rerank
	// call independently (spec.md §5's per-sub-call timeout), so one slow
	// source degrades to "no contribution" rather than stalling the whole
	// Retrieve call. Zero disables the bound (the outer ctx alone governs).
	PerCallTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.K <= 0 {
		o.K = 10
	}
	if o.RRFK <= 0 {
		o.RRFK = 60
	}
	return o
}

func (o Options) weightFor(source string) float64 {
	if o.SourceWeights == nil {
		return 1.0
	}
	if w, ok := o.SourceWeights[source]; ok {
		return w
	}
	return 1.0
}

// Result is one fused, ranked item returned to a caller.
type Result struct {
	ChunkID    string
	DocumentID string
	Score      float64
	Text       string
	Snippet    string
	Metadata   map[string]string
	// Explanation carries the per-source rank/contribution breakdown for
	// observability (spec.md §8's "explainable" testable property).
	Explanation map[string]any
}

// SourceDiagnostics records per-source timing/count/error, surfaced so a
// caller can tell which source(s) degraded.
type SourceDiagnostics struct {
	Source  string
	Count   int
	Latency time.Duration
	Err     error
}

// Reranker re-orders (and may re-score) a fused result list. NoopReranker
// returns its input unchanged; any Reranker error during Retrieve degrades
// to the unreranked order rather than failing the call (spec.md §4.5
// "graceful degrade on error").
type Reranker interface {
	Rerank(ctx context.Context, query string, results []Result) ([]Result, error)
}

// NoopReranker is the default Reranker.
type NoopReranker struct{}

func (NoopReranker) Rerank(_ context.Context, _ string, results []Result) ([]Result, error) {
	return results, nil
}

// Engine fans a query out across Searchers and fuses the results.
type Engine struct {
	Searchers []Searcher
	Reranker  Reranker
}

// NewEngine constructs an Engine. A nil reranker defaults to NoopReranker.
func NewEngine(searchers []Searcher, reranker Reranker) *Engine {
	if reranker == nil {
		reranker = NoopReranker{}
	}
	return &Engine{Searchers: searchers, Reranker: reranker}
}

// Retrieve runs query (and, for vector searchers, queryVector) across every
// configured Searcher, fuses the results with Reciprocal Rank Fusion, and
// optionally reranks. It returns diagnostics for every source even when
// some failed, so callers can log/alert on partial degradation without the
// whole call failing — only a total failure of ALL searchers is an error.
func (e *Engine) Retrieve(ctx context.Context, query string, queryVector []float32, pr access.Predicate, opts Options) ([]Result, []SourceDiagnostics, error) {
	opts = opts.withDefaults()

	lists := make([][]Candidate, len(e.Searchers))
	diags := make([]SourceDiagnostics, len(e.Searchers))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range e.Searchers {
		i, s := i, s
		g.Go(func() error {
			callCtx := gctx
			if opts.PerCallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, opts.PerCallTimeout)
				defer cancel()
			}
			t0 := time.Now()
			cands, err := s.Search(callCtx, query, queryVector, opts.K*2, pr)
			diags[i] = SourceDiagnostics{Source: s.Name(), Count: len(cands), Latency: time.Since(t0), Err: err}
			if err != nil {
				// isolate: this source contributes nothing, but does not
				// cancel its siblings.
				return nil
			}
			lists[i] = cands
			return nil
		})
	}
	_ = g.Wait() // per-source errors are already captured in diags

	if allSourcesFailed(diags) {
		return nil, diags, diags[0].Err
	}

	fused := fuseRRF(e.Searchers, lists, opts)
	if len(fused) > opts.K {
		fused = fused[:opts.K]
	}

	if opts.Rerank {
		rerankCtx := ctx
		if opts.PerCallTimeout > 0 {
			var cancel context.CancelFunc
			rerankCtx, cancel = context.WithTimeout(ctx, opts.PerCallTimeout)
			defer cancel()
		}
		reranked, err := e.Reranker.Rerank(rerankCtx, query, fused)
		if err == nil {
			fused = reranked
		}
		// on error: keep the unreranked fused order (graceful degrade)
	}

	return fused, diags, nil
}

func allSourcesFailed(diags []SourceDiagnostics) bool {
	if len(diags) == 0 {
		return true
	}
	for _, d := range diags {
		if d.Err == nil {
			return false
		}
	}
	return true
}

type fusionAccum struct {
	chunkID    string
	documentID string
	text       string
	snippet    string
	metadata   map[string]string
	fused      float64
	minRank    int
	perSource  map[string]int // source -> 0-based rank
}

// fuseRRF computes RRF(c) = Σ_source weight(source) * 1/(RRFK + rank),
// rank 0-based, summed across every source that returned the candidate.
// Unweighted (all weights 1.0) reproduces original_source's
// reciprocal_rank_fusion exactly; ties break on the minimum rank a candidate
// achieved across sources (lower is better, i.e. whichever source ranked it
// earliest wins the tie), then on chunk id for full determinism.
func fuseRRF(searchers []Searcher, lists [][]Candidate, opts Options) []Result {
	byID := make(map[string]*fusionAccum)
	var order []string

	for i, list := range lists {
		if list == nil {
			continue
		}
		source := searchers[i].Name()
		weight := opts.weightFor(source)
		for rank, c := range list {
			acc, ok := byID[c.ChunkID]
			if !ok {
				acc = &fusionAccum{
					chunkID:    c.ChunkID,
					documentID: c.DocumentID,
					text:       c.Text,
					snippet:    c.Snippet,
					metadata:   c.Metadata,
					perSource:  make(map[string]int),
				}
				byID[c.ChunkID] = acc
				order = append(order, c.ChunkID)
			}
			contribution := weight * (1.0 / float64(opts.RRFK+rank))
			acc.fused += contribution
			acc.perSource[source] = rank
			if acc.text == "" {
				acc.text = c.Text
			}
			if acc.snippet == "" {
				acc.snippet = c.Snippet
			}
		}
	}

	results := make([]Result, 0, len(order))
	for _, id := range order {
		acc := byID[id]
		explanation := map[string]any{"fused": acc.fused}
		minRank := -1
		for source, rank := range acc.perSource {
			explanation[source+"_rank"] = rank
			if minRank == -1 || rank < minRank {
				minRank = rank
			}
		}
		acc.minRank = minRank
		results = append(results, Result{
			ChunkID:     acc.chunkID,
			DocumentID:  acc.documentID,
			Score:       acc.fused,
			Text:        acc.text,
			Snippet:     acc.snippet,
			Metadata:    acc.metadata,
			Explanation: explanation,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ri := byID[results[i].ChunkID].minRank
		rj := byID[results[j].ChunkID].minRank
		if ri != rj {
			return ri < rj
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}

// Snippet builds a simple substring-window snippet around the first query
// term found in text, adapted from internal/rag/retrieve/snippet.go's
// simpleSnippet. Store-native snippet generation (e.g. Postgres
// ts_headline, wired in internal/store's Search implementations) is
// preferred when available; this is the fallback for backends (or
// candidates) that don't supply one.
func Snippet(text, query string) string {
	const window = 160
	if text == "" || query == "" {
		return truncate(text, window)
	}
	lowerText := strings.ToLower(text)
	q := strings.ToLower(strings.TrimSpace(query))
	idx := strings.Index(lowerText, q)
	if idx == -1 {
		for _, term := range strings.Fields(q) {
			if term == "" {
				continue
			}
			if i := strings.Index(lowerText, term); i != -1 {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		return truncate(text, window)
	}
	start := idx - 60
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
