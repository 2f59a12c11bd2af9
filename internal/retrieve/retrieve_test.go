package retrieve

import (
	"context"
	"errors"
	"testing"
	"time"

	"ric/internal/access"
	"ric/internal/embed"
	"ric/internal/store"
)

func seedMemory(t *testing.T, mem *store.Memory) {
	t.Helper()
	ctx := context.Background()
	doc := store.Document{ID: "d1", OwnerID: "u1", IsPublic: true, SourceType: store.SourceArticle, CanonicalKey: "k1"}
	chunks := []store.Chunk{
		{ID: "c1", DocumentID: "d1", Text: "the quick brown fox jumps", Embedding: []float32{1, 0, 0, 0}},
		{ID: "c2", DocumentID: "d1", Text: "a lazy dog sleeps", Embedding: []float32{0, 1, 0, 0}},
	}
	if err := mem.UpsertChunks(ctx, doc, chunks); err != nil {
		t.Fatalf("seed UpsertChunks: %v", err)
	}
	if err := mem.IndexChunks(ctx, doc, chunks); err != nil {
		t.Fatalf("seed IndexChunks: %v", err)
	}
}

func TestEngine_Retrieve_FusesSemanticAndLexical(t *testing.T) {
	mem := store.NewMemory(4)
	seedMemory(t, mem)
	embedder := embed.NewDeterministicEmbedder(4, false, 0)

	engine := NewEngine([]Searcher{
		&SemanticSearcher{Vector: mem, Embedder: embedder},
		&LexicalSearcher{Text: mem},
	}, nil)

	pr := access.Compile(access.Principal{ID: "u1"})
	results, diags, err := engine.Retrieve(context.Background(), "fox", []float32{1, 0, 0, 0}, pr, Options{K: 5})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(diags) != 2 {
		t.Fatalf("expected diagnostics for 2 sources, got %d", len(diags))
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one fused result")
	}
}

type failingSearcher struct{ name string }

func (f failingSearcher) Name() string { return f.name }
func (f failingSearcher) Search(context.Context, string, []float32, int, access.Predicate) ([]Candidate, error) {
	return nil, errors.New("source unavailable")
}

type staticSearcher struct {
	name  string
	cands []Candidate
}

func (s staticSearcher) Name() string { return s.name }
func (s staticSearcher) Search(context.Context, string, []float32, int, access.Predicate) ([]Candidate, error) {
	return s.cands, nil
}

func TestEngine_Retrieve_IsolatesSingleSourceFailure(t *testing.T) {
	engine := NewEngine([]Searcher{
		failingSearcher{"broken"},
		staticSearcher{"ok", []Candidate{{ChunkID: "c1", Score: 1}}},
	}, nil)

	pr := access.Compile(access.Principal{ID: "u1"})
	results, diags, err := engine.Retrieve(context.Background(), "q", nil, pr, Options{K: 5})
	if err != nil {
		t.Fatalf("Retrieve should not fail when only one source errors: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the surviving source's candidate to be returned, got %d results", len(results))
	}
	foundErr := false
	for _, d := range diags {
		if d.Source == "broken" && d.Err != nil {
			foundErr = true
		}
	}
	if !foundErr {
		t.Fatalf("expected diagnostics to record the broken source's error")
	}
}

func TestEngine_Retrieve_AllSourcesFailingIsAnError(t *testing.T) {
	engine := NewEngine([]Searcher{failingSearcher{"a"}, failingSearcher{"b"}}, nil)
	pr := access.Compile(access.Principal{ID: "u1"})
	_, _, err := engine.Retrieve(context.Background(), "q", nil, pr, Options{K: 5})
	if err == nil {
		t.Fatalf("expected an error when every source fails")
	}
}

type erroringReranker struct{}

func (erroringReranker) Rerank(context.Context, string, []Result) ([]Result, error) {
	return nil, errors.New("reranker down")
}

func TestEngine_Retrieve_RerankerFailureDegradesGracefully(t *testing.T) {
	engine := NewEngine([]Searcher{
		staticSearcher{"ok", []Candidate{{ChunkID: "c1", Score: 1}}},
	}, erroringReranker{})
	pr := access.Compile(access.Principal{ID: "u1"})
	results, _, err := engine.Retrieve(context.Background(), "q", nil, pr, Options{K: 5, Rerank: true})
	if err != nil {
		t.Fatalf("Retrieve should not fail when the reranker errors: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected fused results to survive a reranker failure, got %d", len(results))
	}
}

type blockingSearcher struct{ name string }

func (b blockingSearcher) Name() string { return b.name }
func (b blockingSearcher) Search(ctx context.Context, _ string, _ []float32, _ int, _ access.Predicate) ([]Candidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEngine_Retrieve_PerCallTimeoutBoundsSlowSearcher(t *testing.T) {
	engine := NewEngine([]Searcher{
		blockingSearcher{"slow"},
		staticSearcher{"ok", []Candidate{{ChunkID: "c1", Score: 1}}},
	}, nil)
	pr := access.Compile(access.Principal{ID: "u1"})
	opts := Options{K: 5, PerCallTimeout: 20 * time.Millisecond}

	done := make(chan struct{})
	var results []Result
	var err error
	go func() {
		results, _, err = engine.Retrieve(context.Background(), "q", nil, pr, opts)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Retrieve did not return within its per-call timeout bound")
	}
	if err != nil {
		t.Fatalf("Retrieve should not fail when only the slow source times out: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the surviving source's candidate, got %d results", len(results))
	}
}

func TestEngine_Retrieve_OuterContextCancellationPropagates(t *testing.T) {
	engine := NewEngine([]Searcher{blockingSearcher{"slow"}}, nil)
	pr := access.Compile(access.Principal{ID: "u1"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_, _, _ = engine.Retrieve(ctx, "q", nil, pr, Options{K: 5})
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Retrieve did not observe outer context cancellation within its per-call timeout")
	}
}

func TestSnippet_FindsQueryTerm(t *testing.T) {
	s := Snippet("the quick brown fox jumps over the lazy dog", "fox")
	if s == "" {
		t.Fatalf("expected a non-empty snippet")
	}
}
