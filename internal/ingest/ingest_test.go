package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ric/internal/chunk"
	"ric/internal/embed"
	"ric/internal/episode"
	"ric/internal/objectstore"
	"ric/internal/store"
)

func newTestPipeline(t *testing.T, dim int) (*Pipeline, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(dim)
	embedder := embed.NewDeterministicEmbedder(dim, true, 1)
	var counter int64
	newID := func() string {
		n := atomic.AddInt64(&counter, 1)
		return fmt.Sprintf("doc-%d", n)
	}
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	p := NewPipeline(embedder, mem, mem, mem, episode.NewEmitter(episode.NewMemorySink(), nil, now), newID, now)
	return p, mem
}

func baseOpts() Options {
	return Options{OwnerID: "u1", Chunking: chunk.Options{ChunkSize: 200, ChunkOverlap: 20, MaxChunkSize: 300}}
}

func TestIngest_CreatesDocumentAndChunks(t *testing.T) {
	p, _ := newTestPipeline(t, 32)
	sc := ScrapedContent{SourceType: store.SourceArticle, Title: "Hello", Text: "hello world. this is a test document with enough words to chunk nicely."}
	res, err := p.Ingest(context.Background(), sc, baseOpts())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.DocumentID == "" || res.ChunkCount == 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestIngest_SkipDuplicates(t *testing.T) {
	p, _ := newTestPipeline(t, 32)
	sc := ScrapedContent{SourceType: store.SourceYouTube, SourceKey: "vid-1", Title: "V", Text: "some video transcript text here for chunking purposes."}
	opts := baseOpts()
	opts.ReingestPolicy = SkipDuplicates

	first, err := p.Ingest(context.Background(), sc, opts)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	second, err := p.Ingest(context.Background(), sc, opts)
	if err != nil {
		t.Fatalf("Ingest (dup): %v", err)
	}
	if !second.Skipped {
		t.Fatalf("expected second ingest to be skipped")
	}
	if second.DocumentID != first.DocumentID {
		t.Fatalf("expected skip to report the existing document id")
	}
}

func TestIngest_ForceReindexCreatesNewDocumentID(t *testing.T) {
	p, mem := newTestPipeline(t, 32)
	sc := ScrapedContent{SourceType: store.SourceYouTube, SourceKey: "vid-2", Title: "V", Text: "some video transcript text here for chunking purposes."}
	opts := baseOpts()

	first, err := p.Ingest(context.Background(), sc, opts)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	opts.ReingestPolicy = ForceReindex
	second, err := p.Ingest(context.Background(), sc, opts)
	if err != nil {
		t.Fatalf("Ingest (force_reindex): %v", err)
	}
	if second.DocumentID == first.DocumentID {
		t.Fatalf("expected force_reindex to mint a new document id, got the same id %q", first.DocumentID)
	}
	if _, ok, _ := mem.Get(context.Background(), first.DocumentID); ok {
		t.Fatalf("expected old document %q to be deleted after force_reindex", first.DocumentID)
	}
}

func TestIngest_DimensionMismatchIsDetected(t *testing.T) {
	mem := store.NewMemory(32)
	embedder := embed.NewDeterministicEmbedder(8, true, 1) // wrong dimension
	p := NewPipeline(embedder, mem, mem, mem, nil, nil, nil)
	sc := ScrapedContent{SourceType: store.SourceArticle, Text: "some text content for chunking and embedding in this test."}
	_, err := p.Ingest(context.Background(), sc, baseOpts())
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestIngest_PersistsRawBytesWhenBlobsConfigured(t *testing.T) {
	p, _ := newTestPipeline(t, 32)
	blobs := objectstore.NewMemoryStore()
	p.Blobs = blobs

	sc := ScrapedContent{
		SourceType: store.SourceFile,
		Title:      "upload.pdf",
		Text:       "extracted text content for chunking purposes in this test file.",
		RawBytes:   []byte("%PDF-1.4 fake binary content"),
	}
	res, err := p.Ingest(context.Background(), sc, baseOpts())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	reader, _, err := blobs.Get(context.Background(), blobKey(res.DocumentID))
	if err != nil {
		t.Fatalf("expected raw bytes to be persisted under the document's blob key: %v", err)
	}
	defer reader.Close()
}

func TestEmbedChunks_CarriesStartCharEndChar(t *testing.T) {
	p, _ := newTestPipeline(t, 32)
	chunks := []chunk.Chunk{
		{Index: 0, Text: "hello", StartChar: 0, EndChar: 5},
		{Index: 1, Text: "world", StartChar: 6, EndChar: 11},
	}
	out, err := p.embedChunks(context.Background(), "doc-x", chunks, 2)
	if err != nil {
		t.Fatalf("embedChunks: %v", err)
	}
	for i, c := range out {
		if c.StartChar != chunks[i].StartChar || c.EndChar != chunks[i].EndChar {
			t.Fatalf("chunk %d: expected offsets %d,%d got %d,%d", i, chunks[i].StartChar, chunks[i].EndChar, c.StartChar, c.EndChar)
		}
	}
}

func TestIngest_ExtractFactsWiresEmitFacts(t *testing.T) {
	mem := store.NewMemory(32)
	embedder := embed.NewDeterministicEmbedder(32, true, 1)
	sink := episode.NewMemorySink()
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	extractor := recordingExtractor{facts: []string{"the sky is blue"}}
	emitter := episode.NewEmitter(sink, extractor, now)
	p := NewPipeline(embedder, mem, mem, mem, emitter, nil, now)

	sc := ScrapedContent{SourceType: store.SourceArticle, Title: "Hello", Text: "hello world. this is a test document with enough words to chunk nicely."}
	opts := baseOpts()
	opts.ExtractFacts = true
	res, err := p.Ingest(context.Background(), sc, opts)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	eps, err := sink.Neighbors(context.Background(), res.DocumentID)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	found := false
	for _, ep := range eps {
		if ep.Type == episode.TypeFact {
			found = true
			if len(ep.Facts) != 1 || ep.Facts[0] != "the sky is blue" {
				t.Fatalf("expected the extractor's fact to be recorded, got %+v", ep.Facts)
			}
		}
	}
	if !found {
		t.Fatalf("expected ExtractFacts=true to emit a Fact episode, got %+v", eps)
	}
}

func TestIngest_ExtractFactsOffEmitsNoFactEpisode(t *testing.T) {
	mem := store.NewMemory(32)
	embedder := embed.NewDeterministicEmbedder(32, true, 1)
	sink := episode.NewMemorySink()
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	extractor := recordingExtractor{facts: []string{"the sky is blue"}}
	emitter := episode.NewEmitter(sink, extractor, now)
	p := NewPipeline(embedder, mem, mem, mem, emitter, nil, now)

	sc := ScrapedContent{SourceType: store.SourceArticle, Title: "Hello", Text: "hello world. this is a test document with enough words to chunk nicely."}
	res, err := p.Ingest(context.Background(), sc, baseOpts())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	eps, err := sink.Neighbors(context.Background(), res.DocumentID)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	for _, ep := range eps {
		if ep.Type == episode.TypeFact {
			t.Fatalf("expected no Fact episode when ExtractFacts is unset, got %+v", ep)
		}
	}
}

func TestIngest_ChapterEpisodesAnchorAtReferenceTimePlusStartTime(t *testing.T) {
	p, _ := newTestPipeline(t, 32)
	sink := episode.NewMemorySink()
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	p.Episodes = episode.NewEmitter(sink, nil, now)

	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sc := ScrapedContent{
		SourceType:    store.SourceYouTube,
		SourceKey:     "vid-chap",
		Title:         "V",
		Text:          "intro content here. body content continues on for a while longer.",
		ReferenceTime: &ref,
		Chapters: []chunk.Chapter{
			{Title: "Intro", Text: "intro content here.", StartTime: 0, EndTime: 10},
			{Title: "Body", Text: "body content continues on for a while longer.", StartTime: 10, EndTime: 40},
		},
	}
	res, err := p.Ingest(context.Background(), sc, baseOpts())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	eps, err := sink.Neighbors(context.Background(), res.DocumentID)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	var body episode.Episode
	for _, ep := range eps {
		if ep.Title == "Body" {
			body = ep
		}
	}
	if body.Title == "" {
		t.Fatalf("expected a Body chapter episode, got %+v", eps)
	}
	if want := ref.Add(10 * time.Second); !body.OccurredAt.Equal(want) {
		t.Fatalf("expected Body chapter to anchor at reference+10s, got %v want %v", body.OccurredAt, want)
	}
}

func TestIngest_EpisodeChapterOnlySkipsOverviewEpisode(t *testing.T) {
	p, _ := newTestPipeline(t, 32)
	sink := episode.NewMemorySink()
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	p.Episodes = episode.NewEmitter(sink, nil, now)

	sc := ScrapedContent{
		SourceType: store.SourceYouTube,
		SourceKey:  "vid-chaponly",
		Title:      "V",
		Text:       "intro content here. body content continues on for a while longer.",
		Chapters: []chunk.Chapter{
			{Title: "Intro", Text: "intro content here.", StartTime: 0, EndTime: 10},
		},
	}
	opts := baseOpts()
	opts.EpisodeType = EpisodeChapterOnly
	res, err := p.Ingest(context.Background(), sc, opts)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	eps, err := sink.Neighbors(context.Background(), res.DocumentID)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	for _, ep := range eps {
		if ep.Type == episode.TypeDocumentOverview {
			t.Fatalf("expected EpisodeChapterOnly to skip the document-overview episode, got %+v", ep)
		}
	}
	found := false
	for _, ep := range eps {
		if ep.Title == "Intro" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the chapter episode to still be emitted, got %+v", eps)
	}
}

type recordingExtractor struct{ facts []string }

func (r recordingExtractor) Extract(context.Context, string) ([]string, error) { return r.facts, nil }

func TestIngest_ConcurrentSameKeySerializes(t *testing.T) {
	p, mem := newTestPipeline(t, 32)
	sc := ScrapedContent{SourceType: store.SourceYouTube, SourceKey: "vid-race", Title: "V", Text: "racey content for concurrent ingestion test purposes here."}
	opts := baseOpts()

	var wg sync.WaitGroup
	n := 8
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Ingest(context.Background(), sc, opts)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Ingest[%d]: %v", i, errs[i])
		}
		if !results[i].Skipped {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one concurrent ingest to win and create, got %d", created)
	}
	count, _ := mem.CountByOwner(context.Background(), "u1")
	if count != 1 {
		t.Fatalf("expected exactly one persisted document, got %d", count)
	}
}
