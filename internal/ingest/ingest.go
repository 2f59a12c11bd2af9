// Package ingest implements the Ingestion Pipeline (C4): normalize →
// dedupe/reingest-policy → chunk → embed → persist → best-effort episode
// emission.
//
// The dedupe/reingest decision shape (skip/overwrite/new-document action per
// policy) is adapted from internal/rag/ingest/idempotency.go's
// ResolveIdempotency/IdempotencyDecision, generalized from its hash-lookup
// DocumentLookup to store.DocumentStore.FindByCanonicalKey and re-targeted
// at spec.md's three named policies (skip_duplicates, force_reindex,
// create-another) — notably force_reindex here deletes the existing
// document and creates a NEW document_id rather than the teacher's in-place
// ReingestOverwrite, per spec.md §4.4's explicit requirement. The
// worker-pool fan-out for chunk embedding is adapted from
// internal/documents/pipeline.go's Ingest, generalized from a single
// jobs-channel-plus-WaitGroup to golang.org/x/sync/errgroup so a worker
// failure cancels its siblings instead of leaking goroutines.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ric/internal/chunk"
	"ric/internal/embed"
	"ric/internal/episode"
	"ric/internal/objectstore"
	"ric/internal/ricerrors"
	"ric/internal/store"
)

// ReingestPolicy selects behavior when an ingest request's canonical key
// already has a matching document for the same owner.
type ReingestPolicy string

const (
	SkipDuplicates ReingestPolicy = "skip_duplicates"
	ForceReindex   ReingestPolicy = "force_reindex"
	CreateAnother  ReingestPolicy = "create_another"
)

// ScrapedContent is the normalized input to ingestion: raw text plus
// whatever structural hints the source adapter could recover.
type ScrapedContent struct {
	SourceType store.SourceType
	Title      string
	Text       string
	Chapters   []chunk.Chapter
	// SourceKey is the stable identifier of the source (e.g. a YouTube
	// video id or a page URL) used verbatim as CanonicalKey; when empty the
	// canonical key falls back to a content hash.
	SourceKey string
	Metadata  map[string]string
	// RawBytes is the original uploaded content for SourceFile ingests
	// (e.g. a PDF or docx before text extraction). Nil for source types
	// that have no separate binary form. When set and a Pipeline.Blobs is
	// configured, it is persisted under the document's blob key so a later
	// re-chunk/re-embed pass can start from the original bytes instead of
	// only the extracted Text.
	RawBytes []byte
	// ReferenceTime anchors the document in time (a video's publish date, a
	// page's crawl time) for episode.Emitter.EmitDocumentOverview to derive
	// chapter episode timestamps from. Nil when the source has no natural
	// reference time.
	ReferenceTime *time.Time
}

// EpisodeType selects which episode(s) EmitDocumentOverview emits for one
// ingest, the RIC analog of the original Python system's
// graphiti_episode_type knob (original_source's adapter.py). Named instead
// of left as a bare bool because a document with chapters has a genuine
// third option (emit per-chapter episodes but skip the whole-document one).
type EpisodeType string

const (
	// EpisodeOverview emits only the document-overview episode.
	EpisodeOverview EpisodeType = "overview"
	// EpisodeChapterOnly emits only per-chapter episodes, skipping the
	// whole-document overview.
	EpisodeChapterOnly EpisodeType = "chapter_only"
	// EpisodeBoth emits the overview episode plus one per chapter.
	EpisodeBoth EpisodeType = "both"
)

// defaultEpisodeType is original_source's heuristic: a document with
// chapters gets both overview and chapter episodes; one without chapters
// only gets the overview (there is nothing to anchor a chapter episode to).
func defaultEpisodeType(sc ScrapedContent) EpisodeType {
	if len(sc.Chapters) > 0 {
		return EpisodeBoth
	}
	return EpisodeOverview
}

// Options configures one ingestion call.
type Options struct {
	OwnerID        string
	OwnerEmail     string
	IsPublic       bool
	SharedWith     []string
	GroupIDs       []string
	ReingestPolicy ReingestPolicy
	Chunking       chunk.Options
	MaxConcurrency int // worker-pool width for embed+persist fan-out
	// ExtractFacts enables the best-effort Fact episode emission step
	// (spec.md §4.4/§4.6) after the document-overview episode. Off by
	// default since it requires a non-Noop episode.FactExtractor to do
	// anything useful.
	ExtractFacts bool
	// EpisodeType selects which episode(s) to emit; zero value defers to
	// defaultEpisodeType's chapters-present heuristic.
	EpisodeType EpisodeType
}

func (o Options) withDefaults() Options {
	if o.ReingestPolicy == "" {
		o.ReingestPolicy = SkipDuplicates
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 4
	}
	return o
}

// Result describes the outcome of one ingestion call.
type Result struct {
	DocumentID string
	Skipped    bool
	ChunkCount int
}

// canonicalKey derives the stable key spec.md §4.4 requires for dedupe: the
// caller-supplied SourceKey, used verbatim for every source type (no URL
// normalization, so two URL forms of one video yield two keys), falling back
// to a content hash when no SourceKey is given.
func canonicalKey(sc ScrapedContent) string {
	if sc.SourceKey != "" {
		return sc.SourceKey
	}
	h := sha256.Sum256([]byte(strings.TrimSpace(sc.Text)))
	return hex.EncodeToString(h[:])
}

// keyedLocks serializes concurrent ingests that share (owner_id,
// source_type, canonical_key), so two racing requests for the same content
// cannot both observe "not found" and both create a document (spec.md §4.4
// "Per-key ... serialization required for concurrent ingest races").
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Pipeline wires the Chunker, Embedder, store, and episode Emitter together.
type Pipeline struct {
	Chunker  func(content string, chapters []chunk.Chapter, opts chunk.Options) ([]chunk.Chunk, error)
	Embedder embed.Embedder
	Docs     store.DocumentStore
	Vector   store.VectorStore
	Text     store.TextSearch
	Episodes *episode.Emitter
	Blobs    objectstore.ObjectStore // optional; persists ScrapedContent.RawBytes
	NewID    func() string
	Now      func() time.Time
	// SubCallTimeout bounds each embed and episode-sink sub-call
	// independently of the overall Ingest call (spec.md §5/§8's per-sub-call
	// timeout guarantee). Zero disables the bound.
	SubCallTimeout time.Duration

	locks *keyedLocks
}

// NewPipeline constructs a Pipeline. NewID and Now default to a UUID
// generator and time.Now respectively when nil (tests may override both for
// determinism).
func NewPipeline(embedder embed.Embedder, docs store.DocumentStore, vector store.VectorStore, text store.TextSearch, episodes *episode.Emitter, newID func() string, now func() time.Time) *Pipeline {
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		Chunker:  chunk.Split,
		Embedder: embedder,
		Docs:     docs,
		Vector:   vector,
		Text:     text,
		Episodes: episodes,
		NewID:    newID,
		Now:      now,
		locks:    newKeyedLocks(),
	}
}

// Ingest runs the full pipeline for one ScrapedContent. It is safe to call
// concurrently; concurrent calls sharing a dedupe key serialize on that key
// alone.
func (p *Pipeline) Ingest(ctx context.Context, sc ScrapedContent, opts Options) (Result, error) {
	opts = opts.withDefaults()
	if opts.OwnerID == "" {
		return Result{}, ricerrors.New(ricerrors.BadInput, "ingest: OwnerID is required")
	}
	if strings.TrimSpace(sc.Text) == "" && len(sc.Chapters) == 0 {
		return Result{}, ricerrors.New(ricerrors.BadInput, "ingest: content is empty")
	}

	key := canonicalKey(sc)
	unlock := p.locks.lock(fmt.Sprintf("%s\x00%s\x00%s", opts.OwnerID, sc.SourceType, key))
	defer unlock()

	existing, found, err := p.Docs.FindByCanonicalKey(ctx, opts.OwnerID, sc.SourceType, key)
	if err != nil {
		return Result{}, ricerrors.Wrap(ricerrors.Internal, "dedupe lookup", err)
	}

	documentID := p.newID()
	if found {
		switch opts.ReingestPolicy {
		case SkipDuplicates:
			return Result{DocumentID: existing.ID, Skipped: true}, nil
		case ForceReindex:
			// Delete-then-recreate with a NEW document id (spec.md §4.4),
			// unlike the teacher's in-place ReingestOverwrite.
			if err := p.Docs.Delete(ctx, existing.ID); err != nil {
				return Result{}, ricerrors.Wrap(ricerrors.Internal, "delete existing document for reindex", err)
			}
			if err := p.Vector.DeleteDocument(ctx, existing.ID); err != nil {
				return Result{}, ricerrors.Wrap(ricerrors.Internal, "delete existing vectors for reindex", err)
			}
			if err := p.Text.DeleteDocument(ctx, existing.ID); err != nil {
				return Result{}, ricerrors.Wrap(ricerrors.Internal, "delete existing text index for reindex", err)
			}
			if p.Blobs != nil {
				_ = p.Blobs.Delete(ctx, blobKey(existing.ID))
			}
		case CreateAnother:
			// fall through: documentID is already fresh, canonical key is
			// intentionally left ambiguous (the store's unique constraint is
			// scoped to (owner,source_type,canonical_key); callers choosing
			// create_another must supply a distinguishing SourceKey upstream
			// if they need both copies addressable by key).
		}
	}

	chunks, err := p.Chunker(sc.Text, sc.Chapters, opts.Chunking)
	if err != nil {
		return Result{}, ricerrors.Wrap(ricerrors.BadInput, "chunk content", err)
	}
	if len(chunks) == 0 {
		return Result{}, ricerrors.New(ricerrors.BadInput, "ingest: chunking produced no chunks")
	}

	storeChunks, err := p.embedChunks(ctx, documentID, chunks, opts.MaxConcurrency)
	if err != nil {
		return Result{}, err
	}

	doc := store.Document{
		ID:           documentID,
		OwnerID:      opts.OwnerID,
		OwnerEmail:   opts.OwnerEmail,
		IsPublic:     opts.IsPublic,
		SharedWith:   opts.SharedWith,
		GroupIDs:     opts.GroupIDs,
		SourceType:   sc.SourceType,
		CanonicalKey: key,
		Title:        sc.Title,
		Metadata:     sc.Metadata,
		CreatedAt:    p.Now(),
		UpdatedAt:    p.Now(),
	}

	if err := p.persist(ctx, doc, storeChunks); err != nil {
		return Result{}, err
	}

	p.emitEpisodeBestEffort(ctx, doc, sc, opts)
	if opts.ExtractFacts {
		p.emitFactsBestEffort(ctx, doc, sc)
	}
	p.persistBlobBestEffort(ctx, documentID, sc)

	return Result{DocumentID: documentID, ChunkCount: len(storeChunks)}, nil
}

// blobKey derives the objectstore key for a document's raw uploaded bytes.
func blobKey(documentID string) string {
	return "documents/" + documentID + "/raw"
}

// persistBlobBestEffort stores sc.RawBytes under the document's blob key.
// Like episode emission, this never fails the ingest call: the store layer
// already has the extracted Text and chunks; losing the original bytes
// degrades a future re-chunk to starting from Text, which still works.
func (p *Pipeline) persistBlobBestEffort(ctx context.Context, documentID string, sc ScrapedContent) {
	if p.Blobs == nil || len(sc.RawBytes) == 0 {
		return
	}
	_, _ = p.Blobs.Put(ctx, blobKey(documentID), bytes.NewReader(sc.RawBytes), objectstore.PutOptions{
		ContentType: "application/octet-stream",
	})
}

// embedChunks fans the chunk list out across a bounded worker pool (adapted
// from internal/documents/pipeline.go's jobs-channel pattern, restated with
// errgroup.SetLimit so a single worker's failure cancels the rest instead of
// draining the channel to completion). Order is preserved via index, since
// spec.md requires EmbedBatch's output order to match its input order and
// that guarantee must survive the fan-out.
func (p *Pipeline) embedChunks(ctx context.Context, documentID string, chunks []chunk.Chunk, maxConcurrency int) ([]store.Chunk, error) {
	out := make([]store.Chunk, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			callCtx := gctx
			if p.SubCallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, p.SubCallTimeout)
				defer cancel()
			}
			vecs, err := p.Embedder.EmbedBatch(callCtx, []string{c.Text})
			if err != nil {
				return err
			}
			if len(vecs) != 1 {
				return ricerrors.New(ricerrors.Internal, "embedder returned unexpected vector count")
			}
			if dim := p.Vector.Dimension(); dim > 0 && len(vecs[0]) != dim {
				return ricerrors.New(ricerrors.DimensionMismatch,
					fmt.Sprintf("embedding dimension %d does not match store dimension %d", len(vecs[0]), dim))
			}
			out[i] = store.Chunk{
				ID:           fmt.Sprintf("%s:%d", documentID, i),
				DocumentID:   documentID,
				Index:        c.Index,
				Text:         c.Text,
				ChapterTitle: c.ChapterTitle,
				Embedding:    vecs[0],
				StartChar:    c.StartChar,
				EndChar:      c.EndChar,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// persist writes the document row first, then its chunks to the vector and
// text roles. A failure at the first step (e.g. a canonical-key race lost to
// a concurrent request) writes nothing; a failure after the document row
// exists deletes what was already written, so no document is left without
// its chunks and no chunks are left without their document.
func (p *Pipeline) persist(ctx context.Context, doc store.Document, chunks []store.Chunk) error {
	if err := p.Docs.Create(ctx, doc); err != nil {
		return ricerrors.Wrap(ricerrors.Internal, "persist document row", err)
	}
	if err := p.Vector.UpsertChunks(ctx, doc, chunks); err != nil {
		_ = p.Docs.Delete(ctx, doc.ID)
		return ricerrors.Wrap(ricerrors.Internal, "persist vectors", err)
	}
	if err := p.Text.IndexChunks(ctx, doc, chunks); err != nil {
		_ = p.Vector.DeleteDocument(ctx, doc.ID)
		_ = p.Docs.Delete(ctx, doc.ID)
		return ricerrors.Wrap(ricerrors.Internal, "persist text index", err)
	}
	return nil
}

// emitEpisodeBestEffort emits a document-overview episode and, per opts'
// EpisodeType (or defaultEpisodeType's chapters-present heuristic when
// unset), a chapter episode per chapter. Per spec.md §4.6 this step is
// best-effort: any failure here is dropped (a production deployment wires
// Episodes.Sink to a real backend and monitors its own error logs; the
// ingest call itself already succeeded).
func (p *Pipeline) emitEpisodeBestEffort(ctx context.Context, doc store.Document, sc ScrapedContent, opts Options) {
	if p.Episodes == nil {
		return
	}
	episodeType := opts.EpisodeType
	if episodeType == "" {
		episodeType = defaultEpisodeType(sc)
	}

	var chapters []episode.ChapterInfo
	if episodeType == EpisodeBoth || episodeType == EpisodeChapterOnly {
		for _, c := range sc.Chapters {
			if c.Title != "" {
				chapters = append(chapters, episode.ChapterInfo{Title: c.Title, StartTime: c.StartTime, EndTime: c.EndTime})
			}
		}
	}

	loc := episode.DocumentLocator{
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		SourceType: string(doc.SourceType),
		Title:      doc.Title,
	}
	callCtx := ctx
	if p.SubCallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.SubCallTimeout)
		defer cancel()
	}
	includeOverview := episodeType != EpisodeChapterOnly
	_ = p.Episodes.EmitDocumentOverview(callCtx, loc, sc.ReferenceTime, sc.Text, includeOverview, chapters)
}

// emitFactsBestEffort runs the configured FactExtractor over the document's
// text and upserts a Fact episode if any are found (spec.md §4.4/§4.6). Like
// emitEpisodeBestEffort, failures here never propagate to the caller.
func (p *Pipeline) emitFactsBestEffort(ctx context.Context, doc store.Document, sc ScrapedContent) {
	if p.Episodes == nil {
		return
	}
	loc := episode.DocumentLocator{
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		SourceType: string(doc.SourceType),
		Title:      doc.Title,
	}
	callCtx := ctx
	if p.SubCallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.SubCallTimeout)
		defer cancel()
	}
	_ = p.Episodes.EmitFacts(callCtx, loc, sc.Text)
}

func (p *Pipeline) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return newUUID()
}
