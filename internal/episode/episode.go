// Package episode implements the Temporal Episode Sink (C6): a best-effort,
// non-fatal side channel that records ingestion events as upsertable
// episode nodes, conceptually the RIC analog of the original Python
// system's Graphiti integration (see original_source's
// youtube_rag/ingestion/adapter.go and crawl4ai_rag/ingestion/adapter.py,
// both of which wire an optional GraphitiIngestionAdapter alongside the
// primary store write). The upsert/neighbor shape is adapted from
// internal/persistence/databases/memory_graph.go's node+edge map, narrowed
// to RIC's episode model and keyed so repeated ingests of the same document
// update rather than duplicate an episode.
package episode

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Type is the closed set of episode kinds.
type Type string

const (
	TypeDocumentOverview Type = "document_overview"
	TypeChapter          Type = "chapter"
	TypeFact             Type = "fact"
)

// DocumentLocator is the narrow value type C4 and the store pass into C6,
// breaking the C4↔store↔C6 cyclic dependency a full Document reference would
// otherwise create (spec.md Design Notes).
type DocumentLocator struct {
	DocumentID string
	OwnerID    string
	SourceType string
	Title      string
}

// Episode is one temporal fact recorded about a document's ingestion.
type Episode struct {
	Key     string // {source_type}:{document_id}:{episode_type}:{title?}
	Type    Type
	Locator DocumentLocator
	Title   string
	Body    string
	Facts   []string
	// OccurredAt anchors the episode in time (spec.md §4.6's "chapter
	// episodes anchored at the chapter start time"): for a document-overview
	// episode this is the content's own reference time (e.g. a video's
	// publish date), and for a chapter episode it is that reference time
	// offset by the chapter's StartTime. Zero when no reference time was
	// available.
	OccurredAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ChapterInfo is the chapter metadata EmitDocumentOverview needs to anchor a
// chapter episode in time, mirroring chunk.Chapter's Title/StartTime/EndTime
// without importing the chunk package (episode stays a leaf package).
type ChapterInfo struct {
	Title     string
	StartTime float64 // seconds offset from the document's reference time
	EndTime   float64
}

func keyFor(loc DocumentLocator, typ Type, title string) string {
	if title == "" {
		return fmt.Sprintf("%s:%s:%s", loc.SourceType, loc.DocumentID, typ)
	}
	return fmt.Sprintf("%s:%s:%s:%s", loc.SourceType, loc.DocumentID, typ, title)
}

// FactExtractor pulls structured facts out of chunk text for a Fact episode.
// The default NoopFactExtractor always returns no facts; a real deployment
// can plug in an LLM-backed implementation without changing Sink callers.
type FactExtractor interface {
	Extract(ctx context.Context, text string) ([]string, error)
}

// NoopFactExtractor never extracts facts; it is the default so that episode
// emission remains best-effort and dependency-free unless a caller opts in.
type NoopFactExtractor struct{}

func (NoopFactExtractor) Extract(context.Context, string) ([]string, error) { return nil, nil }

// Sink stores episodes keyed for idempotent upsert. Implementations must be
// safe for concurrent use.
type Sink interface {
	Upsert(ctx context.Context, ep Episode) error
	Neighbors(ctx context.Context, documentID string) ([]Episode, error)
}

// MemorySink is an in-process Sink, adapted from
// internal/persistence/databases/memory_graph.go's mutex-guarded node map,
// narrowed from generic nodes/edges to keyed Episode records.
type MemorySink struct {
	mu       sync.RWMutex
	episodes map[string]Episode
}

func NewMemorySink() *MemorySink {
	return &MemorySink{episodes: make(map[string]Episode)}
}

func (m *MemorySink) Upsert(_ context.Context, ep Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.episodes[ep.Key]; ok {
		ep.CreatedAt = existing.CreatedAt
	} else {
		ep.CreatedAt = ep.UpdatedAt
	}
	m.episodes[ep.Key] = ep
	return nil
}

func (m *MemorySink) Neighbors(_ context.Context, documentID string) ([]Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Episode
	for _, ep := range m.episodes {
		if ep.Locator.DocumentID == documentID {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Emitter wraps a Sink with the best-effort emission policy spec.md
// requires: episode emission failures are collected and reported, but never
// fail (or roll back) the ingestion operation that triggered them.
type Emitter struct {
	Sink      Sink
	Extractor FactExtractor
	now       func() time.Time
}

// NewEmitter constructs an Emitter. now is exposed for tests that need
// deterministic timestamps; callers in production pass time.Now.
func NewEmitter(sink Sink, extractor FactExtractor, now func() time.Time) *Emitter {
	if extractor == nil {
		extractor = NoopFactExtractor{}
	}
	if now == nil {
		now = time.Now
	}
	return &Emitter{Sink: sink, Extractor: extractor, now: now}
}

// excerptRuneLimit caps the overview episode's Body so the sink stores a
// preview rather than the whole document a second time.
const excerptRuneLimit = 500

// excerptText truncates text to at most excerptRuneLimit runes, rune-aware so
// multi-byte characters are never split.
func excerptText(text string) string {
	runes := []rune(text)
	if len(runes) <= excerptRuneLimit {
		return text
	}
	return string(runes[:excerptRuneLimit])
}

// EmitDocumentOverview records that a document was ingested. excerpt becomes
// the overview episode's Body (spec.md §3/§4.6), truncated to
// excerptRuneLimit runes. referenceTime, when non-nil, anchors the overview
// episode's OccurredAt and, combined with each chapter's StartTime, anchors
// that chapter's own episode at its start time rather than at ingestion time.
// chapters, when non-empty, additionally emits one TypeChapter episode per
// chapter so later retrieval can surface "this document covers chapters X,
// Y, Z" without re-reading chunk text. includeOverview gates the
// whole-document overview episode itself, so a caller using
// ingest.EpisodeChapterOnly can request chapter episodes without also
// creating the overview.
//
// EmitDocumentOverview never returns an error that should abort ingestion;
// callers invoke it after the transactional persist step has already
// committed, and log (rather than propagate) whatever error it returns.
func (e *Emitter) EmitDocumentOverview(ctx context.Context, loc DocumentLocator, referenceTime *time.Time, excerpt string, includeOverview bool, chapters []ChapterInfo) error {
	now := e.now()
	var errs []error
	if includeOverview {
		overview := Episode{
			Key:       keyFor(loc, TypeDocumentOverview, ""),
			Type:      TypeDocumentOverview,
			Locator:   loc,
			Title:     loc.Title,
			Body:      excerptText(excerpt),
			UpdatedAt: now,
		}
		if referenceTime != nil {
			overview.OccurredAt = *referenceTime
		}
		if err := e.Sink.Upsert(ctx, overview); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ch := range chapters {
		chEp := Episode{
			Key:       keyFor(loc, TypeChapter, ch.Title),
			Type:      TypeChapter,
			Locator:   loc,
			Title:     ch.Title,
			UpdatedAt: now,
		}
		if referenceTime != nil {
			chEp.OccurredAt = referenceTime.Add(time.Duration(ch.StartTime * float64(time.Second)))
		}
		if err := e.Sink.Upsert(ctx, chEp); err != nil {
			errs = append(errs, err)
		}
	}
	return joinBestEffort(errs)
}

// EmitFacts runs the configured FactExtractor over chunkText and, if any
// facts are returned, upserts a Fact episode. Extraction failures and sink
// failures are both best-effort: this method never blocks or fails the
// caller's ingestion.
func (e *Emitter) EmitFacts(ctx context.Context, loc DocumentLocator, chunkText string) error {
	facts, err := e.Extractor.Extract(ctx, chunkText)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		return nil
	}
	return e.Sink.Upsert(ctx, Episode{
		Key:       keyFor(loc, TypeFact, ""),
		Type:      TypeFact,
		Locator:   loc,
		Facts:     facts,
		UpdatedAt: e.now(),
	})
}

func joinBestEffort(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
