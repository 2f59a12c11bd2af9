// Package service wires the six RIC components (C1-C6) behind the four
// external call surfaces named by spec.md §6: IngestContent, Search,
// DeleteDocument, GetDocumentCounts. It is the DI façade a transport layer
// (HTTP/RPC, out of RIC's scope) calls into.
//
// The functional-options construction (Clock/Logger/Metrics interfaces,
// New(...) + With* options) is adapted from internal/rag/service/
// options.go and service.go, generalized from that package's
// databases.Manager-based wiring to RIC's own store/ingest/retrieve/access
// packages, and from its ad hoc stage-by-stage metrics calls to the same
// pattern reused here for Ingest/Search.
package service

import (
	"context"
	"time"

	"ric/internal/access"
	"ric/internal/chunk"
	"ric/internal/ingest"
	"ric/internal/retrieve"
	"ric/internal/ricerrors"
	"ric/internal/store"
	"ric/internal/telemetry"
)

// Clock abstracts time so ProcessingTimeMs is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Logger is a minimal structured-logging interface satisfied by
// internal/logging's zerolog wrapper, kept narrow so this package does not
// import zerolog directly.
type Logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// NoopLogger discards everything; it is the default so Service is usable
// without wiring internal/logging explicitly.
type NoopLogger struct{}

func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}

// NoopMetrics discards everything; it is the Service default so it is
// usable without wiring internal/telemetry explicitly.
type NoopMetrics struct{}

func (NoopMetrics) IncCounter(string, map[string]string)               {}
func (NoopMetrics) ObserveHistogram(string, float64, map[string]string) {}

// Service provides the four public RIC call surfaces over a configured
// Ingestion Pipeline, Retrieval Engine components, and document store.
type Service struct {
	pipeline *ingest.Pipeline
	docs     store.DocumentStore
	vector   store.VectorStore
	text     store.TextSearch
	semantic retrieve.Searcher
	lexical  retrieve.Searcher
	graph    retrieve.Searcher // optional; nil if no graph backend configured
	reranker retrieve.Reranker

	defaultChunking       chunk.Options
	defaultRetrieve       retrieve.Options
	defaultMaxConcurrency int
	// requestDeadline bounds an entire IngestContent/Search call (spec.md
	// §5/§6). Zero disables the bound and leaves the caller's ctx as the
	// only deadline in play.
	requestDeadline time.Duration

	clock   Clock
	log     Logger
	metrics telemetry.Metrics
}

// Option configures a Service during construction.
type Option func(*Service)

func WithLogger(l Logger) Option                   { return func(s *Service) { s.log = l } }
func WithMetrics(m telemetry.Metrics) Option        { return func(s *Service) { s.metrics = m } }
func WithClock(c Clock) Option                      { return func(s *Service) { s.clock = c } }
func WithReranker(r retrieve.Reranker) Option       { return func(s *Service) { s.reranker = r } }
func WithGraphSearcher(g retrieve.Searcher) Option  { return func(s *Service) { s.graph = g } }
func WithDefaultChunking(o chunk.Options) Option    { return func(s *Service) { s.defaultChunking = o } }
func WithDefaultRetrieve(o retrieve.Options) Option { return func(s *Service) { s.defaultRetrieve = o } }
func WithDefaultMaxConcurrency(n int) Option        { return func(s *Service) { s.defaultMaxConcurrency = n } }
func WithRequestDeadline(d time.Duration) Option    { return func(s *Service) { s.requestDeadline = d } }

// New wires a Service from its component parts. semantic and lexical are the
// Searchers that back "semantic"/"lexical"/"hybrid" search_type requests;
// both are required (spec.md §4.5 runs both by default under "hybrid").
func New(pipeline *ingest.Pipeline, docs store.DocumentStore, vector store.VectorStore, text store.TextSearch, semantic, lexical retrieve.Searcher, opts ...Option) *Service {
	s := &Service{
		pipeline:        pipeline,
		docs:            docs,
		vector:          vector,
		text:            text,
		semantic:        semantic,
		lexical:         lexical,
		reranker:        retrieve.NoopReranker{},
		defaultChunking: chunk.Options{ChunkSize: 800, ChunkOverlap: 100, MaxChunkSize: 2000},
		defaultRetrieve: retrieve.Options{K: 10, RRFK: 60},
		clock:           SystemClock{},
		log:             NoopLogger{},
		metrics:         NoopMetrics{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// --- IngestContent ---

// IngestContentOptions mirrors the `options` map named in spec.md §4.4.
type IngestContentOptions struct {
	ChunkByChapters bool
	// ForceReindex selects ingest.ForceReindex; omitting it keeps the
	// pipeline default of ingest.SkipDuplicates (spec.md §4.4's two named
	// external reingest policies).
	ForceReindex   bool
	Chunking       *chunk.Options // nil uses the Service default
	MaxConcurrency int
	// ExtractFacts requests the best-effort Fact episode emission step
	// (spec.md §4.4's extract_facts option), forwarded to ingest.Options.
	ExtractFacts bool
	// GraphitiEpisodeType selects which episode(s) get emitted, mirroring
	// the original system's graphiti_episode_type option; empty defers to
	// ingest's chapters-present heuristic.
	GraphitiEpisodeType ingest.EpisodeType
}

// IngestContentRequest is the request shape named in spec.md §6.
type IngestContentRequest struct {
	Content       string
	Title         string
	Source        string
	SourceType    store.SourceType
	Metadata      map[string]string
	ReferenceTime *time.Time
	Chapters      []chunk.Chapter
	RawBytes      []byte
	OwnerID       string
	OwnerEmail    string
	IsPublic      bool
	SharedWith    []string
	GroupIDs      []string
	Options       IngestContentOptions
}

// IngestContentResponse is the response shape named in spec.md §6.
type IngestContentResponse struct {
	Success          bool
	DocumentID       string
	ChunksCreated    int
	ProcessingTimeMs int64
	Skipped          bool
	SkipReason       string
	Errors           []string
}

// IngestContent runs the Ingestion Pipeline (C4) for one ScrapedContent.
func (s *Service) IngestContent(ctx context.Context, req IngestContentRequest) (IngestContentResponse, error) {
	if s.requestDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestDeadline)
		defer cancel()
	}
	start := s.clock.Now()
	s.metrics.IncCounter(telemetry.MetricIngestTotal, map[string]string{"source_type": string(req.SourceType)})

	chapters := req.Chapters
	if !req.Options.ChunkByChapters {
		chapters = nil
	}

	chunking := s.defaultChunking
	if req.Options.Chunking != nil {
		chunking = *req.Options.Chunking
	}

	policy := ingest.SkipDuplicates
	if req.Options.ForceReindex {
		policy = ingest.ForceReindex
	}

	sc := ingest.ScrapedContent{
		SourceType:    req.SourceType,
		Title:         req.Title,
		Text:          req.Content,
		Chapters:      chapters,
		SourceKey:     req.Source,
		Metadata:      req.Metadata,
		RawBytes:      req.RawBytes,
		ReferenceTime: req.ReferenceTime,
	}
	maxConcurrency := req.Options.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = s.defaultMaxConcurrency
	}

	opts := ingest.Options{
		OwnerID:        req.OwnerID,
		OwnerEmail:     req.OwnerEmail,
		IsPublic:       req.IsPublic,
		SharedWith:     req.SharedWith,
		GroupIDs:       req.GroupIDs,
		ReingestPolicy: policy,
		Chunking:       chunking,
		MaxConcurrency: maxConcurrency,
		ExtractFacts:   req.Options.ExtractFacts,
		EpisodeType:    req.Options.GraphitiEpisodeType,
	}

	res, err := s.pipeline.Ingest(ctx, sc, opts)
	elapsed := s.clock.Now().Sub(start)
	s.metrics.ObserveHistogram(telemetry.MetricIngestDuration, elapsed.Seconds(), map[string]string{"source_type": string(req.SourceType)})

	if err != nil {
		s.log.Error("ingest failed", map[string]any{"owner_id": req.OwnerID, "source_type": req.SourceType, "error": err.Error()})
		return IngestContentResponse{
			Success:          false,
			ProcessingTimeMs: elapsed.Milliseconds(),
			Errors:           []string{err.Error()},
		}, err
	}

	resp := IngestContentResponse{
		Success:          true,
		DocumentID:       res.DocumentID,
		ChunksCreated:    res.ChunkCount,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Skipped:          res.Skipped,
	}
	if res.Skipped {
		resp.SkipReason = "duplicate canonical key matched an existing document"
	}
	s.log.Info("ingest completed", map[string]any{"document_id": res.DocumentID, "chunks_created": res.ChunkCount, "skipped": res.Skipped})
	return resp, nil
}

// --- Search ---

// SearchType selects which Searchers run.
type SearchType string

const (
	SearchSemantic SearchType = "semantic"
	SearchLexical  SearchType = "lexical"
	SearchHybrid   SearchType = "hybrid"
)

// SearchRequest is the request shape named in spec.md §6.
type SearchRequest struct {
	Query      string
	Principal  access.Principal
	MatchCount int
	SearchType SearchType
	Filter     map[string]string // chunk-level metadata filter, applied post-fusion
	UseRerank  bool
	RRFK       int
}

// SearchResult is the record shape named in spec.md §3.
type SearchResult struct {
	ChunkID        string
	DocumentID     string
	Content        string
	Score          float64
	Metadata       map[string]string
	DocumentTitle  string
	DocumentSource string
}

// SearchResponse is the response shape named in spec.md §6.
type SearchResponse struct {
	Results []SearchResult
	Count   int
}

func (s *Service) searchersFor(st SearchType) []retrieve.Searcher {
	switch st {
	case SearchSemantic:
		return []retrieve.Searcher{s.semantic}
	case SearchLexical:
		return []retrieve.Searcher{s.lexical}
	default:
		searchers := []retrieve.Searcher{s.semantic, s.lexical}
		if s.graph != nil {
			searchers = append(searchers, s.graph)
		}
		return searchers
	}
}

// Search runs the Retrieval Engine (C5): fan out across the requested
// Searchers, fuse with RRF, optionally rerank, hydrate document metadata,
// and enforce access via the compiled predicate.
func (s *Service) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if s.requestDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestDeadline)
		defer cancel()
	}
	start := s.clock.Now()
	st := req.SearchType
	if st == "" {
		st = SearchHybrid
	}

	pr := access.Compile(req.Principal)
	engine := retrieve.NewEngine(s.searchersFor(st), s.reranker)

	opts := s.defaultRetrieve
	if req.MatchCount > 0 {
		opts.K = req.MatchCount
	}
	// Clamp K against MaxMatchCount (spec.md §4.5/§6's max_match_count):
	// this is enforced here, not inside Engine.Retrieve, since only the
	// caller can tell a request-supplied value apart from a trusted
	// internal default.
	if opts.MaxMatchCount > 0 && opts.K > opts.MaxMatchCount {
		opts.K = opts.MaxMatchCount
	}
	if req.RRFK > 0 {
		opts.RRFK = req.RRFK
	}
	opts.Rerank = req.UseRerank

	fused, diags, err := engine.Retrieve(ctx, req.Query, nil, pr, opts)
	elapsed := s.clock.Now().Sub(start)
	s.metrics.ObserveHistogram(telemetry.MetricRetrieveDuration, elapsed.Seconds(), map[string]string{"search_type": string(st)})
	s.metrics.IncCounter(telemetry.MetricRetrieveTotal, map[string]string{"search_type": string(st)})
	for _, d := range diags {
		if d.Err != nil {
			s.metrics.IncCounter(telemetry.MetricSourceErrors, map[string]string{"source": d.Source})
			s.log.Error("searcher degraded", map[string]any{"source": d.Source, "error": d.Err.Error()})
		}
	}
	if err != nil {
		return SearchResponse{}, ricerrors.Wrap(ricerrors.DependencyUnavailable, "all searchers failed", err)
	}

	results := make([]SearchResult, 0, len(fused))
	for _, r := range fused {
		if !matchesFilter(r.Metadata, req.Filter) {
			continue
		}
		sr := SearchResult{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Content:    r.Text,
			Score:      r.Score,
			Metadata:   r.Metadata,
		}
		if doc, ok, derr := s.docs.Get(ctx, r.DocumentID); derr == nil && ok {
			sr.DocumentTitle = doc.Title
			sr.DocumentSource = doc.CanonicalKey
		}
		results = append(results, sr)
	}

	return SearchResponse{Results: results, Count: len(results)}, nil
}

// matchesFilter reports whether metadata satisfies every key/value pair in
// filter. An empty filter matches everything. This is a post-fusion
// narrowing step; production searchers should push equivalent filters into
// their native query (spec.md §4.5's "in-store" requirement covers the
// access predicate, which every Searcher already applies — an additional
// free-form chunk filter has no single native representation across
// backends, so it is applied here instead).
func matchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// --- DeleteDocument ---

// DeleteDocumentRequest is the request shape named in spec.md §6.
type DeleteDocumentRequest struct {
	DocumentID string
	Principal  access.Principal
}

// DeleteDocumentResponse is the response shape named in spec.md §6.
type DeleteDocumentResponse struct {
	Deleted bool
}

// DeleteDocument verifies the principal can WRITE the document — owner or
// admin — which is a stricter, different check than the read-access
// predicate (access.Predicate.Allows) every Searcher applies: a document
// shared or public to a principal is readable by them but not deletable.
func (s *Service) DeleteDocument(ctx context.Context, req DeleteDocumentRequest) (DeleteDocumentResponse, error) {
	doc, ok, err := s.docs.Get(ctx, req.DocumentID)
	if err != nil {
		return DeleteDocumentResponse{}, ricerrors.Wrap(ricerrors.Internal, "look up document for delete", err)
	}
	if !ok {
		return DeleteDocumentResponse{}, ricerrors.New(ricerrors.NotFound, "document not found: "+req.DocumentID)
	}
	if !req.Principal.IsAdmin && doc.OwnerID != req.Principal.ID {
		return DeleteDocumentResponse{}, ricerrors.New(ricerrors.AccessDenied, "principal may not delete a document it does not own")
	}

	if err := s.vector.DeleteDocument(ctx, req.DocumentID); err != nil {
		return DeleteDocumentResponse{}, ricerrors.Wrap(ricerrors.Internal, "delete vectors", err)
	}
	if err := s.text.DeleteDocument(ctx, req.DocumentID); err != nil {
		return DeleteDocumentResponse{}, ricerrors.Wrap(ricerrors.Internal, "delete text index", err)
	}
	if err := s.docs.Delete(ctx, req.DocumentID); err != nil {
		return DeleteDocumentResponse{}, ricerrors.Wrap(ricerrors.Internal, "delete document row", err)
	}

	s.log.Info("document deleted", map[string]any{"document_id": req.DocumentID, "principal_id": req.Principal.ID})
	return DeleteDocumentResponse{Deleted: true}, nil
}

// --- GetDocumentCounts ---

// GetDocumentCountsRequest is the request shape named in spec.md §6.
type GetDocumentCountsRequest struct {
	Principal access.Principal
	// OwnerID, when set and the principal is an admin, scopes the counts to
	// a different owner than the principal itself. Non-admins are always
	// scoped to their own id regardless of this field.
	OwnerID string
}

// GetDocumentCountsResponse is the response shape named in spec.md §6.
type GetDocumentCountsResponse struct {
	Documents     int
	Chunks        int
	DistinctTypes int
}

// GetDocumentCounts reports principal-scoped totals.
func (s *Service) GetDocumentCounts(ctx context.Context, req GetDocumentCountsRequest) (GetDocumentCountsResponse, error) {
	ownerID := req.Principal.ID
	if req.Principal.IsAdmin && req.OwnerID != "" {
		ownerID = req.OwnerID
	}
	stats, err := s.docs.Stats(ctx, ownerID)
	if err != nil {
		return GetDocumentCountsResponse{}, ricerrors.Wrap(ricerrors.Internal, "document counts", err)
	}
	return GetDocumentCountsResponse{
		Documents:     stats.Documents,
		Chunks:        stats.Chunks,
		DistinctTypes: stats.DistinctTypes,
	}, nil
}
