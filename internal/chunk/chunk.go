// Package chunk implements the Chunker (C3): splitting normalized document
// text into overlapping, boundary-aware pieces ready for embedding.
//
// The boundary-walking algorithm is adapted from
// internal/textsplitters/boundary.go's groupByTarget/sentencesOf/
// paragraphsOf/clipOverlapTail, generalized here from that package's
// sentence/paragraph/hybrid split kinds into the paragraph→sentence→word
// three-tier fallback this component's invariants require, plus a hard
// max_chunk_size cap that force-splits at the word level when even a single
// sentence overruns it. Chapter-based chunking is grounded on
// internal/rag/chunker.go's markdownChunk heading-boundary flush logic,
// generalized from markdown headings to caller-supplied Chapter records.
//
// Unlike the teacher, every boundary walked here (paragraph, sentence, word)
// is tracked as a literal (start, end) byte-offset span into the chapter's
// own text rather than reassembled through a strings.Builder, so a Chunk's
// StartChar/EndChar are exact offsets and content[StartChar:EndChar]
// reproduces Chunk.Text verbatim.
package chunk

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Unit is the measure used for ChunkSize/ChunkOverlap/MaxChunkSize.
type Unit string

const (
	UnitChars  Unit = "chars"
	UnitTokens Unit = "tokens"
)

// Tokenizer counts and slices units for token-based sizing. The zero value
// is not usable; use WhitespaceTokenizer for a dependency-free default.
type Tokenizer interface {
	Count(text string) int
	LastN(text string, n int) string
}

// WhitespaceTokenizer treats whitespace-separated fields as tokens, mirroring
// internal/textsplitters/tokenizer.go's WhitespaceTokenizer.
type WhitespaceTokenizer struct{}

func (WhitespaceTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

func (WhitespaceTokenizer) LastN(text string, n int) string {
	fields := strings.Fields(text)
	if n <= 0 || len(fields) == 0 {
		return ""
	}
	if n >= len(fields) {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[len(fields)-n:], " ")
}

// Chapter is a caller-identified structural unit (book chapter, markdown
// heading section, transcript segment) that chunking should respect before
// falling back to paragraph/sentence/word splitting.
type Chapter struct {
	Title string
	Text  string
	// StartTime and EndTime anchor a chapter to its source timeline (e.g. a
	// video transcript's chapter marker), in seconds offset from the
	// document's reference time. Zero for source types with no inherent
	// timeline (e.g. articles), in which case no time anchor is recorded
	// downstream.
	StartTime float64
	EndTime   float64
}

// Options configures chunking. ChunkSize and ChunkOverlap are expressed in
// Unit; MaxChunkSize is a hard ceiling enforced regardless of boundaries.
// MaxTokens is a second, token-denominated ceiling applied after the
// Unit-based pass: any chunk whose token count still exceeds it is resplit
// at word boundaries by token count. It is independent of Unit/MaxChunkSize
// so a char-sized deployment can still cap chunks to a model's context
// window; zero disables the pass.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	MaxChunkSize int
	MaxTokens    int
	Unit         Unit
	Tokenizer    Tokenizer
	PreserveCode bool
}

func (o Options) withDefaults() Options {
	if o.Unit == "" {
		o.Unit = UnitChars
	}
	if o.Tokenizer == nil {
		o.Tokenizer = WhitespaceTokenizer{}
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = o.ChunkSize * 2
	}
	return o
}

// Chunk is one output piece, carrying its position for citation and its
// source chapter title when the input was chapter-segmented. StartChar and
// EndChar are byte offsets into the originating chapter's Text (or, when
// chapters were not supplied, into the whole document content) such that
// content[StartChar:EndChar] == Text.
type Chunk struct {
	Index        int
	Text         string
	ChapterTitle string
	TokenCount   int
	StartChar    int
	EndChar      int
}

var (
	paraSplitRe = regexp.MustCompile(`\n\s*\n+`)
	sentSplitRe = regexp.MustCompile(`(?s)([^.!?]+[.!?]+|[^.!?]+$)`)
	codeFenceRe = regexp.MustCompile("(?s)```.*?```")
	wordBoundRe = regexp.MustCompile(`\s+`)
)

// span is a byte-offset range [start, end) into some base text.
type span struct {
	start, end int
}

func (s span) empty() bool { return s.start < 0 }

// Split chunks content according to opts. When chapters is non-empty each
// chapter is chunked independently (so a chunk never spans a chapter
// boundary) and the resulting Chunk.ChapterTitle is set; otherwise content is
// chunked as a single unit.
func Split(content string, chapters []Chapter, opts Options) ([]Chunk, error) {
	opts = opts.withDefaults()
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk: ChunkSize must be positive")
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		return nil, fmt.Errorf("chunk: ChunkOverlap must be in [0, ChunkSize)")
	}

	if len(chapters) == 0 {
		if strings.TrimSpace(content) == "" {
			return nil, nil
		}
		chapters = []Chapter{{Text: content}}
	}

	var out []Chunk
	for _, ch := range chapters {
		if strings.TrimSpace(ch.Text) == "" {
			continue
		}
		pieces := chunkOne(ch.Text, opts)
		pieces = resplitForMaxTokens(ch.Text, pieces, opts)
		for _, p := range pieces {
			p.ChapterTitle = ch.Title
			out = append(out, p)
		}
	}
	for i := range out {
		out[i].Index = i
		out[i].TokenCount = opts.Tokenizer.Count(out[i].Text)
	}
	return out, nil
}

// chunkOne runs the paragraph→sentence→word boundary walk over a single
// chapter (or the whole document, when chapters were not supplied),
// returning chunks whose StartChar/EndChar are offsets into the original
// chapterText (never the code-shielded working copy).
func chunkOne(chapterText string, opts Options) []Chunk {
	text := chapterText
	var mappings []codeMapping
	if opts.PreserveCode {
		text, mappings = shieldCodeBlocks(chapterText)
	}

	paras := paragraphsOf(text)
	chunks := groupByTarget(text, paras, opts)

	for i := range chunks {
		start, end := chunks[i].StartChar, chunks[i].EndChar
		if opts.PreserveCode {
			start = mapShieldedOffset(start, mappings)
			end = mapShieldedOffset(end, mappings)
		}
		chunks[i].StartChar = start
		chunks[i].EndChar = end
		chunks[i].Text = chapterText[start:end]
	}
	return chunks
}

// trimSpan narrows [start, end) inward past any leading/trailing Unicode
// whitespace, the span-based equivalent of strings.TrimSpace.
func trimSpan(text string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}

func paragraphsOf(text string) []span {
	seps := paraSplitRe.FindAllStringIndex(text, -1)
	var out []span
	prev := 0
	for _, sep := range seps {
		s, e := trimSpan(text, prev, sep[0])
		if e > s {
			out = append(out, span{s, e})
		}
		prev = sep[1]
	}
	s, e := trimSpan(text, prev, len(text))
	if e > s {
		out = append(out, span{s, e})
	}
	return out
}

// splitIntoSentences splits text[base.start:base.end] into trimmed sentence
// spans, returned as absolute offsets into text.
func splitIntoSentences(text string, base span) []span {
	sub := text[base.start:base.end]
	matches := sentSplitRe.FindAllStringIndex(sub, -1)
	var out []span
	for _, m := range matches {
		s, e := trimSpan(sub, m[0], m[1])
		if e > s {
			out = append(out, span{base.start + s, base.start + e})
		}
	}
	return out
}

func measure(text string, opts Options) int {
	if opts.Unit == UnitTokens {
		return opts.Tokenizer.Count(text)
	}
	return len([]rune(text))
}

// wordSpans splits text[base.start:base.end] on whitespace runs, returning
// each non-empty word as an absolute span into text.
func wordSpans(text string, base span) []span {
	sub := text[base.start:base.end]
	seps := wordBoundRe.FindAllStringIndex(sub, -1)
	var out []span
	prev := 0
	for _, sep := range seps {
		if sep[0] > prev {
			out = append(out, span{base.start + prev, base.start + sep[0]})
		}
		prev = sep[1]
	}
	if prev < len(sub) {
		out = append(out, span{base.start + prev, base.start + len(sub)})
	}
	return out
}

// splitWords hard-splits text[base.start:base.end] at word boundaries so
// that no resulting piece, measured under opts, exceeds opts.MaxChunkSize;
// this is the last-resort tier below sentence splitting and is the only
// tier that can break a sentence mid-thought.
func splitWords(text string, base span, opts Options) []span {
	words := wordSpans(text, base)
	var out []span
	cur := span{-1, -1}
	for _, w := range words {
		candStart, candEnd := w.start, w.end
		if !cur.empty() {
			candStart = cur.start
		}
		if !cur.empty() && measure(text[candStart:candEnd], opts) > opts.MaxChunkSize {
			out = append(out, cur)
			cur = w
			continue
		}
		cur = span{candStart, candEnd}
	}
	if !cur.empty() {
		out = append(out, cur)
	}
	return out
}

// splitLargeUnit breaks a paragraph that overruns ChunkSize into
// sentence-sized spans, and further breaks any sentence that still overruns
// MaxChunkSize into word-bounded spans.
func splitLargeUnit(text string, para span, opts Options) []span {
	sentences := splitIntoSentences(text, para)
	if len(sentences) == 0 {
		sentences = []span{para}
	}
	var out []span
	for _, s := range sentences {
		if measure(text[s.start:s.end], opts) <= opts.MaxChunkSize {
			out = append(out, s)
			continue
		}
		out = append(out, splitWords(text, s, opts)...)
	}
	return out
}

// groupByTarget walks paragraph-level spans, accumulating them into a
// running [start,end) builder span until adding the next one would exceed
// opts.ChunkSize. When a single paragraph alone exceeds ChunkSize it is
// recursed into via splitLargeUnit; when a single sentence still exceeds
// MaxChunkSize it is hard-split at word boundaries. Each emitted chunk (but
// the first) is seeded with an overlap tail from the previous chunk, snapped
// to a word boundary.
func groupByTarget(text string, units []span, opts Options) []Chunk {
	var chunks []Chunk
	builder := span{-1, -1}
	var pendingOverlap *span

	fits := func(u span) bool {
		start := u.start
		if !builder.empty() {
			start = builder.start
		}
		return measure(text[start:u.end], opts) <= opts.ChunkSize
	}

	extend := func(u span) {
		if builder.empty() {
			builder = u
		} else {
			builder.end = u.end
		}
	}

	flush := func() {
		if builder.empty() {
			return
		}
		chunks = append(chunks, Chunk{StartChar: builder.start, EndChar: builder.end})
		builder = span{-1, -1}
	}

	startNext := func() {
		flush()
		if pendingOverlap != nil {
			builder = *pendingOverlap
			pendingOverlap = nil
		}
	}

	for _, para := range units {
		if fits(para) {
			extend(para)
			continue
		}

		if !builder.empty() {
			ov := clipOverlapTail(text, builder, opts)
			pendingOverlap = ov
			startNext()
			if fits(para) {
				extend(para)
				continue
			}
		}

		// The paragraph alone doesn't fit even in an empty chunk: fall back
		// to sentence-level, then word-level, splitting.
		for _, piece := range splitLargeUnit(text, para, opts) {
			if fits(piece) {
				extend(piece)
				continue
			}
			if !builder.empty() {
				ov := clipOverlapTail(text, builder, opts)
				pendingOverlap = ov
				startNext()
			}
			extend(piece)
			flush()
			pendingOverlap = nil
		}
	}
	flush()
	return enforceHardCap(text, chunks, opts)
}

// clipOverlapTail returns the trailing ChunkOverlap units of chunkSpan,
// snapped outward to the nearest preceding word boundary so the overlap
// never starts mid-word, as an absolute span into text.
func clipOverlapTail(text string, chunkSpan span, opts Options) *span {
	if opts.ChunkOverlap <= 0 || chunkSpan.empty() {
		return nil
	}
	sub := text[chunkSpan.start:chunkSpan.end]
	if opts.Unit == UnitTokens {
		overlapText := opts.Tokenizer.LastN(sub, opts.ChunkOverlap)
		if overlapText == "" {
			return nil
		}
		idx := strings.LastIndex(sub, overlapText)
		if idx < 0 {
			return nil
		}
		out := span{chunkSpan.start + idx, chunkSpan.end}
		return &out
	}

	runes := []rune(sub)
	if len(runes) <= opts.ChunkOverlap {
		return &span{chunkSpan.start, chunkSpan.end}
	}
	start := len(runes) - opts.ChunkOverlap
	for start > 0 && runes[start] != ' ' && runes[start-1] != ' ' {
		start--
	}
	for start < len(runes) && runes[start] == ' ' {
		start++
	}
	byteOffset := len(string(runes[:start]))
	out := span{chunkSpan.start + byteOffset, chunkSpan.end}
	return &out
}

// enforceHardCap is a final safety pass: any chunk that somehow still
// exceeds MaxChunkSize (e.g. a single unsplittable token run) is force-cut at
// the word level rather than emitted oversized.
func enforceHardCap(text string, chunks []Chunk, opts Options) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		sp := span{c.StartChar, c.EndChar}
		if measure(text[sp.start:sp.end], opts) <= opts.MaxChunkSize {
			out = append(out, c)
			continue
		}
		for _, piece := range splitWords(text, sp, opts) {
			out = append(out, Chunk{StartChar: piece.start, EndChar: piece.end})
		}
	}
	return out
}

// resplitForMaxTokens applies opts.MaxTokens as a second, token-denominated
// ceiling after the Unit-based pass above: any chunk whose token count still
// exceeds MaxTokens is resplit at word boundaries by token count (spec.md
// §4.3's "chunks exceeding max_tokens must be resplit"). text is the chapter
// text chunks' StartChar/EndChar already refer into.
func resplitForMaxTokens(text string, chunks []Chunk, opts Options) []Chunk {
	if opts.MaxTokens <= 0 {
		return chunks
	}
	var out []Chunk
	for _, c := range chunks {
		if opts.Tokenizer.Count(c.Text) <= opts.MaxTokens {
			out = append(out, c)
			continue
		}
		for _, piece := range splitWordsByTokenLimit(text, span{c.StartChar, c.EndChar}, opts) {
			out = append(out, Chunk{
				Text:      text[piece.start:piece.end],
				StartChar: piece.start,
				EndChar:   piece.end,
			})
		}
	}
	return out
}

// splitWordsByTokenLimit is splitWords' token-counted counterpart, used only
// by the MaxTokens resplit pass so the Unit-based pass above stays agnostic
// of it.
func splitWordsByTokenLimit(text string, base span, opts Options) []span {
	words := wordSpans(text, base)
	var out []span
	cur := span{-1, -1}
	for _, w := range words {
		candStart, candEnd := w.start, w.end
		if !cur.empty() {
			candStart = cur.start
		}
		if !cur.empty() && opts.Tokenizer.Count(text[candStart:candEnd]) > opts.MaxTokens {
			out = append(out, cur)
			cur = w
			continue
		}
		cur = span{candStart, candEnd}
	}
	if !cur.empty() {
		out = append(out, cur)
	}
	return out
}

// codeMapping records where a fenced code block's placeholder token landed
// in the shielded text and what original-text span it stands in for, so
// offsets computed against the shielded text can be translated back.
type codeMapping struct {
	shieldedStart, shieldedEnd int
	originalStart, originalEnd int
}

// shieldCodeBlocks replaces every fenced code block in text with a short
// opaque placeholder token, so paragraph/sentence/word boundary regexes
// never look inside one (and therefore never split one apart). It returns
// the shielded text and the mappings needed to translate a shielded-text
// offset back into an offset into the original text.
func shieldCodeBlocks(text string) (string, []codeMapping) {
	matches := codeFenceRe.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	var b strings.Builder
	var mappings []codeMapping
	prev := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		b.WriteString(text[prev:start])
		shieldedStart := b.Len()
		b.WriteString(fmt.Sprintf("\x00CODEBLOCK%d\x00", len(mappings)))
		mappings = append(mappings, codeMapping{
			shieldedStart: shieldedStart,
			shieldedEnd:   b.Len(),
			originalStart: start,
			originalEnd:   end,
		})
		prev = end
	}
	b.WriteString(text[prev:])
	return b.String(), mappings
}

// mapShieldedOffset translates an offset into shielded text back into an
// offset into the text shieldCodeBlocks was given. Boundary-walking never
// splits a placeholder token apart (it contains no whitespace and no
// sentence punctuation), so pos always falls either in plain text or
// exactly at a placeholder's edge, never strictly inside one.
func mapShieldedOffset(pos int, mappings []codeMapping) int {
	delta := 0
	for _, m := range mappings {
		if m.shieldedEnd > pos {
			break
		}
		delta += (m.originalEnd - m.originalStart) - (m.shieldedEnd - m.shieldedStart)
	}
	return pos + delta
}
