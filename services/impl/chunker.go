package impl

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

// controlIDPattern matches framework control codes such as POL-001 or
// NADZ-042 anywhere in running text.
var controlIDPattern = regexp.MustCompile(`\b[A-Z]{3,4}-\d{3}\b`)

// enumeratedHeading matches section numbering like "3.2 Upravljanje rizicima"
// or "4.1.2. Nadzor pristupa".
var enumeratedHeading = regexp.MustCompile(`^\d+(\.\d+)+\.?\s+\S`)

// articleHeading matches the legal article form used throughout Croatian
// regulation texts ("Članak 24.").
var articleHeading = regexp.MustCompile(`^(Članak|Article)\s+\d+\.?$`)

type chunker struct {
	opts models.ChunkOptions
}

// NewChunker creates a page-aware chunker with the given size bounds.
func NewChunker(opts models.ChunkOptions) services.Chunker {
	if opts.MaxChunkSize <= 0 || opts.MinChunkSize <= 0 || opts.MinChunkSize >= opts.MaxChunkSize {
		opts = models.DefaultChunkOptions()
	}
	return &chunker{opts: opts}
}

// pageSpan records which slice of the concatenated text belongs to a page.
type pageSpan struct {
	page  int
	start int
	end   int
}

// textRange is a candidate chunk as a window into the concatenated text.
// Keeping ranges instead of copies makes page attribution exact.
type textRange struct {
	start int
	end   int
}

func (c *chunker) Chunk(pages []models.PageText, fileName string, docType models.DocType) []models.ChunkDraft {
	concat, spans := concatenatePages(pages)
	if strings.TrimSpace(concat) == "" {
		return nil
	}

	if docType == "" || docType == models.DocTypeCustom {
		docType = DetectDocType(fileName, firstPageText(pages))
	}

	paragraphs := splitParagraphRanges(concat)
	candidates := c.mergeParagraphs(spans, paragraphs)
	final := c.truncateOversized(concat, candidates)
	headings := collectHeadings(concat)

	drafts := make([]models.ChunkDraft, 0, len(final))
	for _, r := range final {
		content := concat[r.start:r.end]
		if strings.TrimSpace(content) == "" {
			continue
		}
		pageStart, pageEnd, pageAnchor := attributePages(spans, r)

		draft := models.ChunkDraft{
			Content:    content,
			PageStart:  pageStart,
			PageEnd:    pageEnd,
			PageAnchor: pageAnchor,
			ControlIDs: ExtractControlIDs(content),
			DocType:    docType,
			Language:   detectLanguage(content),
		}
		if title := sectionTitleFor(headings, r.start); title != "" {
			draft.SectionTitle = &title
		}
		drafts = append(drafts, draft)
	}
	return drafts
}

// concatenatePages joins page texts with a single newline so paragraphs that
// flow across a page break stay intact, and records per-page offsets.
func concatenatePages(pages []models.PageText) (string, []pageSpan) {
	var sb strings.Builder
	spans := make([]pageSpan, 0, len(pages))
	for i, p := range pages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		start := sb.Len()
		sb.WriteString(p.Text)
		spans = append(spans, pageSpan{page: p.PageNumber, start: start, end: sb.Len()})
	}
	return sb.String(), spans
}

// splitParagraphRanges splits on blank lines and trims each paragraph to its
// non-whitespace extent so offsets stay truthful.
func splitParagraphRanges(text string) []textRange {
	var ranges []textRange
	start := 0
	for start < len(text) {
		sep := strings.Index(text[start:], "\n\n")
		var end int
		if sep < 0 {
			end = len(text)
		} else {
			end = start + sep
		}
		if r, ok := trimRange(text, textRange{start: start, end: end}); ok {
			ranges = append(ranges, r)
		}
		if sep < 0 {
			break
		}
		start = end + 2
	}
	return ranges
}

func trimRange(text string, r textRange) (textRange, bool) {
	for r.start < r.end {
		c, size := utf8.DecodeRuneInString(text[r.start:r.end])
		if !unicode.IsSpace(c) {
			break
		}
		r.start += size
	}
	for r.end > r.start {
		c, size := utf8.DecodeLastRuneInString(text[r.start:r.end])
		if !unicode.IsSpace(c) {
			break
		}
		r.end -= size
	}
	return r, r.start < r.end
}

// mergeParagraphs groups paragraphs into chunks, merging until a chunk
// reaches the min size. A chunk never grows across a page boundary; a page's
// trailing paragraph shorter than the min size is instead absorbed into the
// previous chunk of that page. Oversized results are handled by truncation.
func (c *chunker) mergeParagraphs(spans []pageSpan, paragraphs []textRange) []textRange {
	var out []textRange
	var cur *textRange

	// closeChunk emits cur, folding an undersized page tail back into the
	// preceding chunk of the same page when one exists.
	closeChunk := func() {
		if cur == nil {
			return
		}
		if cur.end-cur.start < c.opts.MinChunkSize && len(out) > 0 &&
			pageAt(spans, out[len(out)-1].end-1) == pageAt(spans, cur.start) {
			out[len(out)-1].end = cur.end
		} else {
			out = append(out, *cur)
		}
		cur = nil
	}

	for _, para := range paragraphs {
		if cur == nil {
			p := para
			cur = &p
			continue
		}
		if pageAt(spans, para.start) > pageAt(spans, cur.end-1) ||
			cur.end-cur.start >= c.opts.MinChunkSize {
			closeChunk()
			p := para
			cur = &p
			continue
		}
		cur.end = para.end
	}
	closeChunk()
	return out
}

// truncateOversized splits any chunk beyond the max size at the nearest
// sentence boundary below the limit; the remainder starts a new chunk.
func (c *chunker) truncateOversized(text string, ranges []textRange) []textRange {
	var out []textRange
	for _, r := range ranges {
		for r.end-r.start > c.opts.MaxChunkSize {
			cut := sentenceCut(text[r.start:r.end], c.opts.MaxChunkSize, c.opts.MinChunkSize)
			head := textRange{start: r.start, end: r.start + cut}
			if trimmed, ok := trimRange(text, head); ok {
				out = append(out, trimmed)
			}
			rest := textRange{start: r.start + cut, end: r.end}
			trimmed, ok := trimRange(text, rest)
			if !ok {
				r = textRange{start: r.end, end: r.end}
				break
			}
			r = trimmed
		}
		if r.end > r.start {
			out = append(out, r)
		}
	}
	return out
}

// sentenceCut finds a byte offset in (min, max] to split at, preferring a
// sentence end, then any whitespace, then a hard cut on a rune boundary.
func sentenceCut(text string, max, min int) int {
	if max >= len(text) {
		return len(text)
	}
	for i := max; i > min; i-- {
		ch := text[i-1]
		if ch == '.' || ch == '!' || ch == '?' || ch == '\n' {
			if i == len(text) || text[i] == ' ' || text[i] == '\n' || text[i] == '\t' {
				return i
			}
		}
	}
	for i := max; i > min; i-- {
		ch := text[i-1]
		if ch == ' ' || ch == '\n' || ch == '\t' {
			return i
		}
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return cut
}

func firstPageText(pages []models.PageText) string {
	if len(pages) == 0 {
		return ""
	}
	return pages[0].Text
}

func pageAt(spans []pageSpan, offset int) int {
	for _, s := range spans {
		if offset < s.end {
			return s.page
		}
	}
	if len(spans) > 0 {
		return spans[len(spans)-1].page
	}
	return 1
}

// attributePages computes the page range and the anchor page, the one
// holding the largest share of the chunk's characters. Ties go to the lower
// page number.
func attributePages(spans []pageSpan, r textRange) (pageStart, pageEnd, pageAnchor int) {
	bestOverlap := -1
	for _, s := range spans {
		lo := maxInt(r.start, s.start)
		hi := minInt(r.end, s.end)
		if hi <= lo {
			continue
		}
		if pageStart == 0 {
			pageStart = s.page
		}
		pageEnd = s.page
		if hi-lo > bestOverlap {
			bestOverlap = hi - lo
			pageAnchor = s.page
		}
	}
	if pageStart == 0 {
		pageStart, pageEnd, pageAnchor = 1, 1, 1
	}
	return pageStart, pageEnd, pageAnchor
}

// ExtractControlIDs returns the distinct control codes in the text, sorted.
func ExtractControlIDs(text string) []string {
	matches := controlIDPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		ids = append(ids, m)
	}
	sort.Strings(ids)
	return ids
}

// docTypeRule maps keyword probes to a document type. First match wins, so
// the more specific entries come first.
type docTypeRule struct {
	docType models.DocType
	probes  []string
	pattern *regexp.Regexp
}

var docTypeRules = []docTypeRule{
	{docType: models.DocTypePrilogB, probes: []string{"prilog b", "prilog_b", "annex b"}},
	{docType: models.DocTypePrilogC, probes: []string{"prilog c", "prilog_c", "annex c"}},
	// The \w* suffix covers Croatian case inflection ("zakona o ...").
	{docType: models.DocTypeZKS, pattern: regexp.MustCompile(`\bzks\b|zakon\w*\s+o\s+kibernetičkoj\s+sigurnosti`)},
	{docType: models.DocTypeNIS2, probes: []string{"2022/2555"}, pattern: regexp.MustCompile(`\bnis\s?2\b`)},
	{docType: models.DocTypeUKS, pattern: regexp.MustCompile(`\buks\b|uredb\w*\s+o\s+kibernetičkoj\s+sigurnosti`)},
	{docType: models.DocTypeISO, probes: []string{"iso/iec", "27001", "27002"}, pattern: regexp.MustCompile(`\biso\b`)},
	{docType: models.DocTypeNIST, probes: []string{"nist"}},
	{docType: models.DocTypeRegulation, probes: []string{"uredba", "zakon", "direktiva", "regulation", "directive"}},
	{docType: models.DocTypeStandard, probes: []string{"standard", "norma"}},
}

// DetectDocType classifies a document from its filename and first-page
// content. Defaults to custom when nothing matches.
func DetectDocType(fileName, firstPage string) models.DocType {
	if len(firstPage) > 2000 {
		firstPage = firstPage[:2000]
	}
	haystack := strings.ToLower(fileName) + "\n" + strings.ToLower(firstPage)
	for _, rule := range docTypeRules {
		for _, probe := range rule.probes {
			if strings.Contains(haystack, probe) {
				return rule.docType
			}
		}
		if rule.pattern != nil && rule.pattern.MatchString(haystack) {
			return rule.docType
		}
	}
	return models.DocTypeCustom
}

// heading is a detected heading line and its offset in the concatenated text.
type heading struct {
	start int
	title string
}

// collectHeadings scans lines for heading shapes: enumerated numbering,
// legal article headers, all-caps lines and short title-case lines.
func collectHeadings(text string) []heading {
	var headings []heading
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if isHeadingLine(trimmed) {
			headings = append(headings, heading{start: offset, title: trimmed})
		}
		offset += len(line) + 1
	}
	return headings
}

func isHeadingLine(line string) bool {
	if line == "" || utf8.RuneCountInString(line) > 90 {
		return false
	}
	if enumeratedHeading.MatchString(line) || articleHeading.MatchString(line) {
		return true
	}
	if strings.HasSuffix(line, ".") || strings.HasSuffix(line, ",") || strings.HasSuffix(line, ";") {
		return false
	}

	letters, uppers := 0, 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		}
	}
	if letters >= 4 && uppers == letters {
		return true
	}

	words := strings.Fields(line)
	if len(words) < 2 || len(words) > 10 {
		return false
	}
	capitalized := 0
	for _, w := range words {
		r, _ := utf8.DecodeRuneInString(w)
		if unicode.IsUpper(r) {
			capitalized++
		}
	}
	return capitalized*10 >= len(words)*7
}

// sectionTitleFor returns the most recent heading at or before the chunk
// start, or empty when the chunk precedes every heading.
func sectionTitleFor(headings []heading, chunkStart int) string {
	title := ""
	for _, h := range headings {
		if h.start > chunkStart {
			break
		}
		title = h.title
	}
	return title
}

// Croatian function words plus framework vocabulary; diacritics alone are
// already a strong signal and short-circuit detection.
var hrStopwords = map[string]struct{}{
	"i": {}, "u": {}, "je": {}, "se": {}, "na": {}, "za": {}, "su": {},
	"da": {}, "od": {}, "s": {}, "ili": {}, "te": {}, "kao": {}, "koji": {},
	"koja": {}, "koje": {}, "mora": {}, "biti": {}, "prema": {}, "ako": {},
	"mjera": {}, "mjere": {}, "kontrola": {}, "kontrole": {}, "stavka": {},
	"članak": {}, "sigurnosti": {}, "obveznik": {}, "sustava": {},
}

var enStopwords = map[string]struct{}{
	"the": {}, "and": {}, "of": {}, "to": {}, "in": {}, "is": {}, "that": {},
	"for": {}, "with": {}, "as": {}, "are": {}, "shall": {}, "must": {},
	"be": {}, "by": {}, "or": {}, "this": {}, "on": {}, "at": {}, "from": {},
	"control": {}, "controls": {}, "measure": {}, "security": {},
	"requirements": {}, "organization": {},
}

// detectLanguage tags a chunk hr or en. Croatian is the corpus default and
// wins ties.
func detectLanguage(content string) string {
	if strings.ContainsAny(content, "čćžšđČĆŽŠĐ") {
		return "hr"
	}
	hr, en := 0, 0
	for _, field := range strings.Fields(strings.ToLower(content)) {
		word := strings.Trim(field, ".,;:!?()[]\"'")
		if _, ok := hrStopwords[word]; ok {
			hr++
		}
		if _, ok := enStopwords[word]; ok {
			en++
		}
	}
	if en > hr {
		return "en"
	}
	return "hr"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
