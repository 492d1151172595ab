// Package rag holds the pure pieces of the answer pipeline: intent detection,
// prompt assembly, and parsing and validating citations in generated text.
// Nothing here performs I/O or logs.
package rag

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/search"
)

// ExcerptRunes is the length at which source excerpts are cut.
const ExcerptRunes = 300

// Citation is one parsed "(Source: name[, Page n])" marker.
type Citation struct {
	Name string
	Page *int
}

func (c Citation) key() string {
	k := strings.ToLower(c.Name)
	if c.Page != nil {
		k += "#" + strconv.Itoa(*c.Page)
	}
	return k
}

// ParseCitations scans text for citation markers and returns them in
// first-seen order without duplicates. The grammar is
//
//	citation := "(" ws* "Source" ws* ":" ws* name [ ws* "," ws* "Page" ws* number ] ws* ")"
//	name     := 1*( any char except ")" "," newline )
//	number   := 1*DIGIT
//
// Keywords are case-insensitive. Names are trimmed and may be wrapped in
// brackets or quotes, which are removed. Malformed markers are skipped.
func ParseCitations(text string) []Citation {
	out := []Citation{}
	seen := map[string]struct{}{}
	for i := 0; i < len(text); i++ {
		if text[i] != '(' {
			continue
		}
		c, end, ok := parseCitation(text, i+1)
		if !ok {
			continue
		}
		if _, dup := seen[c.key()]; !dup {
			seen[c.key()] = struct{}{}
			out = append(out, c)
		}
		i = end - 1
	}
	return out
}

// parseCitation parses from just after "(" and returns the citation and the
// offset after the closing ")".
func parseCitation(s string, pos int) (Citation, int, bool) {
	p := &cursor{s: s, pos: pos}
	p.ws()
	if !p.keyword("source") {
		return Citation{}, 0, false
	}
	p.ws()
	if !p.char(':') {
		return Citation{}, 0, false
	}
	p.ws()

	start := p.pos
	for p.pos < len(s) && !strings.ContainsRune("),\n", rune(s[p.pos])) {
		p.pos++
	}
	name := cleanName(s[start:p.pos])
	if name == "" {
		return Citation{}, 0, false
	}
	c := Citation{Name: name}

	if p.char(',') {
		p.ws()
		if !p.keyword("page") {
			return Citation{}, 0, false
		}
		p.ws()
		n, ok := p.number()
		if !ok {
			return Citation{}, 0, false
		}
		c.Page = &n
		p.ws()
	}
	if !p.char(')') {
		return Citation{}, 0, false
	}
	return c, p.pos, true
}

type cursor struct {
	s   string
	pos int
}

func (c *cursor) ws() {
	for c.pos < len(c.s) && (c.s[c.pos] == ' ' || c.s[c.pos] == '\t') {
		c.pos++
	}
}

func (c *cursor) char(b byte) bool {
	if c.pos < len(c.s) && c.s[c.pos] == b {
		c.pos++
		return true
	}
	return false
}

func (c *cursor) keyword(kw string) bool {
	end := c.pos + len(kw)
	if end > len(c.s) || !strings.EqualFold(c.s[c.pos:end], kw) {
		return false
	}
	c.pos = end
	return true
}

func (c *cursor) number() (int, bool) {
	start := c.pos
	for c.pos < len(c.s) && c.s[c.pos] >= '0' && c.s[c.pos] <= '9' {
		c.pos++
	}
	if c.pos == start {
		return 0, false
	}
	n, err := strconv.Atoi(c.s[start:c.pos])
	return n, err == nil
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	for _, pair := range []string{"[]", `""`, "''", "``"} {
		if len(s) >= 2 && s[0] == pair[0] && s[len(s)-1] == pair[1] {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

// Resolve maps citations onto the chunks that were actually supplied to the
// generator. A citation matches chunks of the same file name (trimmed,
// case-insensitive); the chunk on the cited page wins, otherwise the most
// similar chunk of that file. Citations without a match are dropped and each
// chunk appears at most once, in citation order.
func Resolve(cites []Citation, supplied []search.Result) []search.Result {
	out := []search.Result{}
	used := map[string]struct{}{}
	for _, c := range cites {
		best := -1
		for i, r := range supplied {
			if !strings.EqualFold(strings.TrimSpace(r.FileName), c.Name) {
				continue
			}
			if best < 0 || better(r, supplied[best], c.Page) {
				best = i
			}
		}
		if best < 0 {
			continue
		}
		r := supplied[best]
		if _, dup := used[r.ChunkID]; dup {
			continue
		}
		used[r.ChunkID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// better reports whether a beats b for a citation of page.
func better(a, b search.Result, page *int) bool {
	if page != nil {
		aOn, bOn := onPage(a, *page), onPage(b, *page)
		if aOn != bOn {
			return aOn
		}
	}
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.ChunkID < b.ChunkID
}

func onPage(r search.Result, page int) bool { return r.Page != nil && *r.Page == page }

// Excerpt cuts text to ExcerptRunes runes, appending "..." when cut.
func Excerpt(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= ExcerptRunes {
		return text
	}
	return string([]rune(text)[:ExcerptRunes]) + "..."
}

// Round3 rounds f to three decimals.
func Round3(f float64) float64 { return math.Round(f*1000) / 1000 }

// SourceOf converts a retrieval result into a stored citation record.
func SourceOf(r search.Result) domain.Source {
	return domain.Source{
		FileName:   r.FileName,
		PageNumber: r.Page,
		Excerpt:    Excerpt(r.Text),
		Similarity: Round3(r.Similarity),
		DocumentID: r.DocumentID,
		ChunkID:    r.ChunkID,
	}
}

// SourcesOf converts results in order; the result is never nil.
func SourcesOf(rs []search.Result) []domain.Source {
	out := make([]domain.Source, 0, len(rs))
	for _, r := range rs {
		out = append(out, SourceOf(r))
	}
	return out
}
