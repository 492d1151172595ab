package ingest

import (
	"bufio"
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	tagPattern   = regexp.MustCompile(`<[^>]+>`)
	blankPattern = regexp.MustCompile(`\n{3,}`)
	md           = goldmark.New(goldmark.WithExtensions(extension.GFM))
)

// FlattenTables rewrites every markdown table row as a standalone line so a
// row survives splitting as one fact. Separator rows are dropped and the
// result ends with exactly one newline.
func FlattenTables(src string) (string, error) {
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	wroteBlank := true // avoid a leading blank
	emit := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
		wroteBlank = false
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			if !wroteBlank {
				b.WriteByte('\n')
				wroteBlank = true
			}
			continue
		}
		if !strings.HasPrefix(line, "|") || !strings.HasSuffix(line, "|") {
			emit(line)
			continue
		}

		cells := strings.Split(strings.Trim(line, "|"), "|")
		kept := make([]string, 0, len(cells))
		separator := true
		for _, c := range cells {
			cell := strings.TrimSpace(c)
			if cell != "" {
				kept = append(kept, cell)
			}
			if strings.Trim(cell, ":- ") != "" {
				separator = false
			}
		}
		if separator || len(kept) == 0 {
			continue
		}
		// each row becomes its own paragraph
		emit(strings.Join(kept, " "))
		b.WriteByte('\n')
		wroteBlank = true
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

// MarkdownToText flattens tables, renders src with GitHub-flavoured markdown,
// and strips the resulting HTML down to plain text with paragraph breaks.
func MarkdownToText(src string) (string, error) {
	flat, err := FlattenTables(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := md.Convert([]byte(flat), &buf); err != nil {
		return "", err
	}
	return htmlToText(buf.String()), nil
}

func htmlToText(s string) string {
	r := strings.NewReplacer(
		"</p>", "\n\n", "</h1>", "\n\n", "</h2>", "\n\n", "</h3>", "\n\n",
		"</h4>", "\n\n", "</h5>", "\n\n", "</h6>", "\n\n", "</li>", "\n",
		"</pre>", "\n\n", "<br>", "\n", "<br />", "\n", "</tr>", "\n",
	)
	s = tagPattern.ReplaceAllString(r.Replace(s), "")
	s = html.UnescapeString(s)
	s = blankPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
