// Package ingest extracts text from course documents and splits it into
// overlapping chunks ready for embedding.
package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

// ErrUnsupported is returned for file types Parse cannot read.
var ErrUnsupported = errors.New("ingest: unsupported file type")

// Page is the text of one page. Number is 1-based; formats without pages
// report a single page 1.
type Page struct {
	Number int
	Text   string
}

// SupportedTypes lists the extensions Parse understands, without the dot.
var SupportedTypes = []string{"pdf", "docx", "md", "markdown", "txt"}

// FileType returns the lower-cased extension of path without the dot.
func FileType(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// Parse extracts the text of the document at path. Pages without text are
// omitted.
func Parse(path string) ([]Page, error) {
	var (
		pages []Page
		err   error
	)
	switch FileType(path) {
	case "pdf":
		pages, err = parsePDF(path)
	case "docx":
		pages, err = parseDOCX(path)
	case "md", "markdown":
		pages, err = parseMarkdown(path)
	case "txt":
		pages, err = parseText(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	out := pages[:0]
	for _, p := range pages {
		if p.Text = strings.TrimSpace(p.Text); p.Text != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func parsePDF(path string) ([]Page, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	n := r.NumPage()
	pages := make([]Page, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}

func parseDOCX(path string) ([]Page, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	raw := r.Editable().GetContent()
	// paragraphs close with </w:p>; keep them as line breaks
	raw = strings.ReplaceAll(raw, "</w:p>", "\n")
	return []Page{{Number: 1, Text: htmlToText(raw)}}, nil
}

func parseMarkdown(path string) ([]Page, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text, err := MarkdownToText(string(b))
	if err != nil {
		return nil, err
	}
	return []Page{{Number: 1, Text: text}}, nil
}

func parseText(path string) ([]Page, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []Page{{Number: 1, Text: string(b)}}, nil
}
