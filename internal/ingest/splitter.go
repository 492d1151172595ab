package ingest

import (
	"strings"
	"unicode/utf8"
)

// Default splitter settings.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// DefaultSeparators are tried in order, from paragraph down to single runes.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Splitter is a recursive character splitter. Sizes are counted in runes.
type Splitter struct {
	size       int
	overlap    int
	separators []string
}

// SplitterOption configures a Splitter.
type SplitterOption func(*Splitter)

// WithChunkSize sets the maximum chunk length. Non-positive values are ignored.
func WithChunkSize(n int) SplitterOption {
	return func(s *Splitter) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithChunkOverlap sets how many runes consecutive chunks may share.
func WithChunkOverlap(n int) SplitterOption {
	return func(s *Splitter) {
		if n >= 0 {
			s.overlap = n
		}
	}
}

// WithSeparators replaces the separator ladder.
func WithSeparators(seps ...string) SplitterOption {
	return func(s *Splitter) {
		if len(seps) > 0 {
			s.separators = seps
		}
	}
}

// NewSplitter returns a Splitter with the 1000/200 defaults applied before opts.
func NewSplitter(opts ...SplitterOption) *Splitter {
	s := &Splitter{
		size:       DefaultChunkSize,
		overlap:    DefaultChunkOverlap,
		separators: DefaultSeparators,
	}
	for _, o := range opts {
		o(s)
	}
	if s.overlap >= s.size {
		s.overlap = s.size / 2
	}
	return s
}

// Split breaks text into trimmed, non-empty chunks of at most the configured
// size, keeping up to the configured overlap between neighbours.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.split(text, s.separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	sep := ""
	var rest []string
	for i, cand := range separators {
		if cand == "" {
			sep = ""
			break
		}
		if strings.Contains(text, cand) {
			sep = cand
			rest = separators[i+1:]
			break
		}
	}

	var pieces []string
	if sep == "" {
		pieces = strings.Split(text, "")
	} else {
		pieces = strings.Split(text, sep)
	}

	var (
		out  []string
		good []string
	)
	for _, p := range pieces {
		if p == "" {
			continue
		}
		if runeLen(p) < s.size {
			good = append(good, p)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(good, sep)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, strings.TrimSpace(p))
		} else {
			out = append(out, s.split(p, rest)...)
		}
	}
	if len(good) > 0 {
		out = append(out, s.merge(good, sep)...)
	}
	return out
}

// merge greedily packs pieces into chunks, carrying trailing pieces forward
// while they fit within the overlap.
func (s *Splitter) merge(pieces []string, sep string) []string {
	sepLen := runeLen(sep)
	var (
		out    []string
		window []string
		total  int
	)
	joined := func() {
		if t := strings.TrimSpace(strings.Join(window, sep)); t != "" {
			out = append(out, t)
		}
	}
	for _, p := range pieces {
		n := runeLen(p)
		extra := 0
		if len(window) > 0 {
			extra = sepLen
		}
		if total+n+extra > s.size && len(window) > 0 {
			joined()
			for total > s.overlap || (total+n+sepLen > s.size && total > 0) {
				drop := runeLen(window[0])
				if len(window) > 1 {
					drop += sepLen
				}
				total -= drop
				window = window[1:]
			}
		}
		if len(window) > 0 {
			total += sepLen
		}
		window = append(window, p)
		total += n
	}
	joined()
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
