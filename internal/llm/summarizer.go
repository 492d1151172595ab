package llm

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// maxTurnRunes clips each folded turn in the summary prompt.
const maxTurnRunes = 300

// LLMSummarizer produces rolling summaries with a Generator.
type LLMSummarizer struct {
	Gen Generator
}

var _ Summarizer = (*LLMSummarizer)(nil)

// Summarize asks the generator to merge prior with the folded turns into a
// two-to-three sentence summary.
func (s *LLMSummarizer) Summarize(ctx context.Context, prior string, folded []Turn) (string, error) {
	if len(folded) == 0 {
		return prior, nil
	}
	out, err := s.Gen.Generate(ctx, Envelope{Prompt: SummaryPrompt(prior, folded)})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SummaryPrompt renders the rolling-summary instruction.
func SummaryPrompt(prior string, folded []Turn) string {
	if strings.TrimSpace(prior) == "" {
		prior = "None"
	}
	var b strings.Builder
	b.WriteString("Summarize this conversation in 2-3 sentences. Focus on: topics discussed, questions asked, and key information shared.\n\n")
	fmt.Fprintf(&b, "Previous Summary: %s\n\n", prior)
	b.WriteString("Messages:\n")
	for _, t := range folded {
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(t.Role), clipRunes(t.Content, maxTurnRunes))
	}
	b.WriteString("\nConcise Summary:")
	return b.String()
}

// FrequencySummarizer is an extractive summarizer that keeps the sentences
// with the highest normalized word frequency. It never leaves the process.
type FrequencySummarizer struct {
	MaxSentences int
	tokenPattern *regexp.Regexp
	sentences    *regexp.Regexp
	stopwords    map[string]struct{}
}

var _ Summarizer = (*FrequencySummarizer)(nil)

// NewFrequencySummarizer returns a summarizer keeping up to three sentences.
func NewFrequencySummarizer() *FrequencySummarizer {
	return &FrequencySummarizer{
		MaxSentences: 3,
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`),
		sentences:    regexp.MustCompile(`[^.!?\n]+[.!?]?`),
		stopwords:    defaultStopwords(),
	}
}

// Summarize ranks the sentences of prior and the folded turns and returns the
// best ones in their original order.
func (s *FrequencySummarizer) Summarize(ctx context.Context, prior string, folded []Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var text strings.Builder
	if p := strings.TrimSpace(prior); p != "" {
		text.WriteString(p)
		text.WriteString("\n")
	}
	for _, t := range folded {
		text.WriteString(strings.TrimSpace(t.Content))
		text.WriteString("\n")
	}

	var sentences []string
	for _, raw := range s.sentences.FindAllString(text.String(), -1) {
		if t := strings.TrimSpace(raw); t != "" {
			sentences = append(sentences, t)
		}
	}
	if len(sentences) == 0 {
		return strings.TrimSpace(prior), nil
	}

	freq := map[string]float64{}
	for _, sent := range sentences {
		for _, tok := range s.tokens(sent) {
			if _, ok := s.stopwords[tok]; ok {
				continue
			}
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}
	if maxF > 0 {
		for k, v := range freq {
			freq[k] = v / maxF
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(sentences))
	for i, sent := range sentences {
		toks := s.tokens(sent)
		sc := 0.0
		for _, tok := range toks {
			sc += freq[tok]
		}
		if l := float64(len(toks)); l > 0 {
			sc /= math.Sqrt(l)
		}
		scores[i] = scored{idx: i, score: sc}
	}
	sort.SliceStable(scores, func(a, b int) bool { return scores[a].score > scores[b].score })

	n := s.MaxSentences
	if n <= 0 {
		n = 3
	}
	if n > len(scores) {
		n = len(scores)
	}
	keep := make([]int, n)
	for i := 0; i < n; i++ {
		keep[i] = scores[i].idx
	}
	sort.Ints(keep)

	out := make([]string, 0, n)
	for _, i := range keep {
		out = append(out, sentences[i])
	}
	return strings.Join(out, " "), nil
}

func (s *FrequencySummarizer) tokens(text string) []string {
	return s.tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those",
		"from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about",
		"between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too",
		"very", "can", "will", "just", "should", "now", "what", "how", "do", "does", "i", "you", "me", "my",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
