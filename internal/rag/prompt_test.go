package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/search"
)

func TestDetectIntent(t *testing.T) {
	cases := []struct {
		msg     string
		history bool
		want    Intent
	}{
		{"Can you summarize week 2?", false, IntentSummarize},
		{"Give me the key points of sorting", false, IntentSummarize},
		{"What is a heap?", false, IntentExplain},
		{"Why does quicksort degrade?", false, IntentExplain},
		{"Find the lab on graphs", false, IntentSearch},
		{"Please generate notes on recursion", false, IntentGenerateNotes},
		{"Write code for bubble sort", false, IntentGenerateCode},
		{"Tell me more about that", true, IntentFollowup},
		{"Tell me more about that", false, IntentGeneral},
		{"Recursion with memoization", true, IntentGeneral},
		{"", false, IntentGeneral},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectIntent(tc.msg, tc.history), tc.msg)
	}
}

func TestSystemPrompt(t *testing.T) {
	for _, in := range []Intent{IntentSearch, IntentSummarize, IntentExplain, IntentFollowup, IntentGenerateNotes, IntentGenerateCode, IntentGeneral} {
		sp := SystemPrompt(in)
		assert.True(t, strings.HasPrefix(sp, Instructions(in)))
		assert.Contains(t, sp, NoGroundingAnswer)
		assert.Contains(t, sp, "(Source: [filename], Page [number])")
	}
	assert.Equal(t, Instructions(IntentGeneral), Instructions("unknown"))
}

func TestTag(t *testing.T) {
	assert.Equal(t, "(Source: lecture1.pdf, Page 3)", Tag(search.Result{FileName: "lecture1.pdf", Page: page(3)}))
	assert.Equal(t, "(Source: lab.md)", Tag(search.Result{FileName: "lab.md"}))

	// a tag round-trips through the parser
	cites := ParseCitations(Tag(search.Result{FileName: "lecture1.pdf", Page: page(3)}))
	require.Len(t, cites, 1)
	assert.Equal(t, "lecture1.pdf", cites[0].Name)
}

func TestBuild(t *testing.T) {
	recent := []llm.Turn{{Role: "user", Content: "What is a heap?"}, {Role: "assistant", Content: "A tree."}}
	env := Build(PromptInput{
		Question: "  And a min-heap? ",
		Summary:  "Discussed trees.",
		Recent:   recent,
		Chunks: []search.Result{
			{FileName: "lecture1.pdf", Page: page(3), Text: "A min-heap keeps the smallest key at the root."},
			{FileName: "lab.md", Text: "Implement sift-down."},
		},
		Intent: IntentFollowup,
	})

	assert.Equal(t, SystemPrompt(IntentFollowup), env.System)
	assert.Equal(t, recent, env.History)
	assert.Contains(t, env.Prompt, "Summary of earlier conversation: Discussed trees.")
	assert.Contains(t, env.Prompt, "--- Source 1 (Source: lecture1.pdf, Page 3) ---\nA min-heap keeps")
	assert.Contains(t, env.Prompt, "--- Source 2 (Source: lab.md) ---\nImplement sift-down.")
	assert.Contains(t, env.Prompt, "[Student's Question]\nAnd a min-heap?")
	assert.True(t, strings.HasSuffix(env.Prompt, "[Your Response (remember to cite sources)]:"))

	recent[0].Content = "mutated"
	assert.Equal(t, "What is a heap?", env.History[0].Content, "history is copied")
}

func TestBuild_FreshConversation(t *testing.T) {
	env := Build(PromptInput{Question: "q", Intent: IntentGeneral})
	assert.Contains(t, env.Prompt, "[Conversation Context]\nThis is the start of the conversation.")
	assert.Empty(t, env.History)
}
