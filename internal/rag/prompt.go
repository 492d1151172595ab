package rag

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/search"
)

// Intent classifies what the student is asking for.
type Intent string

const (
	IntentSearch        Intent = "search"
	IntentSummarize     Intent = "summarize"
	IntentExplain       Intent = "explain"
	IntentFollowup      Intent = "followup"
	IntentGenerateNotes Intent = "generate_notes"
	IntentGenerateCode  Intent = "generate_code"
	IntentGeneral       Intent = "general"
)

// NoGroundingAnswer is returned verbatim when retrieval finds nothing.
const NoGroundingAnswer = "I couldn't find this information in the uploaded course materials. " +
	"Would you like me to search for something else, or would you like to try rephrasing your question?"

const startOfConversation = "This is the start of the conversation."

// keyword rules, checked in order; the first hit wins
var intentRules = []struct {
	intent   Intent
	keywords []string
}{
	{IntentSummarize, []string{"summarize", "summarise", "summary", "overview", "brief", "key points", "main ideas", "tldr"}},
	{IntentExplain, []string{"explain", "clarify", "what does", "what is", "how does", "why", "elaborate", "different way", "simpler", "more detail"}},
	{IntentSearch, []string{"find", "search", "look for", "where is", "show me", "list", "what are"}},
	{IntentGenerateNotes, []string{"generate notes", "create notes", "study notes", "learning notes", "make notes", "write notes", "reading notes"}},
	{IntentGenerateCode, []string{"generate code", "create code", "write code", "code example", "show code", "implement", "programming example"}},
}

var followupKeywords = []string{"this", "that", "it", "those", "these", "above", "previous", "same", "more about"}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// DetectIntent classifies message with whole-word keyword rules. Follow-ups
// are only recognised when the conversation already has history.
func DetectIntent(message string, hasHistory bool) Intent {
	norm := " " + strings.TrimSpace(nonWord.ReplaceAllString(strings.ToLower(message), " ")) + " "
	has := func(kws []string) bool {
		for _, kw := range kws {
			if strings.Contains(norm, " "+kw+" ") {
				return true
			}
		}
		return false
	}
	for _, r := range intentRules {
		if has(r.keywords) {
			return r.intent
		}
	}
	if hasHistory && has(followupKeywords) {
		return IntentFollowup
	}
	return IntentGeneral
}

var intentInstructions = map[Intent]string{
	IntentSearch: `You are helping the student FIND information in the course materials.
List the relevant topics, files and page numbers where it appears.
Be direct and organised.`,

	IntentSummarize: `You are helping the student get a SUMMARY of course content.
Give a concise, well-structured summary of the key points using bullet points.`,

	IntentExplain: `You are helping the student UNDERSTAND a concept.
Explain it in simple language with examples where they help.
If you are re-explaining something, try a different approach or analogy.`,

	IntentFollowup: `The student is asking a FOLLOW-UP question about the previous topic.
Build on the conversation so far and refer back to what was discussed.`,

	IntentGenerateNotes: "You are GENERATING study notes from the course materials.\n\n" +
		"Use this Markdown structure:\n" +
		"# Study Notes: [Topic]\n\n" +
		"## Overview\nA 2-3 sentence introduction.\n\n" +
		"## Key Concepts\n- **Concept**: explanation\n\n" +
		"## Detailed Explanation\nIn-depth coverage with examples.\n\n" +
		"## Important Formulas/Definitions\n\n" +
		"## Practice Questions\n1. Question?\n\n" +
		"## Summary\nA 3-4 sentence recap.\n\n" +
		"## Sources\n- Every source used, with page numbers",

	IntentGenerateCode: "You are GENERATING an educational code example from the course materials.\n\n" +
		"Use this Markdown structure:\n" +
		"# Code Example: [Topic]\n\n" +
		"## Concept Overview\n\n" +
		"## Code Implementation\nA fenced, commented code block (Python unless another language is asked for).\n\n" +
		"## Code Explanation\nStep-by-step walkthrough.\n\n" +
		"## Usage Example\n\n" +
		"## Common Mistakes to Avoid\n\n" +
		"## Sources\n- Every source used, with page numbers\n\n" +
		"Code must be syntactically correct and well commented.",

	IntentGeneral: `You are an AI tutor helping the student learn from the course materials.
Give helpful, accurate answers based on the available content.`,
}

// Instructions returns the instruction block for intent.
func Instructions(intent Intent) string {
	if s, ok := intentInstructions[intent]; ok {
		return s
	}
	return intentInstructions[IntentGeneral]
}

// SystemPrompt combines the intent instructions with the grounding rules.
func SystemPrompt(intent Intent) string {
	return Instructions(intent) + `

=== RULES ===

1. Answer ONLY from the [Course Materials] section. Do not use outside knowledge or invent facts.

2. If the answer is not in the course materials, reply exactly:
   "` + NoGroundingAnswer + `"

3. Cite every fact in this exact format:
   (Source: [filename], Page [number])
   Leave out ", Page [number]" when a source has no page.
   Example: "A heap is a complete binary tree (Source: lecture3.pdf, Page 12)."

4. End with a "Sources Used" section listing every cited material.

5. If the materials are partial or unclear on a point, say so.

=== END OF RULES ===`
}

// Tag renders the stable reference of a chunk as the generator must cite it.
func Tag(r search.Result) string {
	if r.Page != nil {
		return fmt.Sprintf("(Source: %s, Page %d)", r.FileName, *r.Page)
	}
	return fmt.Sprintf("(Source: %s)", r.FileName)
}

// PromptInput is everything the generator sees for one question.
type PromptInput struct {
	Question string
	Summary  string
	Recent   []llm.Turn
	Chunks   []search.Result
	Intent   Intent
}

// Build assembles the generation envelope. Recent turns travel as chat
// history; the summary, tagged chunks and question form the final prompt.
func Build(in PromptInput) llm.Envelope {
	var b strings.Builder

	b.WriteString("[Conversation Context]\n")
	switch {
	case strings.TrimSpace(in.Summary) != "":
		b.WriteString("Summary of earlier conversation: ")
		b.WriteString(strings.TrimSpace(in.Summary))
	case len(in.Recent) > 0:
		b.WriteString("See the previous messages.")
	default:
		b.WriteString(startOfConversation)
	}

	b.WriteString("\n\n[Course Materials]\n")
	for i, c := range in.Chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- Source %d %s ---\n%s", i+1, Tag(c), strings.TrimSpace(c.Text))
	}

	b.WriteString("\n\n[Student's Question]\n")
	b.WriteString(strings.TrimSpace(in.Question))
	b.WriteString("\n\n[Your Response (remember to cite sources)]:")

	history := make([]llm.Turn, len(in.Recent))
	copy(history, in.Recent)
	return llm.Envelope{
		System:  SystemPrompt(in.Intent),
		History: history,
		Prompt:  b.String(),
	}
}
