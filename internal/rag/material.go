package rag

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/search"
)

// ErrMalformedMaterial is returned when generated teaching material is not
// the JSON object the prompt asks for.
var ErrMalformedMaterial = errors.New("rag: generated material is not valid JSON")

// NoMaterialContext stands in for the knowledge base when retrieval finds
// nothing for a topic.
const NoMaterialContext = "No specific internal documents found."

// DefaultAudience is used when a generation request names none.
const DefaultAudience = "undergraduate"

// LabCode is the example program that accompanies generated notes.
type LabCode struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Material is lecture notes, slides and lab code for one topic.
type Material struct {
	Notes   string  `json:"notes"`
	Slides  string  `json:"slides"`
	LabCode LabCode `json:"lab_code"`
}

const materialSystem = `You are an academic content generation engine.
Generate high-quality teaching material grounded in the retrieved course context.

STRICT OUTPUT RULES:
- Output ONLY valid JSON
- No explanations, no extra text, no markdown outside the JSON
- Follow the schema exactly

REQUIRED JSON SCHEMA:
{
  "notes": "Comprehensive, well-structured markdown lecture notes suitable for university teaching",
  "slides": "Concise slide content in markdown. Use --- to separate slides.",
  "lab_code": {
    "language": "relevant programming language",
    "code": "Executable, commented, educational example code"
  }
}`

// BuildMaterial assembles the envelope that asks for notes, slides and lab
// code on topic, with the retrieved chunks as context.
func BuildMaterial(topic, audience string, chunks []search.Result) llm.Envelope {
	var b strings.Builder
	fmt.Fprintf(&b, "TOPIC:\n%s\n\nTARGET AUDIENCE:\n%s\n\nRETRIEVED CONTEXT FROM KNOWLEDGE BASE:\n",
		strings.TrimSpace(topic), strings.TrimSpace(audience))
	if len(chunks) == 0 {
		b.WriteString(NoMaterialContext)
	}
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- Source %d %s ---\n%s", i+1, Tag(c), strings.TrimSpace(c.Text))
	}
	return llm.Envelope{System: materialSystem, Prompt: b.String()}
}

// ParseMaterial decodes a generator reply, tolerating a surrounding
// ```json fence. Notes must be present.
func ParseMaterial(reply string) (Material, error) {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	var m Material
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Material{}, fmt.Errorf("%w: %v", ErrMalformedMaterial, err)
	}
	if strings.TrimSpace(m.Notes) == "" {
		return Material{}, fmt.Errorf("%w: notes missing", ErrMalformedMaterial)
	}
	return m, nil
}
