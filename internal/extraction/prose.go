package extraction

import (
	"context"
	"fmt"
	"strings"

	prose "github.com/jdkato/prose/v2"
)

// proseConfidence is assigned to every local NER span. The statistical model
// does not expose per-span scores, so local extractions enter the pipeline at
// medium confidence and let downstream quality propagation do the rest.
const proseConfidence = 0.6

var proseLabels = map[string]string{
	"PERSON": "PERSON",
	"GPE":    "LOCATION",
	"ORG":    "ORGANIZATION",
	"FAC":    "LOCATION",
	"EVENT":  "EVENT",
}

// LocalExtractor runs NER in-process. It is the fallback when no LLM is
// configured and keeps ingestion functional offline.
type LocalExtractor struct{}

func NewLocalExtractor() *LocalExtractor {
	return &LocalExtractor{}
}

func (e *LocalExtractor) Extract(_ context.Context, text string) ([]Extraction, error) {
	doc, err := prose.NewDocument(text, prose.WithSegmentation(false))
	if err != nil {
		return nil, fmt.Errorf("failed to run local extraction: %w", err)
	}

	var out []Extraction
	cursor := 0
	for _, ent := range doc.Entities() {
		label, ok := proseLabels[ent.Label]
		if !ok {
			label = "CONCEPT"
		}
		// prose reports spans without offsets; anchor each span at its next
		// occurrence so repeated names map to distinct surface forms.
		idx := strings.Index(text[cursor:], ent.Text)
		if idx < 0 {
			idx = strings.Index(text, ent.Text)
			if idx < 0 {
				continue
			}
		} else {
			idx += cursor
		}
		out = append(out, Extraction{
			Text:       ent.Text,
			Start:      idx,
			End:        idx + len(ent.Text),
			Label:      label,
			Confidence: proseConfidence,
		})
		cursor = idx + len(ent.Text)
	}
	return out, nil
}
