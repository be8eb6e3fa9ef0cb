package processor

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/records"
)

const maxTitleRunes = 60

// MockGenerator provides deterministic output when no LLM is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, in Input) (records.ProcessingOutput, error) {
	select {
	case <-ctx.Done():
		return records.ProcessingOutput{}, ctx.Err()
	default:
	}

	text := cleanText(in.Text)
	if text == "" {
		return records.ProcessingOutput{}, nil
	}
	return records.ProcessingOutput{
		ProcessedText: text,
		Title:         mockTitle(in.MemoryType, text),
	}, nil
}

// cleanText collapses whitespace, capitalizes the first letter and makes
// sure the narrative ends with punctuation.
func cleanText(raw string) string {
	text := strings.Join(strings.Fields(raw), " ")
	if text == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(text)
	text = string(unicode.ToUpper(r)) + text[size:]
	last, _ := utf8.DecodeLastRuneInString(text)
	if !strings.ContainsRune(".!?…", last) {
		text += "."
	}
	return text
}

func mockTitle(memoryType capture.MemoryType, text string) string {
	title := text
	if i := strings.IndexAny(title, ".!?"); i > 0 {
		title = title[:i]
	}
	words := strings.Fields(title)
	if len(words) > 8 {
		words = words[:8]
	}
	title = strings.Join(words, " ")
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	if memoryType == capture.MemoryTypeMemento {
		title = "Memento: " + title
	}
	return title
}
