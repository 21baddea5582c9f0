package memory

import (
	"fmt"
	"strings"

	"github.com/toutatis-dev/huddle/pkg/models"
)

// Context block sizing. The block rides inside the model prompt, so it
// is capped hard; individual fields are clipped first so the cap is
// enforced at whole-line granularity and never splits a field.
const (
	contextBlockLimit = 2400
	summaryClip       = 220
	sourceClip        = 80
)

// contextBlockHeader introduces the block inside the prompt.
const contextBlockHeader = "Relevant memory:"

// clip truncates s to at most n characters, cutting on a rune boundary.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimRight(string(runes[:n]), " ")
}

// flatten folds line breaks and tabs into spaces so every entry stays
// on one block line.
func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FormatEntryLine renders one entry as a single block line.
func FormatEntryLine(e *models.MemoryEntry) string {
	return fmt.Sprintf("- %s | topic=%s | confidence=%s | summary=%s | source=%s",
		e.ID,
		flatten(e.Topic),
		e.Confidence,
		clip(flatten(e.Summary), summaryClip),
		clip(flatten(e.Source), sourceClip),
	)
}

// BuildContextBlock renders the selected entries into the prompt block.
// Entries that would push the block past its cap are dropped whole.
// Returns "" when nothing fits or entries is empty.
func BuildContextBlock(entries []*models.MemoryEntry) string {
	block, _ := ContextBlock(entries)
	return block
}

// ContextBlock renders the block and also reports which entries made it
// in, so response rows can cite exactly what the model saw.
func ContextBlock(entries []*models.MemoryEntry) (string, []*models.MemoryEntry) {
	if len(entries) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(contextBlockHeader)
	var used []*models.MemoryEntry
	for _, e := range entries {
		line := FormatEntryLine(e)
		if sb.Len()+1+len(line) > contextBlockLimit {
			break
		}
		sb.WriteString("\n")
		sb.WriteString(line)
		used = append(used, e)
	}
	if len(used) == 0 {
		return "", nil
	}
	return sb.String(), used
}
