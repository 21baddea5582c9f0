package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/toutatis-dev/huddle/pkg/models"
)

func TestFormatEntryLine(t *testing.T) {
	e := &models.MemoryEntry{
		ID:         "mem_1700000000_a1b2c3",
		Topic:      "deploy",
		Confidence: models.ConfidenceHigh,
		Summary:    "use runbook A",
		Source:     "chat",
	}
	want := "- mem_1700000000_a1b2c3 | topic=deploy | confidence=high | summary=use runbook A | source=chat"
	if got := FormatEntryLine(e); got != want {
		t.Errorf("FormatEntryLine() =\n%q\nwant\n%q", got, want)
	}
}

func TestFormatEntryLine_ClipsLongFields(t *testing.T) {
	e := &models.MemoryEntry{
		ID:         "mem_1",
		Topic:      "ops",
		Confidence: models.ConfidenceLow,
		Summary:    strings.Repeat("s", 300),
		Source:     strings.Repeat("x", 120),
	}
	line := FormatEntryLine(e)

	if want := "summary=" + strings.Repeat("s", 220) + " |"; !strings.Contains(line, want) {
		t.Error("summary not clipped to 220 characters")
	}
	if !strings.HasSuffix(line, "source="+strings.Repeat("x", 80)) {
		t.Error("source not clipped to 80 characters")
	}
}

func TestFormatEntryLine_FlattensMultilineFields(t *testing.T) {
	e := &models.MemoryEntry{
		ID:         "mem_1",
		Topic:      "ops",
		Confidence: models.ConfidenceLow,
		Summary:    "first line\nsecond\tline",
		Source:     "chat",
	}
	line := FormatEntryLine(e)
	if strings.ContainsAny(line, "\n\t") {
		t.Errorf("line contains control whitespace: %q", line)
	}
	if !strings.Contains(line, "summary=first line second line") {
		t.Errorf("line = %q", line)
	}
}

func TestBuildContextBlock(t *testing.T) {
	entries := []*models.MemoryEntry{
		{ID: "mem_1", Topic: "deploy", Confidence: models.ConfidenceHigh, Summary: "use runbook A", Source: "chat"},
		{ID: "mem_2", Topic: "ops", Confidence: models.ConfidenceMed, Summary: "gateway restarts nightly", Source: "wiki"},
	}
	block := BuildContextBlock(entries)

	lines := strings.Split(block, "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want header + 2 entries", len(lines))
	}
	if lines[0] != "Relevant memory:" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "- mem_1 | ") || !strings.HasPrefix(lines[2], "- mem_2 | ") {
		t.Errorf("entry lines malformed:\n%s", block)
	}
}

func TestBuildContextBlock_Empty(t *testing.T) {
	if got := BuildContextBlock(nil); got != "" {
		t.Errorf("BuildContextBlock(nil) = %q, want empty", got)
	}
}

func TestBuildContextBlock_CapDropsWholeLines(t *testing.T) {
	// Ten maximal lines exceed the cap; the block must stay under it by
	// dropping complete lines, never truncating one.
	var entries []*models.MemoryEntry
	for i := 0; i < 10; i++ {
		entries = append(entries, &models.MemoryEntry{
			ID:         fmt.Sprintf("mem_%d", i),
			Topic:      "capacity",
			Confidence: models.ConfidenceMed,
			Summary:    strings.Repeat("s", 220),
			Source:     strings.Repeat("x", 80),
		})
	}
	block := BuildContextBlock(entries)

	if len(block) > 2400 {
		t.Fatalf("block length = %d, want <= 2400", len(block))
	}
	lines := strings.Split(block, "\n")
	if len(lines)-1 >= len(entries) {
		t.Fatalf("expected some entries dropped, got %d lines", len(lines)-1)
	}
	for _, line := range lines[1:] {
		if !strings.HasSuffix(line, "source="+strings.Repeat("x", 80)) {
			t.Errorf("line truncated mid-field: %q", line)
		}
	}
}

func TestContextBlockReportsUsedEntries(t *testing.T) {
	var entries []*models.MemoryEntry
	for i := 0; i < 10; i++ {
		entries = append(entries, &models.MemoryEntry{
			ID:         fmt.Sprintf("mem_%d", i),
			Topic:      "capacity",
			Confidence: models.ConfidenceMed,
			Summary:    strings.Repeat("s", 220),
			Source:     strings.Repeat("x", 80),
		})
	}

	block, used := ContextBlock(entries)
	if len(used) == 0 || len(used) >= len(entries) {
		t.Fatalf("used = %d entries, want a strict subset", len(used))
	}
	lines := strings.Split(block, "\n")
	if len(lines)-1 != len(used) {
		t.Fatalf("block has %d lines, used reports %d", len(lines)-1, len(used))
	}
	for i, e := range used {
		if !strings.HasPrefix(lines[i+1], "- "+e.ID+" ") {
			t.Errorf("line %d = %q, want entry %s", i+1, lines[i+1], e.ID)
		}
	}

	if _, used := ContextBlock(nil); used != nil {
		t.Errorf("ContextBlock(nil) used = %v, want nil", used)
	}
}
