package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/toutatis-dev/huddle/internal/providers"
	"github.com/toutatis-dev/huddle/internal/storage"
	"github.com/toutatis-dev/huddle/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	layout := storage.NewLayout(
		filepath.Join(t.TempDir(), "shared"),
		filepath.Join(t.TempDir(), ".local_chat"),
	)
	if err := layout.EnsureBase(); err != nil {
		t.Fatal(err)
	}
	if err := layout.EnsureLocal(); err != nil {
		t.Fatal(err)
	}
	return NewStore(layout, storage.New(layout, nil, nil), nil, nil)
}

// stubInvoker returns a canned reply or error and records the request.
type stubInvoker struct {
	reply string
	err   error
	last  providers.Request
}

func (s *stubInvoker) Invoke(_ context.Context, req providers.Request) (*providers.Response, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &providers.Response{Text: s.reply}, nil
}

func (s *stubInvoker) Name() string { return "stub" }

func entry(id, summary, topic string, conf models.Confidence) *models.MemoryEntry {
	return &models.MemoryEntry{
		ID:         id,
		TS:         "2026-01-10T09:00:00",
		Summary:    summary,
		Topic:      topic,
		Confidence: conf,
		Source:     "chat",
		Scope:      models.ScopeTeam,
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Use Runbook A!", []string{"use", "runbook"}},
		{"deploy-fails_at noon", []string{"deploy", "fails", "at", "noon"}},
		{"v2 rollout", []string{"v2", "rollout"}},
		{"a b c", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got := Tokenize(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Tokenize(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestPrefilter_FieldWeights(t *testing.T) {
	// One shared token per entry, placed in fields of descending weight.
	entries := []*models.MemoryEntry{
		entry("mem_src", "unrelated words here", "other", models.ConfidenceLow),
		entry("mem_tag", "unrelated words here", "other", models.ConfidenceLow),
		entry("mem_topic", "unrelated words here", "deploy", models.ConfidenceLow),
		entry("mem_sum", "deploy procedure", "other", models.ConfidenceLow),
	}
	entries[0].Source = "deploy"
	entries[1].Tags = []string{"deploy"}

	got := Prefilter("deploy", entries)
	wantOrder := []string{"mem_sum", "mem_topic", "mem_tag", "mem_src"}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Fatalf("position %d = %s, want %s (full order: %v)", i, got[i].ID, id, ids(got))
		}
	}
}

func TestPrefilter_ConfidenceBoostOrders(t *testing.T) {
	lo := entry("mem_lo", "restart the gateway", "ops", models.ConfidenceLow)
	hi := entry("mem_hi", "restart the gateway", "ops", models.ConfidenceHigh)

	got := Prefilter("restart gateway", []*models.MemoryEntry{lo, hi})
	if got[0].ID != "mem_hi" {
		t.Errorf("order = %v, want mem_hi first", ids(got))
	}
}

func TestPrefilter_NewerTimestampWinsTies(t *testing.T) {
	old := entry("mem_old", "rotate the signing key", "security", models.ConfidenceMed)
	old.TS = "2026-01-01T08:00:00"
	newer := entry("mem_new", "rotate the signing key", "security", models.ConfidenceMed)
	newer.TS = "2026-02-01T08:00:00"

	got := Prefilter("rotate key", []*models.MemoryEntry{old, newer})
	if got[0].ID != "mem_new" {
		t.Errorf("order = %v, want mem_new first", ids(got))
	}
}

func TestPrefilter_KeepsZeroScoreEntries(t *testing.T) {
	// A prompt sharing no tokens must not empty the candidate pool; the
	// rerank stage may still pick entries the lexical pass scored zero.
	e := entry("mem_1", "use runbook A", "deploy", models.ConfidenceMed)
	got := Prefilter("hello", []*models.MemoryEntry{e})
	if len(got) != 1 || got[0].ID != "mem_1" {
		t.Fatalf("Prefilter dropped zero-score entry: %v", ids(got))
	}
}

func TestPrefilter_CapsAtTwentyFive(t *testing.T) {
	var entries []*models.MemoryEntry
	for i := 0; i < 40; i++ {
		entries = append(entries, entry(fmt.Sprintf("mem_%02d", i), "deploy notes", "deploy", models.ConfidenceMed))
	}
	got := Prefilter("deploy", entries)
	if len(got) != 25 {
		t.Errorf("len = %d, want 25", len(got))
	}
}

func TestSelectForPrompt_LexicalOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		e := entry(fmt.Sprintf("mem_%d", i), "deploy notes", "deploy", models.ConfidenceMed)
		e.Scope = models.ScopePrivate
		if err := s.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	sel := NewSelector(s)
	got, warning := sel.SelectForPrompt(ctx, "deploy", []models.MemoryScope{models.ScopePrivate}, nil, "")
	if warning != "" {
		t.Errorf("warning = %q, want none", warning)
	}
	if len(got) != 5 {
		t.Errorf("len = %d, want 5", len(got))
	}
}

func TestSelectForPrompt_RerankOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := entry("mem_1", "use runbook A", "deploy", models.ConfidenceMed)
	e.Scope = models.ScopeTeam
	if err := s.Append(ctx, e); err != nil {
		t.Fatal(err)
	}

	rerank := &stubInvoker{reply: `{"ids":["mem_1"]}`}
	sel := NewSelector(s)
	got, warning := sel.SelectForPrompt(ctx, "hello", []models.MemoryScope{models.ScopeTeam}, rerank, "rerank-model")
	if warning != "" {
		t.Errorf("warning = %q, want none", warning)
	}
	if len(got) != 1 || got[0].ID != "mem_1" {
		t.Fatalf("selected = %v, want [mem_1]", ids(got))
	}
	if !strings.Contains(rerank.last.Prompt, "mem_1") {
		t.Error("rerank prompt does not list candidate ids")
	}
	if rerank.last.Model != "rerank-model" {
		t.Errorf("rerank model = %q", rerank.last.Model)
	}
}

func TestSelectForPrompt_RerankReordersSubset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"mem_a", "mem_b", "mem_c"} {
		e := entry(id, "deploy notes for "+id, "deploy", models.ConfidenceMed)
		e.Scope = models.ScopeRepo
		if err := s.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	rerank := &stubInvoker{reply: `{"ids":["mem_c","mem_a"]}`}
	sel := NewSelector(s)
	got, warning := sel.SelectForPrompt(ctx, "deploy", []models.MemoryScope{models.ScopeRepo}, rerank, "m")
	if warning != "" {
		t.Errorf("warning = %q, want none", warning)
	}
	want := []string{"mem_c", "mem_a"}
	if len(got) != len(want) {
		t.Fatalf("selected = %v, want %v", ids(got), want)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestSelectForPrompt_FallbackOnRerankError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := entry("mem_1", "deploy notes", "deploy", models.ConfidenceMed)
	e.Scope = models.ScopePrivate
	if err := s.Append(ctx, e); err != nil {
		t.Fatal(err)
	}

	sel := NewSelector(s)
	tests := []struct {
		name   string
		rerank *stubInvoker
	}{
		{"call error", &stubInvoker{err: errors.New("boom")}},
		{"not json", &stubInvoker{reply: "no json here"}},
		{"empty ids", &stubInvoker{reply: `{"ids":[]}`}},
		{"unknown ids", &stubInvoker{reply: `{"ids":["mem_999"]}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warning := sel.SelectForPrompt(ctx, "deploy", []models.MemoryScope{models.ScopePrivate}, tt.rerank, "m")
			if warning != RerankFallbackWarning {
				t.Errorf("warning = %q, want %q", warning, RerankFallbackWarning)
			}
			if len(got) != 1 || got[0].ID != "mem_1" {
				t.Errorf("selected = %v, want lexical fallback [mem_1]", ids(got))
			}
		})
	}
}

func TestSelectForPrompt_EmptyStore(t *testing.T) {
	s := newTestStore(t)
	sel := NewSelector(s)
	got, warning := sel.SelectForPrompt(context.Background(), "anything", models.AllMemoryScopes, nil, "")
	if len(got) != 0 || warning != "" {
		t.Errorf("got %v, %q; want empty, no warning", ids(got), warning)
	}
}

func ids(entries []*models.MemoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
