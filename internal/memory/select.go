package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/toutatis-dev/huddle/internal/providers"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// Selection tuning. Weights favor summary hits, then topic, then tags;
// source terms barely count. Confidence and recency nudge ties.
const (
	weightSummary = 2.2
	weightTopic   = 1.6
	weightTags    = 1.1
	weightSource  = 0.4

	boostConfidenceHigh = 0.4
	boostConfidenceMed  = 0.15
	boostRecency        = 0.05

	prefilterLimit = 25
	finalLimit     = 5
)

// RerankFallbackWarning is surfaced verbatim when the rerank call fails
// and selection proceeds on lexical order alone.
const RerankFallbackWarning = "Memory rerank unavailable; using lexical memory selection."

// rerankReply is the strict-JSON shape the rerank model must return.
type rerankReply struct {
	IDs []string `json:"ids" jsonschema:"required"`
}

var rerankContract = providers.MustContract("memory_rerank", &rerankReply{})

// Tokenize lowercases s and splits it into alphanumeric tokens of
// length >= 2. Everything else is a separator.
func Tokenize(s string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() >= 2 {
			tokens = append(tokens, b.String())
		}
		b.Reset()
	}
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokenize(s) {
		set[tok] = struct{}{}
	}
	return set
}

// Score rates one entry against the prompt's token set.
func Score(prompt map[string]struct{}, e *models.MemoryEntry) float64 {
	score := weightSummary*overlapCount(prompt, e.Summary) +
		weightTopic*overlapCount(prompt, e.Topic) +
		weightTags*overlapCount(prompt, strings.Join(e.Tags, " ")) +
		weightSource*overlapCount(prompt, e.Source)

	switch e.Confidence {
	case models.ConfidenceHigh:
		score += boostConfidenceHigh
	case models.ConfidenceMed:
		score += boostConfidenceMed
	}
	if e.TS != "" {
		score += boostRecency
	}
	return score
}

// overlapCount counts distinct prompt tokens present in text.
func overlapCount(prompt map[string]struct{}, text string) float64 {
	seen := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		if _, ok := prompt[tok]; !ok {
			continue
		}
		seen[tok] = struct{}{}
	}
	return float64(len(seen))
}

func confidenceRank(c models.Confidence) int {
	switch c {
	case models.ConfidenceHigh:
		return 2
	case models.ConfidenceMed:
		return 1
	default:
		return 0
	}
}

// Prefilter scores every entry lexically and keeps the strongest
// prefilterLimit, sorted by score, then confidence, then newest
// timestamp. Zero-score entries stay in the pool so a rerank model can
// still surface them; they simply sort last.
func Prefilter(prompt string, entries []*models.MemoryEntry) []*models.MemoryEntry {
	promptTokens := tokenSet(prompt)

	type scored struct {
		entry *models.MemoryEntry
		score float64
	}
	ranked := make([]scored, 0, len(entries))
	for _, e := range entries {
		ranked = append(ranked, scored{entry: e, score: Score(promptTokens, e)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		ri, rj := confidenceRank(ranked[i].entry.Confidence), confidenceRank(ranked[j].entry.Confidence)
		if ri != rj {
			return ri > rj
		}
		return ranked[i].entry.TS > ranked[j].entry.TS
	})
	if len(ranked) > prefilterLimit {
		ranked = ranked[:prefilterLimit]
	}
	out := make([]*models.MemoryEntry, len(ranked))
	for i, r := range ranked {
		out[i] = r.entry
	}
	return out
}

// Selector runs the full pipeline: load, prefilter, optional rerank,
// cap at finalLimit.
type Selector struct {
	store *Store
}

// NewSelector wraps a store.
func NewSelector(store *Store) *Selector {
	return &Selector{store: store}
}

// SelectForPrompt picks the entries grounding one prompt. rerank may be
// nil, in which case lexical order stands and no warning is returned.
// When the rerank call fails or replies with ids outside the candidate
// set, the lexical order stands and warning carries
// RerankFallbackWarning.
func (s *Selector) SelectForPrompt(ctx context.Context, prompt string, scopes []models.MemoryScope, rerank providers.Invoker, rerankModel string) (entries []*models.MemoryEntry, warning string) {
	candidates := Prefilter(prompt, s.store.Load(ctx, scopes))
	if len(candidates) == 0 {
		return nil, ""
	}

	mode := "lexical"
	if rerank != nil {
		reranked, err := s.rerank(ctx, prompt, candidates, rerank, rerankModel)
		switch {
		case err != nil:
			s.store.logger.Warn(ctx, "memory rerank failed", "error", err)
			warning = RerankFallbackWarning
			mode = "fallback"
		default:
			candidates = reranked
			mode = "rerank"
		}
	}
	if s.store.metrics != nil {
		s.store.metrics.RecordMemorySelection(mode)
	}

	if len(candidates) > finalLimit {
		candidates = candidates[:finalLimit]
	}
	return candidates, warning
}

// rerank asks the model to order the candidate ids. The reply must be
// strict JSON and reference only known ids; anything else is an error
// so the caller can fall back.
func (s *Selector) rerank(ctx context.Context, prompt string, candidates []*models.MemoryEntry, invoker providers.Invoker, model string) ([]*models.MemoryEntry, error) {
	byID := make(map[string]*models.MemoryEntry, len(candidates))
	var listing strings.Builder
	for _, e := range candidates {
		byID[e.ID] = e
		fmt.Fprintf(&listing, "- id=%s topic=%s summary=%s\n", e.ID, e.Topic, clip(e.Summary, summaryClip))
	}

	req := providers.Request{
		Model: model,
		Prompt: "Rank these memory entries by relevance to the user's prompt, most relevant first. " +
			"Return only ids from the list; omit irrelevant entries.\n\n" +
			"User prompt:\n" + prompt + "\n\nEntries:\n" + listing.String() + "\n" +
			rerankContract.Instruction(),
	}
	resp, err := invoker.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	var reply rerankReply
	if err := rerankContract.Parse(resp.Text, &reply); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(reply.IDs))
	var ordered []*models.MemoryEntry
	for _, id := range reply.IDs {
		entry, ok := byID[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, entry)
	}
	if len(ordered) == 0 {
		return nil, fmt.Errorf("rerank reply named no candidate ids")
	}
	return ordered, nil
}
