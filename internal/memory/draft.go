package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/toutatis-dev/huddle/internal/providers"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// DuplicateThreshold is the similarity at or above which a draft is
// flagged as a duplicate of an existing entry.
const DuplicateThreshold = 0.80

// topicBonus is added when the draft and candidate share a topic.
const topicBonus = 0.05

// ErrInvalidDraft wraps every confirm-time validation failure.
var ErrInvalidDraft = errors.New("invalid memory draft")

// ErrNoDraftSource means there was no assistant reply to draft from.
var ErrNoDraftSource = errors.New("no assistant reply to draft from")

// Draft is the staged entry a user reviews before it is saved.
type Draft struct {
	Summary    string
	Topic      string
	Confidence models.Confidence
	Source     string
	Scope      models.MemoryScope
}

// draftReply is the strict-JSON shape the drafting model must return.
type draftReply struct {
	Summary    string `json:"summary"`
	Topic      string `json:"topic"`
	Confidence string `json:"confidence,omitempty"`
	Source     string `json:"source,omitempty"`
}

var draftContract = providers.MustContract("memory_draft", &draftReply{})

// GenerateDraft asks the model to distill the last assistant reply into
// a draft entry. The caller picks scope and reviews before saving.
func GenerateDraft(ctx context.Context, invoker providers.Invoker, model, responseText string) (*Draft, error) {
	if strings.TrimSpace(responseText) == "" {
		return nil, ErrNoDraftSource
	}

	req := providers.Request{
		Model: model,
		Prompt: "Distill the assistant reply below into one reusable memory entry. " +
			"summary: one sentence under 220 characters stating the durable fact or decision. " +
			"topic: two or three words. confidence: low, med, or high. " +
			"source: where the fact came from, under 80 characters.\n\n" +
			"Assistant reply:\n" + responseText + "\n\n" +
			draftContract.Instruction(),
	}
	resp, err := invoker.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	var reply draftReply
	if err := draftContract.Parse(resp.Text, &reply); err != nil {
		return nil, err
	}

	d := &Draft{
		Summary:    strings.TrimSpace(reply.Summary),
		Topic:      strings.TrimSpace(reply.Topic),
		Confidence: models.Confidence(strings.ToLower(strings.TrimSpace(reply.Confidence))),
		Source:     strings.TrimSpace(reply.Source),
	}
	if !models.ValidConfidence(d.Confidence) {
		d.Confidence = models.ConfidenceMed
	}
	if d.Source == "" {
		d.Source = "ai_response"
	}
	return d, nil
}

// Validate enforces the confirm-time rules: summary and source must be
// non-empty and confidence must be one of the known grades.
func (d *Draft) Validate() error {
	if strings.TrimSpace(d.Summary) == "" {
		return fmt.Errorf("%w: summary must not be empty", ErrInvalidDraft)
	}
	if strings.TrimSpace(d.Source) == "" {
		return fmt.Errorf("%w: source must not be empty", ErrInvalidDraft)
	}
	if !models.ValidConfidence(d.Confidence) {
		return fmt.Errorf("%w: confidence must be low, med, or high", ErrInvalidDraft)
	}
	if d.Scope != "" && !models.ValidMemoryScope(d.Scope) {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidDraft, d.Scope)
	}
	return nil
}

// ToEntry materializes the draft as a persistable entry. Scope defaults
// to private when unset.
func (d *Draft) ToEntry(author, room, originRef string) *models.MemoryEntry {
	scope := d.Scope
	if scope == "" {
		scope = models.ScopePrivate
	}
	return &models.MemoryEntry{
		ID:             models.NewMemoryID(time.Now()),
		TS:             models.NowISO(),
		Author:         author,
		Summary:        strings.TrimSpace(d.Summary),
		Topic:          strings.TrimSpace(d.Topic),
		Confidence:     d.Confidence,
		Source:         strings.TrimSpace(d.Source),
		Room:           room,
		OriginEventRef: originRef,
		Scope:          scope,
	}
}

// Confirm validates the draft, materializes it, and appends it to its
// scope file.
func (s *Store) Confirm(ctx context.Context, d *Draft, author, room, originRef string) (*models.MemoryEntry, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	entry := d.ToEntry(author, room, originRef)
	if err := s.Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// FindDuplicate scans every scope for the entry most similar to the
// draft. It returns that entry when the similarity clears
// DuplicateThreshold, nil otherwise; the score is returned either way.
func (s *Store) FindDuplicate(ctx context.Context, d *Draft) (*models.MemoryEntry, float64) {
	var best *models.MemoryEntry
	var bestScore float64
	for _, e := range s.Load(ctx, models.AllMemoryScopes) {
		score := Similarity(d.Summary, d.Topic, e.Summary, e.Topic)
		if score > bestScore {
			best, bestScore = e, score
		}
	}
	if bestScore < DuplicateThreshold {
		return nil, bestScore
	}
	return best, bestScore
}

// Similarity scores two entries' closeness in [0, 1]. The base is the
// stronger of a character-level diff ratio and a token-overlap ratio
// over the summaries; matching topics add a small bonus.
func Similarity(summaryA, topicA, summaryB, topicB string) float64 {
	base := charRatio(summaryA, summaryB)
	if tok := tokenOverlapRatio(summaryA, summaryB); tok > base {
		base = tok
	}
	if topicsMatch(topicA, topicB) {
		base += topicBonus
	}
	if base > 1 {
		base = 1
	}
	return base
}

// charRatio is the difflib sequence ratio over lowercased characters.
func charRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	m := difflib.NewMatcher(
		strings.Split(strings.ToLower(a), ""),
		strings.Split(strings.ToLower(b), ""),
	)
	return m.Ratio()
}

// tokenOverlapRatio is the Dice coefficient over the token sets.
func tokenOverlapRatio(a, b string) float64 {
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(setA)+len(setB))
}

func topicsMatch(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	return a != "" && a == b
}
