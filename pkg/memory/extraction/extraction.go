// Package extraction turns a chronological event sequence into validated
// candidate facts via a schema-constrained LLM call.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/engramlabs/engram/pkg/ai"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/sessions"
)

// SkipReason is the typed explanation for an empty result that is not an
// error.
type SkipReason string

const (
	SkipNone               SkipReason = ""
	SkipInsufficientEvents SkipReason = "insufficient_events"
	SkipNoFacts            SkipReason = "no_facts"
)

// Result is the outcome of one extraction run. Candidates carry no
// embeddings yet.
type Result struct {
	Candidates  []memory.ExtractionCandidate
	RawResponse string
	Skipped     SkipReason
}

// Config bounds the extraction behavior.
type Config struct {
	MinEvents     int
	MaxFacts      int
	MinConfidence float64
	FewShot       bool
}

// Stage holds the extraction dependencies.
type Stage struct {
	completions ai.Completion
	logger      *log.Logger
	config      Config
}

// New creates an extraction stage.
func New(logger *log.Logger, completions ai.Completion, config Config) (*Stage, error) {
	if completions == nil {
		return nil, fmt.Errorf("completions service cannot be nil")
	}
	if config.MinEvents <= 0 {
		config.MinEvents = 2
	}
	if config.MaxFacts <= 0 {
		config.MaxFacts = 20
	}
	return &Stage{completions: completions, logger: logger, config: config}, nil
}

// Extract runs the full stage: prompt build, LLM call, validation,
// confidence filtering and truncation. Too few events is a typed skip, not
// an error.
func (s *Stage) Extract(ctx context.Context, events []sessions.Event) (*Result, error) {
	if len(events) < s.config.MinEvents {
		s.logger.Debug("Skipping extraction", "events", len(events), "min_events", s.config.MinEvents)
		return &Result{Skipped: SkipInsufficientEvents}, nil
	}

	systemPrompt := BuildSystemPrompt(s.config.FewShot)
	userPrompt := RenderEvents(events)

	raw, err := s.completions.ExtractStructured(ctx, systemPrompt, userPrompt, ExtractFactsTool)
	if err != nil {
		return nil, fmt.Errorf("extracting facts: %w", err)
	}

	var args extractFactsArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, memory.Permanent("extraction", fmt.Errorf("unmarshaling tool arguments: %w", err))
	}

	candidates := s.filterCandidates(args.Facts)
	if len(candidates) == 0 {
		return &Result{RawResponse: string(raw), Skipped: SkipNoFacts}, nil
	}

	s.logger.Info("Extraction completed",
		"returned", len(args.Facts), "accepted", len(candidates))
	return &Result{Candidates: candidates, RawResponse: string(raw)}, nil
}

// filterCandidates applies the validation rules: fact length bounds, known
// category, confidence range and threshold. Order is preserved; the model is
// instructed to pre-sort by confidence. The list is truncated to MaxFacts.
func (s *Stage) filterCandidates(facts []extractedFact) []memory.ExtractionCandidate {
	candidates := make([]memory.ExtractionCandidate, 0, len(facts))
	for _, f := range facts {
		fact := strings.TrimSpace(f.Fact)
		factLen := utf8.RuneCountInString(fact)
		if factLen < memory.MinFactLen || factLen > memory.MaxFactLen {
			s.logger.Debug("Dropping fact with invalid length", "length", factLen)
			continue
		}
		category := memory.Category(f.Category)
		if !category.Valid() {
			s.logger.Debug("Dropping fact with unknown category", "category", f.Category)
			continue
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			s.logger.Debug("Dropping fact with out-of-range confidence", "confidence", f.Confidence)
			continue
		}
		if f.Confidence < s.config.MinConfidence {
			continue
		}
		importance := f.Importance
		if importance < 0 {
			importance = 0
		}
		if importance > 1 {
			importance = 1
		}
		candidates = append(candidates, memory.ExtractionCandidate{
			Fact:       fact,
			Category:   category,
			Confidence: f.Confidence,
			Topic:      strings.TrimSpace(f.Topic),
			Importance: importance,
		})
		if len(candidates) == s.config.MaxFacts {
			break
		}
	}
	return candidates
}

// RenderEvents produces the chronological "speaker: content" rendering used
// as the user prompt. Tool and system events are included so the model sees
// the full context the user reacted to.
func RenderEvents(events []sessions.Event) string {
	var b strings.Builder
	for _, event := range events {
		content := strings.TrimSpace(event.Content)
		if content == "" {
			continue
		}
		b.WriteString(string(event.Author))
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}
