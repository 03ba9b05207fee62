// Package extract classifies user utterances into memory-worthy facts.
//
// Each conversation turn is mined in the background for durable facts about
// the user. The extractor asks the LLM for a structured verdict and degrades
// to "nothing worth keeping" when the completion fails or cannot be parsed,
// so extraction never disturbs the turn cycle.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/RommanNadeem/companion-memory-go/pkg/llm"
	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

// maxCandidates bounds how many facts one utterance may yield.
const maxCandidates = 3

// Candidate is one memory-worthy fact mined from an utterance.
type Candidate struct {
	// Category is one of the storage memory categories.
	Category string `json:"category"`

	// Key is a short snake_case identifier, stable across rephrasings so
	// repeated mentions upsert the same row.
	Key string `json:"key"`

	// Value is the fact itself, phrased in third person.
	Value string `json:"value"`
}

// Extractor mines utterances for facts via the LLM.
type Extractor struct {
	llm    llm.Provider
	logger *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(provider llm.Provider, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{llm: provider, logger: logger}
}

// Extract returns the memory-worthy facts in one user utterance, possibly
// none. A failed or malformed completion degrades to no candidates rather
// than an error.
func (e *Extractor) Extract(ctx context.Context, userID, utterance string) ([]Candidate, error) {
	if strings.TrimSpace(utterance) == "" {
		return nil, nil
	}

	resp, err := e.llm.Generate(ctx, buildExtractionPrompt(utterance),
		llm.WithTemperature(0.1),
		llm.WithMaxTokens(400),
		llm.WithJSONResponse(),
	)
	if err != nil {
		e.logger.Warn("memory extraction completion failed", "user_id", userID, "error", err)
		return nil, nil
	}

	candidates := parseCandidates(resp)
	if candidates == nil {
		e.logger.Warn("memory extraction returned unparseable verdict", "user_id", userID)
		return nil, nil
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if !validCandidate(c) {
			continue
		}
		c.Category = strings.ToUpper(strings.TrimSpace(c.Category))
		c.Key = normalizeKey(c.Key)
		kept = append(kept, c)
		if len(kept) == maxCandidates {
			break
		}
	}
	return kept, nil
}

// validCandidate rejects incomplete facts and the reserved categories, which
// only the profile and onboarding writers may touch.
func validCandidate(c Candidate) bool {
	category := strings.ToUpper(strings.TrimSpace(c.Category))
	switch category {
	case storage.CategoryFact, storage.CategoryGoal, storage.CategoryInterest,
		storage.CategoryExperience, storage.CategoryPreference,
		storage.CategoryPlan, storage.CategoryRelationship, storage.CategoryOpinion:
	default:
		return false
	}
	return normalizeKey(c.Key) != "" && strings.TrimSpace(c.Value) != ""
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.ReplaceAll(key, " ", "_")
}

func buildExtractionPrompt(utterance string) string {
	var sb strings.Builder
	sb.WriteString("You mine a companion conversation for durable facts about the user.\n\n")
	fmt.Fprintf(&sb, "The user said:\n%s\n", utterance)
	sb.WriteString(`
Extract at most 3 facts worth remembering across future conversations. Skip
small talk, transient moods, and anything about the assistant. Allowed
categories: FACT, GOAL, INTEREST, EXPERIENCE, PREFERENCE, PLAN, RELATIONSHIP,
OPINION.

Respond with a JSON object only:
{
  "memories": [
    {"category": "INTEREST", "key": "short_stable_key", "value": "the fact, third person"}
  ]
}

Use an empty "memories" array when nothing is worth keeping.`)
	return sb.String()
}

// parseCandidates extracts the candidate list from a completion, tolerating
// code fences and surrounding prose. Returns nil when no JSON object can be
// recovered; an explicit empty list parses to a non-nil empty slice.
func parseCandidates(resp string) []Candidate {
	cleaned := strings.TrimSpace(resp)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil
	}

	var verdict struct {
		Memories []Candidate `json:"memories"`
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &verdict); err != nil {
		return nil
	}
	if verdict.Memories == nil {
		return []Candidate{}
	}
	return verdict.Memories
}
