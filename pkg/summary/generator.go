// Package summary produces progressive conversation summaries.
//
// Summaries are generated every few turns during a session and once more at
// session end. Records are append-only and chained within a session through
// previous_summary_id, so the full progression of a conversation can be
// replayed while prompts only ever carry the latest link.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/RommanNadeem/companion-memory-go/pkg/llm"
	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

// Turn is one user/assistant exchange.
type Turn struct {
	UserMessage      string
	AssistantMessage string
}

// Generator turns buffered conversation turns into persisted summary
// records.
type Generator struct {
	llm    llm.Provider
	store  storage.Store
	node   *snowflake.Node
	logger *slog.Logger
}

// NewGenerator creates a Generator. nodeID distinguishes engine instances
// sharing a store (0 is fine for a single instance).
func NewGenerator(provider llm.Provider, store storage.Store, nodeID int64, logger *slog.Logger) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{llm: provider, store: store, node: node, logger: logger}, nil
}

// Generate summarizes turns, merging them into previous when a prior summary
// of the session exists, persists the record, and returns it. userID and
// sessionID are required; a summary that cannot be attributed is never
// written.
func (g *Generator) Generate(ctx context.Context, userID, sessionID string, turns []Turn, previous *storage.SummaryRecord, final bool, turnCount int) (*storage.SummaryRecord, error) {
	if userID == "" || sessionID == "" {
		return nil, fmt.Errorf("summary: user and session ids are required")
	}
	if len(turns) == 0 && previous == nil {
		return nil, fmt.Errorf("summary: nothing to summarize")
	}

	rec := &storage.SummaryRecord{
		ID:            g.node.Generate().Int64(),
		UserID:        userID,
		SessionID:     sessionID,
		EmotionalTone: "neutral",
		TurnCount:     turnCount,
		IsFinal:       final,
		CreatedAt:     time.Now(),
	}
	if previous != nil {
		rec.PreviousSummaryID = previous.ID
	}

	if len(turns) == 0 {
		// Session ended right on an interval boundary; the final record
		// carries the last summary forward without another completion.
		rec.SummaryText = previous.SummaryText
		rec.KeyTopics = previous.KeyTopics
		rec.ImportantFacts = previous.ImportantFacts
		rec.EmotionalTone = previous.EmotionalTone
	} else {
		parsed, err := g.summarize(ctx, turns, previous)
		if err != nil {
			return nil, err
		}
		rec.SummaryText = parsed.Summary
		rec.KeyTopics = parsed.Topics
		rec.ImportantFacts = parsed.Facts
		if parsed.Tone != "" {
			rec.EmotionalTone = parsed.Tone
		}
	}

	if err := g.store.InsertSummary(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type parsedSummary struct {
	Summary string   `json:"summary"`
	Topics  []string `json:"key_topics"`
	Facts   []string `json:"important_facts"`
	Tone    string   `json:"emotional_tone"`
}

func (g *Generator) summarize(ctx context.Context, turns []Turn, previous *storage.SummaryRecord) (*parsedSummary, error) {
	prompt := buildSummaryPrompt(turns, previous)

	resp, err := g.llm.Generate(ctx, prompt,
		llm.WithTemperature(0.3),
		llm.WithMaxTokens(500),
		llm.WithJSONResponse(),
	)
	if err != nil {
		return nil, fmt.Errorf("summary completion: %w", err)
	}

	return parseSummary(resp), nil
}

func buildSummaryPrompt(turns []Turn, previous *storage.SummaryRecord) string {
	var sb strings.Builder
	if previous != nil {
		sb.WriteString("Existing summary of the conversation so far:\n")
		sb.WriteString(previous.SummaryText)
		if len(previous.KeyTopics) > 0 {
			sb.WriteString("\nTopics so far: ")
			sb.WriteString(strings.Join(previous.KeyTopics, ", "))
		}
		sb.WriteString("\n\nNew turns since that summary:\n")
	} else {
		sb.WriteString("Summarize this conversation between a user and their companion:\n")
	}

	for _, t := range turns {
		fmt.Fprintf(&sb, "User: %s\nAssistant: %s\n", t.UserMessage, t.AssistantMessage)
	}

	if previous != nil {
		sb.WriteString("\nProduce one updated summary that folds the new turns into the existing one.")
	}
	sb.WriteString(`
Respond with a JSON object only:
{
  "summary": "2-3 sentence summary",
  "key_topics": ["topic", ...],
  "important_facts": ["fact worth remembering", ...],
  "emotional_tone": "one word"
}`)
	return sb.String()
}

// parseSummary recovers the structured summary from a completion. JSON is
// tried first; failing that, "Summary:"/"Topics:"/"Facts:"/"Tone:" line
// prefixes; failing both, the whole response becomes the summary text with
// empty extracts and a neutral tone. Parsing never fails outright.
func parseSummary(resp string) *parsedSummary {
	cleaned := strings.TrimSpace(resp)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if start, end := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}"); start >= 0 && end > start {
		var parsed parsedSummary
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &parsed); err == nil && parsed.Summary != "" {
			return &parsed
		}
	}

	if parsed := parseLinePrefixes(cleaned); parsed != nil {
		return parsed
	}

	return &parsedSummary{Summary: cleaned, Tone: "neutral"}
}

func parseLinePrefixes(text string) *parsedSummary {
	parsed := &parsedSummary{Tone: "neutral"}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Summary:"):
			parsed.Summary = strings.TrimSpace(strings.TrimPrefix(line, "Summary:"))
		case strings.HasPrefix(line, "Topics:"):
			parsed.Topics = splitCommaList(strings.TrimPrefix(line, "Topics:"))
		case strings.HasPrefix(line, "Facts:"):
			parsed.Facts = splitCommaList(strings.TrimPrefix(line, "Facts:"))
		case strings.HasPrefix(line, "Tone:"):
			if tone := strings.TrimSpace(strings.TrimPrefix(line, "Tone:")); tone != "" {
				parsed.Tone = tone
			}
		}
	}
	if parsed.Summary == "" {
		return nil
	}
	return parsed
}

func splitCommaList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// FormatSummariesForContext renders past-session summaries as a prompt
// block, one paragraph per session, newest first. Empty input renders as
// the empty string.
func FormatSummariesForContext(records []*storage.SummaryRecord) string {
	if len(records) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Past conversations\n")
	for _, rec := range records {
		fmt.Fprintf(&sb, "%s: %s", rec.CreatedAt.Format("Jan 2, 2006"), rec.SummaryText)
		if len(rec.KeyTopics) > 0 {
			fmt.Fprintf(&sb, " (topics: %s)", strings.Join(rec.KeyTopics, ", "))
		}
		if rec.EmotionalTone != "" && rec.EmotionalTone != "neutral" {
			fmt.Fprintf(&sb, " [mood: %s]", rec.EmotionalTone)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
