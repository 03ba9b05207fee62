package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RommanNadeem/companion-memory-go/pkg/llm"
	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

const (
	// DefaultConfidenceThreshold is the minimum evaluator confidence at
	// which a suggested transition is applied. A suggestion at exactly the
	// threshold is not applied.
	DefaultConfidenceThreshold = 0.7

	// maxTrustDelta bounds a single evaluation's trust adjustment.
	maxTrustDelta = 2.0
)

// Evaluation is the structured verdict of one transition analysis.
type Evaluation struct {
	// ShouldTransition suggests moving one stage deeper.
	ShouldTransition bool `json:"should_transition"`

	// Confidence is the evaluator's confidence in the suggestion, in [0,1].
	Confidence float64 `json:"confidence"`

	// TrustAdjustment is a trust-score delta in [-2,2], applied regardless
	// of whether the transition is.
	TrustAdjustment float64 `json:"trust_adjustment"`

	// Reason is a short free-text rationale, used only for logging.
	Reason string `json:"reason"`
}

// noOpEvaluation is the safe fallback when the completion cannot be parsed.
func noOpEvaluation() *Evaluation {
	return &Evaluation{ShouldTransition: false, Confidence: 0, TrustAdjustment: 0}
}

// Evaluator asks the LLM whether a relationship is ready to deepen.
type Evaluator struct {
	llm       llm.Provider
	threshold float64
	logger    *slog.Logger
}

// NewEvaluator creates an Evaluator. threshold <= 0 means
// DefaultConfidenceThreshold.
func NewEvaluator(provider llm.Provider, threshold float64, logger *slog.Logger) *Evaluator {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{llm: provider, threshold: threshold, logger: logger}
}

// SuggestTransition analyzes the recent turns against the user's current
// state and returns a verdict. A malformed or failed completion degrades to
// the no-op verdict rather than an error: a missed evaluation costs nothing,
// the next turn re-evaluates.
func (e *Evaluator) SuggestTransition(ctx context.Context, state *storage.ConversationState, recentTurns []string) (*Evaluation, error) {
	prompt := buildEvaluationPrompt(state, recentTurns)

	resp, err := e.llm.Generate(ctx, prompt,
		llm.WithTemperature(0.2),
		llm.WithMaxTokens(300),
		llm.WithJSONResponse(),
	)
	if err != nil {
		e.logger.Warn("stage evaluation completion failed", "user_id", state.UserID, "error", err)
		return noOpEvaluation(), nil
	}

	eval := parseEvaluation(resp)
	if eval == nil {
		e.logger.Warn("stage evaluation returned unparseable verdict", "user_id", state.UserID)
		return noOpEvaluation(), nil
	}

	if eval.TrustAdjustment > maxTrustDelta {
		eval.TrustAdjustment = maxTrustDelta
	} else if eval.TrustAdjustment < -maxTrustDelta {
		eval.TrustAdjustment = -maxTrustDelta
	}
	return eval, nil
}

// Apply writes an evaluation's effects through the manager: the trust
// adjustment always, the stage advance only when the suggestion clears the
// confidence threshold. Returns the resulting state.
func (e *Evaluator) Apply(ctx context.Context, mgr *Manager, userID string, eval *Evaluation) (*storage.ConversationState, error) {
	transition := eval.ShouldTransition && eval.Confidence > e.threshold

	state, err := mgr.Mutate(ctx, userID, func(state *storage.ConversationState) {
		state.TrustScore = ClampTrust(state.TrustScore + eval.TrustAdjustment)
		if !transition {
			return
		}
		current := Stage(state.Stage)
		next, ok := current.Next()
		if !ok {
			return
		}
		state.StageHistory = append(state.StageHistory, storage.StageTransition{
			From:       string(current),
			To:         string(next),
			At:         time.Now(),
			TrustScore: state.TrustScore,
		})
		state.Stage = string(next)
	})
	if err != nil {
		return nil, err
	}

	if transition {
		e.logger.Info("stage advanced",
			"user_id", userID, "stage", state.Stage,
			"trust", state.TrustScore, "confidence", eval.Confidence, "reason", eval.Reason)
	}
	return state, nil
}

func buildEvaluationPrompt(state *storage.ConversationState, recentTurns []string) string {
	var sb strings.Builder
	sb.WriteString("You assess the depth of an ongoing companion relationship.\n\n")
	fmt.Fprintf(&sb, "Current stage: %s\nCurrent trust score: %.1f out of 10\n\n", state.Stage, state.TrustScore)
	sb.WriteString("Recent conversation turns:\n")
	for _, turn := range recentTurns {
		sb.WriteString("- ")
		sb.WriteString(turn)
		sb.WriteString("\n")
	}
	sb.WriteString(`
Decide whether the relationship is ready to move one stage deeper, and how
the trust score should shift based on openness, vulnerability, and engagement
shown in these turns.

Respond with a JSON object only:
{
  "should_transition": true or false,
  "confidence": 0.0 to 1.0,
  "trust_adjustment": -2.0 to 2.0,
  "reason": "one short sentence"
}`)
	return sb.String()
}

// parseEvaluation extracts the verdict from a completion, tolerating code
// fences and surrounding prose. Returns nil when no JSON object can be
// recovered.
func parseEvaluation(resp string) *Evaluation {
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

	var eval Evaluation
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &eval); err != nil {
		return nil
	}
	return &eval
}
