// Package stage tracks the conversational-depth stage and trust score of
// each user relationship, and evaluates when to move the relationship
// forward.
//
// Stages only ever advance. Trust moves continuously in [0,10] and is what
// ultimately gates stage transitions, via the LLM evaluator.
package stage

// Stage is a conversational-depth stage name.
type Stage string

// The five stages, shallowest first. Transitions go forward one step at a
// time and never backward.
const (
	Orientation Stage = "ORIENTATION"
	Engagement  Stage = "ENGAGEMENT"
	Guidance    Stage = "GUIDANCE"
	Reflection  Stage = "REFLECTION"
	Integration Stage = "INTEGRATION"
)

// Defaults for a user with no persisted state.
const (
	DefaultStage Stage   = Orientation
	DefaultTrust float64 = 2.0
)

// Trust score bounds.
const (
	MinTrust float64 = 0
	MaxTrust float64 = 10
)

var stageOrder = map[Stage]int{
	Orientation: 0,
	Engagement:  1,
	Guidance:    2,
	Reflection:  3,
	Integration: 4,
}

// Order returns the stage's position in the progression, or -1 for an
// unknown stage name.
func (s Stage) Order() int {
	if ord, ok := stageOrder[s]; ok {
		return ord
	}
	return -1
}

// Valid reports whether s is one of the five known stages.
func (s Stage) Valid() bool {
	return s.Order() >= 0
}

// Next returns the stage one step deeper, or (s, false) when s is terminal
// or unknown.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case Orientation:
		return Engagement, true
	case Engagement:
		return Guidance, true
	case Guidance:
		return Reflection, true
	case Reflection:
		return Integration, true
	default:
		return s, false
	}
}

// ClampTrust bounds a trust score to [MinTrust, MaxTrust].
func ClampTrust(score float64) float64 {
	if score < MinTrust {
		return MinTrust
	}
	if score > MaxTrust {
		return MaxTrust
	}
	return score
}
