package contextcache

import (
	"fmt"
	"strings"
	"time"

	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

// Bundle is everything the prompt builder needs about one user, assembled
// once and cached. It serializes to JSON for the shared cache tier.
type Bundle struct {
	UserID         string                     `json:"user_id"`
	ProfileText    string                     `json:"profile_text,omitempty"`
	State          *storage.ConversationState `json:"state,omitempty"`
	RecentMemories []*storage.MemoryRecord    `json:"recent_memories,omitempty"`
	Onboarding     string                     `json:"onboarding,omitempty"`
	FetchedAt      time.Time                  `json:"fetched_at"`
}

// maxPromptMemories caps how many recent memories FormatForPrompt includes.
const maxPromptMemories = 5

// FormatForPrompt renders the bundle as a system-prompt context block.
// A bundle with no usable content renders as the empty string so callers
// can skip the block entirely.
func (b *Bundle) FormatForPrompt() string {
	if b == nil {
		return ""
	}

	var sb strings.Builder

	if b.ProfileText != "" {
		sb.WriteString("## About the user\n")
		sb.WriteString(b.ProfileText)
		sb.WriteString("\n\n")
	}

	if b.State != nil {
		fmt.Fprintf(&sb, "## Relationship\nStage: %s (trust %.1f/10)\n", b.State.Stage, b.State.TrustScore)
		if b.State.LastSummary != "" {
			sb.WriteString("Last conversation: ")
			sb.WriteString(b.State.LastSummary)
			sb.WriteString("\n")
		}
		if len(b.State.LastTopics) > 0 {
			sb.WriteString("Recent topics: ")
			sb.WriteString(strings.Join(b.State.LastTopics, ", "))
			sb.WriteString("\n")
		}
		if b.State.LastConversationAt != nil {
			fmt.Fprintf(&sb, "Last talked: %s\n", b.State.LastConversationAt.Format("Jan 2, 2006"))
		}
		sb.WriteString("\n")
	}

	if len(b.RecentMemories) > 0 {
		sb.WriteString("## Recent memories\n")
		memories := b.RecentMemories
		if len(memories) > maxPromptMemories {
			memories = memories[:maxPromptMemories]
		}
		for _, m := range memories {
			fmt.Fprintf(&sb, "- [%s] %s\n", strings.ToLower(m.Category), m.Value)
		}
		sb.WriteString("\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

// IsEmpty reports whether the bundle carries no user context at all.
func (b *Bundle) IsEmpty() bool {
	return b == nil ||
		(b.ProfileText == "" && b.State == nil && len(b.RecentMemories) == 0 && b.Onboarding == "")
}
