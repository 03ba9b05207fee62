// Package storage defines the relational store contract for the conversation
// engine. The relational store is the single source of truth; every cached or
// indexed representation elsewhere in the engine is rebuildable from it.
//
// Three logical tables back the engine:
//
//	memory(user_id, category, key, value, created_at, updated_at)
//	    UNIQUE (user_id, category, key), upsert-on-conflict
//	conversation_state(user_id UNIQUE, stage, trust_score, stage_history, ...)
//	    one row per user, upsert-on-conflict
//	conversation_summaries(...) append-only log, chained by
//	    previous_summary_id within a session
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrPermissionDenied indicates the backend rejected a write for
	// authorization reasons (for example row-level security). Callers treat
	// this as a configuration defect, not a user-facing failure.
	ErrPermissionDenied = errors.New("permission denied")
)

// Memory categories. PROFILE and ONBOARDING are reserved categories holding
// the per-user profile text and onboarding blob under fixed keys.
const (
	CategoryFact         = "FACT"
	CategoryGoal         = "GOAL"
	CategoryInterest     = "INTEREST"
	CategoryExperience   = "EXPERIENCE"
	CategoryPreference   = "PREFERENCE"
	CategoryPlan         = "PLAN"
	CategoryRelationship = "RELATIONSHIP"
	CategoryOpinion      = "OPINION"
	CategoryProfile      = "PROFILE"
	CategoryOnboarding   = "ONBOARDING"
)

// Fixed keys for the reserved categories.
const (
	ProfileKey    = "profile"
	OnboardingKey = "onboarding"
)

// MemoryRecord is one row of the memory table.
type MemoryRecord struct {
	// ID is the unique identifier of the record.
	ID int64

	// UserID identifies the owning user. Records are never shared across
	// users.
	UserID string

	// Category is one of the Category* constants.
	Category string

	// Key identifies the record within (user, category). Writing the same
	// key again replaces the value (upsert semantics).
	Key string

	// Value is the stored text.
	Value string

	// CreatedAt is when the record was first created.
	CreatedAt time.Time

	// UpdatedAt is when the record was last upserted.
	UpdatedAt time.Time
}

// StageTransition is one entry of a user's stage history.
type StageTransition struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	At         time.Time `json:"at"`
	TrustScore float64   `json:"trust_score"`
}

// ConversationState is the single conversation_state row for a user.
type ConversationState struct {
	// UserID identifies the user; unique per row.
	UserID string

	// Stage is the current conversational-depth stage name.
	Stage string

	// TrustScore is the continuous trust score, clamped to [0,10] by the
	// writer.
	TrustScore float64

	// StageHistory records every stage change, oldest first.
	StageHistory []StageTransition

	// LastUserMessage and LastAssistantMessage are the most recent turn
	// texts, kept for continuity rendering.
	LastUserMessage      string
	LastAssistantMessage string

	// LastSummary and LastTopics describe the previous conversation, written
	// by the summarizer at session end.
	LastSummary string
	LastTopics  []string

	// LastConversationAt is when the previous conversation ended (nil before
	// the first session close).
	LastConversationAt *time.Time

	// UpdatedAt is when the row was last written.
	UpdatedAt time.Time
}

// SummaryRecord is one row of the append-only conversation_summaries table.
// Rows are never mutated after insert.
type SummaryRecord struct {
	// ID is the unique identifier of the record.
	ID int64

	// UserID identifies the owning user.
	UserID string

	// SessionID groups the summaries of one conversation session.
	SessionID string

	// SummaryText is the condensed summary.
	SummaryText string

	// KeyTopics and ImportantFacts are structured extracts.
	KeyTopics      []string
	ImportantFacts []string

	// EmotionalTone is a one-word mood label ("neutral" when unknown).
	EmotionalTone string

	// TurnCount is the number of user turns the summary covers.
	TurnCount int

	// IsFinal marks the record that closes a session's chain. At most one
	// per session.
	IsFinal bool

	// PreviousSummaryID links to the prior summary of the same session
	// (0 for the first of a session), forming a singly-linked chain.
	PreviousSummaryID int64

	// CreatedAt is when the record was inserted.
	CreatedAt time.Time
}

// Store is the relational store contract.
//
// All implementations must provide transactional upsert-on-conflict semantics
// for memory and conversation_state, and plain appends for summaries.
type Store interface {
	// UpsertMemory inserts rec or replaces the value for an existing
	// (user_id, category, key).
	UpsertMemory(ctx context.Context, rec *MemoryRecord) error

	// GetMemory fetches one record, or ErrNotFound.
	GetMemory(ctx context.Context, userID, category, key string) (*MemoryRecord, error)

	// GetMemoriesByKeys fetches all records for userID whose key is in keys,
	// using a single IN-style query. Absent keys are omitted, not errors.
	GetMemoriesByKeys(ctx context.Context, userID string, keys []string) ([]*MemoryRecord, error)

	// GetRecentMemories fetches up to limit records for userID, newest
	// first, excluding the reserved PROFILE/ONBOARDING categories.
	GetRecentMemories(ctx context.Context, userID string, limit int) ([]*MemoryRecord, error)

	// DeleteMemory removes one record (explicit forget); ErrNotFound when
	// the record does not exist.
	DeleteMemory(ctx context.Context, userID, category, key string) error

	// GetState fetches the user's conversation state row, or ErrNotFound
	// before first interaction.
	GetState(ctx context.Context, userID string) (*ConversationState, error)

	// UpsertState writes the user's single conversation state row.
	UpsertState(ctx context.Context, state *ConversationState) error

	// InsertSummary appends a summary record. Summaries are never updated or
	// deleted.
	InsertSummary(ctx context.Context, rec *SummaryRecord) error

	// GetRecentSummaries fetches up to limit summaries for userID, newest
	// first, optionally only session-final ones.
	GetRecentSummaries(ctx context.Context, userID string, limit int, finalOnly bool) ([]*SummaryRecord, error)

	// Close closes the store and releases resources.
	Close() error
}
