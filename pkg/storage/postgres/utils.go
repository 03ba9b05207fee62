package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(s rowScanner) (*storage.MemoryRecord, error) {
	var rec storage.MemoryRecord
	err := s.Scan(
		&rec.ID, &rec.UserID, &rec.Category, &rec.Key, &rec.Value,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectMemories(rows *sql.Rows) ([]*storage.MemoryRecord, error) {
	var records []*storage.MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func scanState(s rowScanner) (*storage.ConversationState, error) {
	var state storage.ConversationState
	var historyJSON, topicsJSON sql.NullString
	var lastConversationAt sql.NullTime

	err := s.Scan(
		&state.UserID, &state.Stage, &state.TrustScore, &historyJSON,
		&state.LastUserMessage, &state.LastAssistantMessage,
		&state.LastSummary, &topicsJSON, &lastConversationAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if historyJSON.Valid && historyJSON.String != "" {
		if err := json.Unmarshal([]byte(historyJSON.String), &state.StageHistory); err != nil {
			return nil, fmt.Errorf("parse stage_history: %w", err)
		}
	}
	if topicsJSON.Valid && topicsJSON.String != "" {
		if err := json.Unmarshal([]byte(topicsJSON.String), &state.LastTopics); err != nil {
			return nil, fmt.Errorf("parse last_topics: %w", err)
		}
	}
	if lastConversationAt.Valid {
		state.LastConversationAt = &lastConversationAt.Time
	}

	return &state, nil
}

func marshalStateJSON(state *storage.ConversationState) (historyJSON, topicsJSON string, err error) {
	history, err := json.Marshal(state.StageHistory)
	if err != nil {
		return "", "", fmt.Errorf("marshal stage_history: %w", err)
	}
	topics, err := json.Marshal(state.LastTopics)
	if err != nil {
		return "", "", fmt.Errorf("marshal last_topics: %w", err)
	}
	return string(history), string(topics), nil
}

func scanSummary(s rowScanner) (*storage.SummaryRecord, error) {
	var rec storage.SummaryRecord
	var topicsJSON, factsJSON sql.NullString
	var previousID sql.NullInt64

	err := s.Scan(
		&rec.ID, &rec.UserID, &rec.SessionID, &rec.SummaryText,
		&topicsJSON, &factsJSON, &rec.EmotionalTone, &rec.TurnCount,
		&rec.IsFinal, &previousID, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if topicsJSON.Valid && topicsJSON.String != "" {
		if err := json.Unmarshal([]byte(topicsJSON.String), &rec.KeyTopics); err != nil {
			return nil, fmt.Errorf("parse key_topics: %w", err)
		}
	}
	if factsJSON.Valid && factsJSON.String != "" {
		if err := json.Unmarshal([]byte(factsJSON.String), &rec.ImportantFacts); err != nil {
			return nil, fmt.Errorf("parse important_facts: %w", err)
		}
	}
	if previousID.Valid {
		rec.PreviousSummaryID = previousID.Int64
	}

	return &rec, nil
}

func collectSummaries(rows *sql.Rows) ([]*storage.SummaryRecord, error) {
	var records []*storage.SummaryRecord
	for rows.Next() {
		rec, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func marshalSummaryJSON(rec *storage.SummaryRecord) (topicsJSON, factsJSON string, err error) {
	topics, err := json.Marshal(rec.KeyTopics)
	if err != nil {
		return "", "", fmt.Errorf("marshal key_topics: %w", err)
	}
	facts, err := json.Marshal(rec.ImportantFacts)
	if err != nil {
		return "", "", fmt.Errorf("marshal important_facts: %w", err)
	}
	return string(topics), string(facts), nil
}
