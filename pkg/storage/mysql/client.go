// Package mysql provides a MySQL-compatible implementation of the relational
// store (MySQL, MariaDB, OceanBase).
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

// Client implements storage.Store using a MySQL-compatible backend.
type Client struct {
	db *sql.DB
}

// Config contains MySQL configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// NewClient creates a new MySQL store client.
func NewClient(cfg *Config) (*Client, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewMySQLClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewMySQLClient: %w", err)
	}

	client := &Client{db: db}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// initTables initializes the database table structure.
func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		"CREATE TABLE IF NOT EXISTS memory (" +
			"id BIGINT PRIMARY KEY, " +
			"user_id VARCHAR(255) NOT NULL, " +
			"category VARCHAR(64) NOT NULL, " +
			"`key` VARCHAR(255) NOT NULL, " +
			"value TEXT NOT NULL, " +
			"created_at DATETIME DEFAULT CURRENT_TIMESTAMP, " +
			"updated_at DATETIME DEFAULT CURRENT_TIMESTAMP, " +
			"UNIQUE KEY uk_memory (user_id, category, `key`)" +
			")",
		"CREATE TABLE IF NOT EXISTS conversation_state (" +
			"user_id VARCHAR(255) PRIMARY KEY, " +
			"stage VARCHAR(32) NOT NULL, " +
			"trust_score DOUBLE NOT NULL, " +
			"stage_history JSON, " +
			"last_user_message TEXT, " +
			"last_assistant_message TEXT, " +
			"last_summary TEXT, " +
			"last_topics JSON, " +
			"last_conversation_at DATETIME, " +
			"updated_at DATETIME DEFAULT CURRENT_TIMESTAMP" +
			")",
		"CREATE TABLE IF NOT EXISTS conversation_summaries (" +
			"id BIGINT PRIMARY KEY, " +
			"user_id VARCHAR(255) NOT NULL, " +
			"session_id VARCHAR(64) NOT NULL, " +
			"summary_text TEXT NOT NULL, " +
			"key_topics JSON, " +
			"important_facts JSON, " +
			"emotional_tone VARCHAR(32), " +
			"turn_count INT NOT NULL, " +
			"is_final BOOLEAN NOT NULL DEFAULT FALSE, " +
			"previous_summary_id BIGINT, " +
			"created_at DATETIME DEFAULT CURRENT_TIMESTAMP, " +
			"KEY idx_summaries_user (user_id, created_at)" +
			")",
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	return nil
}

// UpsertMemory inserts or replaces a memory record by (user_id, category, key).
func (c *Client) UpsertMemory(ctx context.Context, rec *storage.MemoryRecord) error {
	query := "INSERT INTO memory (id, user_id, category, `key`, value, created_at, updated_at) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)"

	now := time.Now()
	_, err := c.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.Category, rec.Key, rec.Value, now, now,
	)
	if err != nil {
		return fmt.Errorf("UpsertMemory: %w", mapWriteErr(err))
	}

	return nil
}

// GetMemory fetches one memory record.
func (c *Client) GetMemory(ctx context.Context, userID, category, key string) (*storage.MemoryRecord, error) {
	query := "SELECT id, user_id, category, `key`, value, created_at, updated_at " +
		"FROM memory WHERE user_id = ? AND category = ? AND `key` = ?"

	rec, err := scanMemory(c.db.QueryRowContext(ctx, query, userID, category, key))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetMemory: %w", err)
	}

	return rec, nil
}

// GetMemoriesByKeys fetches records for a list of keys using one IN query.
func (c *Client) GetMemoriesByKeys(ctx context.Context, userID string, keys []string) ([]*storage.MemoryRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		"SELECT id, user_id, category, `key`, value, created_at, updated_at "+
			"FROM memory WHERE user_id = ? AND `key` IN (%s) ORDER BY created_at DESC",
		placeholders(len(keys)))

	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, userID)
	for _, k := range keys {
		args = append(args, k)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetMemoriesByKeys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectMemories(rows)
}

// GetRecentMemories fetches the newest records, excluding reserved categories.
func (c *Client) GetRecentMemories(ctx context.Context, userID string, limit int) ([]*storage.MemoryRecord, error) {
	query := "SELECT id, user_id, category, `key`, value, created_at, updated_at " +
		"FROM memory WHERE user_id = ? AND category NOT IN (?, ?) " +
		"ORDER BY created_at DESC LIMIT ?"

	rows, err := c.db.QueryContext(ctx, query, userID, storage.CategoryProfile, storage.CategoryOnboarding, limit)
	if err != nil {
		return nil, fmt.Errorf("GetRecentMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectMemories(rows)
}

// DeleteMemory removes one record (explicit forget).
func (c *Client) DeleteMemory(ctx context.Context, userID, category, key string) error {
	query := "DELETE FROM memory WHERE user_id = ? AND category = ? AND `key` = ?"

	result, err := c.db.ExecContext(ctx, query, userID, category, key)
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", mapWriteErr(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// GetState fetches the user's conversation state row.
func (c *Client) GetState(ctx context.Context, userID string) (*storage.ConversationState, error) {
	query := `
		SELECT user_id, stage, trust_score, stage_history,
		       last_user_message, last_assistant_message,
		       last_summary, last_topics, last_conversation_at, updated_at
		FROM conversation_state
		WHERE user_id = ?
	`

	state, err := scanState(c.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetState: %w", err)
	}

	return state, nil
}

// UpsertState writes the user's single conversation state row.
func (c *Client) UpsertState(ctx context.Context, state *storage.ConversationState) error {
	historyJSON, topicsJSON, err := marshalStateJSON(state)
	if err != nil {
		return fmt.Errorf("UpsertState: %w", err)
	}

	query := `
		INSERT INTO conversation_state
			(user_id, stage, trust_score, stage_history,
			 last_user_message, last_assistant_message,
			 last_summary, last_topics, last_conversation_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			stage = VALUES(stage),
			trust_score = VALUES(trust_score),
			stage_history = VALUES(stage_history),
			last_user_message = VALUES(last_user_message),
			last_assistant_message = VALUES(last_assistant_message),
			last_summary = VALUES(last_summary),
			last_topics = VALUES(last_topics),
			last_conversation_at = VALUES(last_conversation_at),
			updated_at = VALUES(updated_at)
	`

	_, err = c.db.ExecContext(ctx, query,
		state.UserID, state.Stage, state.TrustScore, historyJSON,
		state.LastUserMessage, state.LastAssistantMessage,
		state.LastSummary, topicsJSON, state.LastConversationAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("UpsertState: %w", mapWriteErr(err))
	}

	return nil
}

// InsertSummary appends a summary record.
func (c *Client) InsertSummary(ctx context.Context, rec *storage.SummaryRecord) error {
	topicsJSON, factsJSON, err := marshalSummaryJSON(rec)
	if err != nil {
		return fmt.Errorf("InsertSummary: %w", err)
	}

	query := `
		INSERT INTO conversation_summaries
			(id, user_id, session_id, summary_text, key_topics, important_facts,
			 emotional_tone, turn_count, is_final, previous_summary_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = c.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.SessionID, rec.SummaryText, topicsJSON, factsJSON,
		rec.EmotionalTone, rec.TurnCount, rec.IsFinal, rec.PreviousSummaryID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("InsertSummary: %w", mapWriteErr(err))
	}

	return nil
}

// GetRecentSummaries fetches summaries newest-first.
func (c *Client) GetRecentSummaries(ctx context.Context, userID string, limit int, finalOnly bool) ([]*storage.SummaryRecord, error) {
	query := `
		SELECT id, user_id, session_id, summary_text, key_topics, important_facts,
		       emotional_tone, turn_count, is_final, previous_summary_id, created_at
		FROM conversation_summaries
		WHERE user_id = ?
	`
	if finalOnly {
		query += " AND is_final = TRUE"
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"

	rows, err := c.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("GetRecentSummaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectSummaries(rows)
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// mapWriteErr maps backend authorization failures to the package sentinel.
// 1142 is ER_TABLEACCESS_DENIED_ERROR, 1227 is ER_SPECIFIC_ACCESS_DENIED.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if myErr, ok := err.(*mysql.MySQLError); ok {
		if myErr.Number == 1142 || myErr.Number == 1227 {
			return storage.ErrPermissionDenied
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "access denied") {
		return storage.ErrPermissionDenied
	}
	return err
}

// placeholders returns "?, ?, ..." for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
