package summary

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

// DefaultInterval is the number of user turns between incremental
// summaries.
const DefaultInterval = 5

// Tracker buffers the turns of each user's active session and drives the
// Generator: an incremental summary every interval turns, a final one at
// session end. It is safe for concurrent use.
type Tracker struct {
	gen      *Generator
	interval int
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id        string
	turns     []Turn
	turnCount int
	last      *storage.SummaryRecord
}

// NewTracker creates a Tracker. interval <= 0 means DefaultInterval.
func NewTracker(gen *Generator, interval int, logger *slog.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		gen:      gen,
		interval: interval,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// StartSession opens a session for the user and returns its id. An already
// active session is ended implicitly without a final summary; callers that
// want one should call EndSession first.
func (t *Tracker) StartSession(userID string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.sessions[userID] = &session{id: id}
	t.mu.Unlock()
	return id
}

// SessionID returns the user's active session id, or "" when none.
func (t *Tracker) SessionID(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[userID]; ok {
		return s.id
	}
	return ""
}

// RecordTurn buffers one exchange, opening a session if none is active.
// When the turn count reaches a multiple of the interval an incremental
// summary is generated and returned; otherwise the returned record is nil.
func (t *Tracker) RecordTurn(ctx context.Context, userID, userMsg, assistantMsg string) (*storage.SummaryRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("summary: user id is required")
	}

	t.mu.Lock()
	s, ok := t.sessions[userID]
	if !ok {
		s = &session{id: uuid.NewString()}
		t.sessions[userID] = s
	}
	s.turns = append(s.turns, Turn{UserMessage: userMsg, AssistantMessage: assistantMsg})
	s.turnCount++

	if s.turnCount%t.interval != 0 {
		t.mu.Unlock()
		return nil, nil
	}

	turns := s.turns
	previous := s.last
	sessionID := s.id
	turnCount := s.turnCount
	t.mu.Unlock()

	rec, err := t.gen.Generate(ctx, userID, sessionID, turns, previous, false, turnCount)
	if err != nil {
		// The buffer is kept; the next interval retries with more turns.
		t.logger.Warn("incremental summary failed", "user_id", userID, "error", err)
		return nil, err
	}

	t.mu.Lock()
	// The session may have rolled over while the completion ran.
	if s2, ok := t.sessions[userID]; ok && s2.id == sessionID {
		s2.turns = s2.turns[len(turns):]
		s2.last = rec
	}
	t.mu.Unlock()

	return rec, nil
}

// EndSession closes the user's session with exactly one final summary
// covering any unsummarized turns. A session with no turns at all is
// discarded without a record. Returns the final record, or nil when there
// was nothing to close.
func (t *Tracker) EndSession(ctx context.Context, userID string) (*storage.SummaryRecord, error) {
	t.mu.Lock()
	s, ok := t.sessions[userID]
	if ok {
		delete(t.sessions, userID)
	}
	t.mu.Unlock()

	if !ok || s.turnCount == 0 {
		return nil, nil
	}

	return t.gen.Generate(ctx, userID, s.id, s.turns, s.last, true, s.turnCount)
}

// ActiveSessions reports how many sessions are currently open.
func (t *Tracker) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
