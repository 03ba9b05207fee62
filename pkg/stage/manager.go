package stage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RommanNadeem/companion-memory-go/pkg/cache"
	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

const (
	// DefaultStateTTL is how long a cached conversation state stays valid.
	DefaultStateTTL = 30 * time.Minute

	stateKeyPrefix = "convstate:"
)

// Manager owns conversation state reads and writes. All mutations of one
// user's state are serialized through a per-user lock, so concurrent turns
// cannot interleave a read-modify-write.
//
// When the relational store rejects a write as unauthorized the state is
// kept in cache only and the write counted, so the conversation continues
// while the misconfiguration is surfaced through logs and Stats.
type Manager struct {
	store  storage.Store
	shared cache.Store
	ttl    time.Duration
	logger *slog.Logger

	locks sync.Map // userID -> *sync.Mutex

	cacheOnlyWrites atomic.Uint64
}

// NewManager creates a Manager. shared may be nil to disable the cache
// tier; ttl <= 0 means DefaultStateTTL.
func NewManager(store storage.Store, shared cache.Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, shared: shared, ttl: ttl, logger: logger}
}

// GetState returns the user's conversation state, reading through the cache
// tier. A user with no persisted state gets the default state (not yet
// persisted).
func (m *Manager) GetState(ctx context.Context, userID string) (*storage.ConversationState, error) {
	if state := m.getCached(ctx, userID); state != nil {
		return state, nil
	}

	state, err := m.store.GetState(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		state = defaultState(userID)
	}

	m.setCached(ctx, state)
	return state, nil
}

// AdjustTrust shifts the user's trust score by delta, clamped to the trust
// bounds, and persists the result.
func (m *Manager) AdjustTrust(ctx context.Context, userID string, delta float64) (*storage.ConversationState, error) {
	return m.Mutate(ctx, userID, func(state *storage.ConversationState) {
		state.TrustScore = ClampTrust(state.TrustScore + delta)
	})
}

// Advance moves the user one stage deeper, recording the transition in the
// stage history. A user already at the terminal stage is left unchanged.
func (m *Manager) Advance(ctx context.Context, userID string) (*storage.ConversationState, error) {
	return m.Mutate(ctx, userID, func(state *storage.ConversationState) {
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
}

// RecordTurn stores the latest turn texts on the state row.
func (m *Manager) RecordTurn(ctx context.Context, userID, userMsg, assistantMsg string) (*storage.ConversationState, error) {
	return m.Mutate(ctx, userID, func(state *storage.ConversationState) {
		if userMsg != "" {
			state.LastUserMessage = userMsg
		}
		if assistantMsg != "" {
			state.LastAssistantMessage = assistantMsg
		}
	})
}

// RecordSessionEnd stamps the state row with the closing summary of a
// session, for continuity in the next conversation.
func (m *Manager) RecordSessionEnd(ctx context.Context, userID, summary string, topics []string, endedAt time.Time) (*storage.ConversationState, error) {
	return m.Mutate(ctx, userID, func(state *storage.ConversationState) {
		state.LastSummary = summary
		state.LastTopics = topics
		state.LastConversationAt = &endedAt
	})
}

// Mutate applies fn to the user's state under the per-user lock and
// persists the result. fn must not block.
func (m *Manager) Mutate(ctx context.Context, userID string, fn func(*storage.ConversationState)) (*storage.ConversationState, error) {
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.GetState(ctx, userID)
	if err != nil {
		return nil, err
	}

	fn(state)
	state.TrustScore = ClampTrust(state.TrustScore)
	state.UpdatedAt = time.Now()

	if err := m.persist(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// CacheOnlyWrites reports how many state writes landed in cache only
// because the relational store rejected them as unauthorized.
func (m *Manager) CacheOnlyWrites() uint64 {
	return m.cacheOnlyWrites.Load()
}

func (m *Manager) persist(ctx context.Context, state *storage.ConversationState) error {
	err := m.store.UpsertState(ctx, state)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrPermissionDenied):
		m.cacheOnlyWrites.Add(1)
		m.logger.Warn("state write rejected as unauthorized, keeping cache-only",
			"user_id", state.UserID, "stage", state.Stage)
	default:
		return err
	}

	m.setCached(ctx, state)
	return nil
}

func (m *Manager) getCached(ctx context.Context, userID string) *storage.ConversationState {
	if m.shared == nil {
		return nil
	}
	data, err := m.shared.Get(ctx, stateKeyPrefix+userID)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			m.logger.Warn("state cache read failed", "user_id", userID, "error", err)
		}
		return nil
	}
	var state storage.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		m.logger.Warn("state cache held malformed state", "user_id", userID, "error", err)
		return nil
	}
	return &state
}

func (m *Manager) setCached(ctx context.Context, state *storage.ConversationState) {
	if m.shared == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := m.shared.Set(ctx, stateKeyPrefix+state.UserID, data, m.ttl); err != nil {
		m.logger.Warn("state cache write failed", "user_id", state.UserID, "error", err)
	}
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func defaultState(userID string) *storage.ConversationState {
	return &storage.ConversationState{
		UserID:     userID,
		Stage:      string(DefaultStage),
		TrustScore: DefaultTrust,
	}
}
