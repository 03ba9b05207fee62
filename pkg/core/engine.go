package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"

	"github.com/RommanNadeem/companion-memory-go/pkg/batch"
	"github.com/RommanNadeem/companion-memory-go/pkg/cache"
	badgercache "github.com/RommanNadeem/companion-memory-go/pkg/cache/badger"
	memcache "github.com/RommanNadeem/companion-memory-go/pkg/cache/memory"
	"github.com/RommanNadeem/companion-memory-go/pkg/contextcache"
	"github.com/RommanNadeem/companion-memory-go/pkg/embedder"
	openaiembed "github.com/RommanNadeem/companion-memory-go/pkg/embedder/openai"
	"github.com/RommanNadeem/companion-memory-go/pkg/extract"
	"github.com/RommanNadeem/companion-memory-go/pkg/llm"
	openaillm "github.com/RommanNadeem/companion-memory-go/pkg/llm/openai"
	"github.com/RommanNadeem/companion-memory-go/pkg/recall"
	"github.com/RommanNadeem/companion-memory-go/pkg/stage"
	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
	mysqlstore "github.com/RommanNadeem/companion-memory-go/pkg/storage/mysql"
	postgresstore "github.com/RommanNadeem/companion-memory-go/pkg/storage/postgres"
	sqlitestore "github.com/RommanNadeem/companion-memory-go/pkg/storage/sqlite"
	"github.com/RommanNadeem/companion-memory-go/pkg/summary"
)

// Engine is the conversation memory engine facade.
//
// It owns the relational store, the embedding cache, the vector memory
// index, the context cache, the stage manager, and the summarizer, and
// exposes the operations a companion application calls per turn. All
// methods are safe for concurrent use across users; per-user state
// mutations are serialized internally.
//
// Example:
//
//	config, _ := core.LoadConfigFromEnv()
//	engine, err := core.NewEngine(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	turn, _ := engine.ProcessTurn(ctx, "user_001", "I got the job!")
//	// ... generate a reply using turn.ContextPrompt ...
//	engine.RecordAssistantReply(ctx, "user_001", "That's wonderful news!")
type Engine struct {
	cfg    *Config
	logger *slog.Logger

	store    storage.Store
	shared   cache.Store
	llm      llm.Provider
	embedder *embedder.Cached

	index     *recall.Index
	ctxCache  *contextcache.Cache
	stageMgr  *stage.Manager
	evaluator *stage.Evaluator
	extractor *extract.Extractor
	tracker   *summary.Tracker
	batcher   *batch.Batcher
	pool      *workerPool
	node      *snowflake.Node

	mu           sync.Mutex
	pendingTurns map[string]string // userID -> awaiting-reply user message
	closed       bool
}

// TurnResult is what ProcessTurn hands back for prompt assembly.
type TurnResult struct {
	// ContextPrompt is the rendered context block for the system prompt,
	// empty for a brand-new user.
	ContextPrompt string

	// State is the user's conversation state at the start of the turn.
	State *storage.ConversationState

	// SessionID identifies the active session.
	SessionID string

	// RelevantMemories are the memory snippets recalled for this message.
	RelevantMemories []*recall.Snippet
}

// EngineStats aggregates the engine's activity counters.
type EngineStats struct {
	Embedding       embedder.CacheStats
	Recall          recall.Stats
	Context         contextcache.Stats
	QueriesSaved    uint64
	CacheOnlyWrites uint64
	ActiveSessions  int
}

// NewEngine creates an Engine from configuration.
//
// Returns an error if the configuration is invalid or a backend cannot be
// initialized.
func NewEngine(cfg *Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := applyEngineOptions(opts)
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}

	store := options.store
	if store == nil {
		var err error
		store, err = initStore(cfg.Database)
		if err != nil {
			return nil, NewEngineError("NewEngine", err)
		}
	}

	shared := options.shared
	if shared == nil {
		var err error
		shared, err = initCache(cfg.Cache)
		if err != nil {
			store.Close()
			return nil, NewEngineError("NewEngine", err)
		}
	}

	llmProvider := options.llm
	if llmProvider == nil {
		var err error
		llmProvider, err = initLLM(cfg.LLM)
		if err != nil {
			store.Close()
			return nil, NewEngineError("NewEngine", err)
		}
	}

	embedProvider := options.embedder
	if embedProvider == nil {
		var err error
		embedProvider, err = initEmbedder(cfg.Embedder)
		if err != nil {
			store.Close()
			return nil, NewEngineError("NewEngine", err)
		}
	}
	cached := embedder.NewCached(embedProvider, cfg.Embedder.CacheCapacity)

	node, err := snowflake.NewNode(cfg.Engine.NodeID)
	if err != nil {
		return nil, NewEngineError("NewEngine", err)
	}

	ctxCache, err := contextcache.New(shared, store, contextcache.Config{
		LocalTTL:  cfg.Engine.LocalTTL,
		SharedTTL: cfg.Engine.SharedTTL,
	}, logger)
	if err != nil {
		return nil, NewEngineError("NewEngine", err)
	}

	gen, err := summary.NewGenerator(llmProvider, store, cfg.Engine.NodeID, logger)
	if err != nil {
		return nil, NewEngineError("NewEngine", err)
	}

	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		shared:       shared,
		llm:          llmProvider,
		embedder:     cached,
		index:        recall.NewIndex(cached, logger),
		ctxCache:     ctxCache,
		stageMgr:     stage.NewManager(store, shared, cfg.Engine.SharedTTL, logger),
		evaluator:    stage.NewEvaluator(llmProvider, cfg.Engine.TransitionThreshold, logger),
		extractor:    extract.NewExtractor(llmProvider, logger),
		tracker:      summary.NewTracker(gen, cfg.Engine.SummaryInterval, logger),
		batcher:      batch.New(store, logger),
		pool:         newWorkerPool(cfg.Engine.Workers, cfg.Engine.WorkerQueue, logger),
		node:         node,
		pendingTurns: make(map[string]string),
	}
	return e, nil
}

// ProcessTurn opens a turn for a user message: it assembles the context
// bundle, recalls relevant memories, and returns the rendered context block
// for the application's prompt. The message is held until
// RecordAssistantReply closes the turn.
func (e *Engine) ProcessTurn(ctx context.Context, userID, message string) (*TurnResult, error) {
	if err := e.checkOpen("ProcessTurn"); err != nil {
		return nil, err
	}
	if userID == "" || strings.TrimSpace(message) == "" {
		return nil, NewEngineError("ProcessTurn", ErrInvalidInput)
	}

	bundle, err := e.ctxCache.Get(ctx, userID)
	if err != nil {
		return nil, NewEngineError("ProcessTurn", err)
	}

	state := bundle.State
	if state == nil {
		state, err = e.stageMgr.GetState(ctx, userID)
		if err != nil {
			return nil, NewEngineError("ProcessTurn", err)
		}
	}

	snippets, err := e.index.Search(ctx, userID, message)
	if err != nil {
		e.logger.Warn("memory recall failed", "user_id", userID, "error", err)
	}

	sessionID := e.tracker.SessionID(userID)
	if sessionID == "" {
		sessionID = e.tracker.StartSession(userID)
	}

	e.mu.Lock()
	e.pendingTurns[userID] = message
	e.mu.Unlock()

	return &TurnResult{
		ContextPrompt:    renderContext(bundle, snippets),
		State:            state,
		SessionID:        sessionID,
		RelevantMemories: snippets,
	}, nil
}

// RecordAssistantReply closes the turn opened by ProcessTurn. The turn is
// buffered for summarization, the state row records the exchange, and the
// stage evaluation runs in the background off the reply path.
func (e *Engine) RecordAssistantReply(ctx context.Context, userID, reply string) error {
	if err := e.checkOpen("RecordAssistantReply"); err != nil {
		return err
	}
	if userID == "" {
		return NewEngineError("RecordAssistantReply", ErrInvalidInput)
	}

	e.mu.Lock()
	userMsg, ok := e.pendingTurns[userID]
	delete(e.pendingTurns, userID)
	e.mu.Unlock()
	if !ok {
		return NewEngineError("RecordAssistantReply", fmt.Errorf("%w: no open turn for user", ErrInvalidInput))
	}

	if _, err := e.stageMgr.RecordTurn(ctx, userID, userMsg, reply); err != nil {
		return NewEngineError("RecordAssistantReply", err)
	}

	if _, err := e.tracker.RecordTurn(ctx, userID, userMsg, reply); err != nil {
		e.logger.Warn("turn summarization failed", "user_id", userID, "error", err)
	}

	e.pool.submit("ingest-utterance", func(bctx context.Context) {
		e.ingestUtterance(bctx, userID, userMsg)
	})
	e.pool.submit("evaluate-stage", func(bctx context.Context) {
		e.evaluateStage(bctx, userID, userMsg, reply)
	})

	return nil
}

// ContextForPrompt renders the user's context block without opening a turn,
// for callers that build prompts outside the turn cycle. query may be empty
// to skip memory recall.
func (e *Engine) ContextForPrompt(ctx context.Context, userID, query string) (string, error) {
	if err := e.checkOpen("ContextForPrompt"); err != nil {
		return "", err
	}
	if userID == "" {
		return "", NewEngineError("ContextForPrompt", ErrInvalidInput)
	}

	bundle, err := e.ctxCache.Get(ctx, userID)
	if err != nil {
		return "", NewEngineError("ContextForPrompt", err)
	}

	var snippets []*recall.Snippet
	if query != "" {
		if snippets, err = e.index.Search(ctx, userID, query); err != nil {
			e.logger.Warn("memory recall failed", "user_id", userID, "error", err)
		}
	}

	return renderContext(bundle, snippets), nil
}

// SaveMemory upserts a memory record and indexes it for recall. The context
// cache is invalidated so the next turn sees the new memory.
func (e *Engine) SaveMemory(ctx context.Context, userID, category, key, value string) error {
	if err := e.checkOpen("SaveMemory"); err != nil {
		return err
	}
	if userID == "" || category == "" || key == "" || value == "" {
		return NewEngineError("SaveMemory", ErrInvalidInput)
	}

	rec := &storage.MemoryRecord{
		ID:       e.node.Generate().Int64(),
		UserID:   userID,
		Category: category,
		Key:      key,
		Value:    value,
	}
	if err := e.store.UpsertMemory(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			e.logger.Warn("memory write rejected as unauthorized", "user_id", userID, "key", key)
		} else {
			return NewEngineError("SaveMemory", err)
		}
	}

	e.pool.submit("index-memory", func(bctx context.Context) {
		if err := e.index.Add(bctx, &recall.Snippet{
			ID:       rec.ID,
			UserID:   userID,
			Category: category,
			Text:     value,
		}); err != nil {
			e.logger.Warn("memory indexing failed", "user_id", userID, "error", err)
		}
	})

	return e.invalidateContext(ctx, userID, "SaveMemory")
}

// GetMemory fetches one memory record.
func (e *Engine) GetMemory(ctx context.Context, userID, category, key string) (*storage.MemoryRecord, error) {
	if err := e.checkOpen("GetMemory"); err != nil {
		return nil, err
	}
	rec, err := e.store.GetMemory(ctx, userID, category, key)
	if err != nil {
		return nil, NewEngineError("GetMemory", err)
	}
	return rec, nil
}

// FetchMemories fetches several memory records in a single query, keyed by
// memory key.
func (e *Engine) FetchMemories(ctx context.Context, userID string, keys []string) (map[string]*storage.MemoryRecord, error) {
	if err := e.checkOpen("FetchMemories"); err != nil {
		return nil, err
	}
	out, err := e.batcher.FetchMemories(ctx, userID, keys)
	if err != nil {
		return nil, NewEngineError("FetchMemories", err)
	}
	return out, nil
}

// ForgetMemory removes a memory record and invalidates the user's context.
// The vector index entry ages out on the next process restart; recall of a
// forgotten memory is filtered by the store being authoritative.
func (e *Engine) ForgetMemory(ctx context.Context, userID, category, key string) error {
	if err := e.checkOpen("ForgetMemory"); err != nil {
		return err
	}
	if err := e.store.DeleteMemory(ctx, userID, category, key); err != nil {
		return NewEngineError("ForgetMemory", err)
	}
	return e.invalidateContext(ctx, userID, "ForgetMemory")
}

// SearchMemories recalls memory snippets relevant to query.
func (e *Engine) SearchMemories(ctx context.Context, userID, query string, opts ...recall.SearchOption) ([]*recall.Snippet, error) {
	if err := e.checkOpen("SearchMemories"); err != nil {
		return nil, err
	}
	if userID == "" || query == "" {
		return nil, NewEngineError("SearchMemories", ErrInvalidInput)
	}
	snippets, err := e.index.Search(ctx, userID, query, opts...)
	if err != nil {
		return nil, NewEngineError("SearchMemories", err)
	}
	return snippets, nil
}

// SetProfile stores the user's profile text.
func (e *Engine) SetProfile(ctx context.Context, userID, profileText string) error {
	return e.saveReserved(ctx, userID, storage.CategoryProfile, storage.ProfileKey, profileText, "SetProfile")
}

// SetOnboarding stores the user's onboarding blob (typically JSON).
func (e *Engine) SetOnboarding(ctx context.Context, userID, blob string) error {
	return e.saveReserved(ctx, userID, storage.CategoryOnboarding, storage.OnboardingKey, blob, "SetOnboarding")
}

func (e *Engine) saveReserved(ctx context.Context, userID, category, key, value, op string) error {
	if err := e.checkOpen(op); err != nil {
		return err
	}
	if userID == "" || value == "" {
		return NewEngineError(op, ErrInvalidInput)
	}
	rec := &storage.MemoryRecord{
		ID:       e.node.Generate().Int64(),
		UserID:   userID,
		Category: category,
		Key:      key,
		Value:    value,
	}
	if err := e.store.UpsertMemory(ctx, rec); err != nil {
		return NewEngineError(op, err)
	}
	return e.invalidateContext(ctx, userID, op)
}

// GetState returns the user's conversation state.
func (e *Engine) GetState(ctx context.Context, userID string) (*storage.ConversationState, error) {
	if err := e.checkOpen("GetState"); err != nil {
		return nil, err
	}
	state, err := e.stageMgr.GetState(ctx, userID)
	if err != nil {
		return nil, NewEngineError("GetState", err)
	}
	return state, nil
}

// AdjustTrust shifts the user's trust score by delta, clamped to [0,10].
func (e *Engine) AdjustTrust(ctx context.Context, userID string, delta float64) (*storage.ConversationState, error) {
	if err := e.checkOpen("AdjustTrust"); err != nil {
		return nil, err
	}
	state, err := e.stageMgr.AdjustTrust(ctx, userID, delta)
	if err != nil {
		return nil, NewEngineError("AdjustTrust", err)
	}
	return state, nil
}

// EndSession closes the user's active session: any open turn is dropped,
// the final summary is written, and the state row records the session for
// continuity in the next conversation.
func (e *Engine) EndSession(ctx context.Context, userID string) (*storage.SummaryRecord, error) {
	if err := e.checkOpen("EndSession"); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, NewEngineError("EndSession", ErrInvalidInput)
	}

	e.mu.Lock()
	delete(e.pendingTurns, userID)
	e.mu.Unlock()

	rec, err := e.tracker.EndSession(ctx, userID)
	if err != nil {
		return nil, NewEngineError("EndSession", err)
	}
	if rec == nil {
		return nil, nil
	}

	if _, err := e.stageMgr.RecordSessionEnd(ctx, userID, rec.SummaryText, rec.KeyTopics, rec.CreatedAt); err != nil {
		e.logger.Warn("session continuity write failed", "user_id", userID, "error", err)
	}

	if err := e.invalidateContext(ctx, userID, "EndSession"); err != nil {
		return rec, err
	}
	return rec, nil
}

// RecentSummaries fetches the user's most recent summaries, newest first.
func (e *Engine) RecentSummaries(ctx context.Context, userID string, limit int, finalOnly bool) ([]*storage.SummaryRecord, error) {
	if err := e.checkOpen("RecentSummaries"); err != nil {
		return nil, err
	}
	recs, err := e.store.GetRecentSummaries(ctx, userID, limit, finalOnly)
	if err != nil {
		return nil, NewEngineError("RecentSummaries", err)
	}
	return recs, nil
}

// Stats returns a snapshot of the engine's activity counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Embedding:       e.embedder.Stats(),
		Recall:          e.index.Stats(),
		Context:         e.ctxCache.Stats(),
		QueriesSaved:    e.batcher.QueriesSaved(),
		CacheOnlyWrites: e.stageMgr.CacheOnlyWrites(),
		ActiveSessions:  e.tracker.ActiveSessions(),
	}
}

// checkOpen rejects calls made after Close.
func (e *Engine) checkOpen(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return NewEngineError(op, ErrEngineClosed)
	}
	return nil
}

// Close drains background work and releases every backend. The engine must
// not be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.pool.drain()
	e.ctxCache.Close()

	var errs []error
	if e.shared != nil {
		errs = append(errs, e.shared.Close())
	}
	errs = append(errs, e.embedder.Close(), e.llm.Close(), e.store.Close())
	return NewEngineError("Close", errors.Join(errs...))
}

// ingestUtterance mines one user utterance for memory-worthy facts, storing
// and indexing whatever it finds. Runs in the background; every failure
// degrades to a log line.
func (e *Engine) ingestUtterance(ctx context.Context, userID, utterance string) {
	callCtx := ctx
	if e.cfg.LLM.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.LLM.Timeout)
		defer cancel()
	}

	candidates, err := e.extractor.Extract(callCtx, userID, utterance)
	if err != nil || len(candidates) == 0 {
		return
	}

	stored := 0
	for _, c := range candidates {
		rec := &storage.MemoryRecord{
			ID:       e.node.Generate().Int64(),
			UserID:   userID,
			Category: c.Category,
			Key:      c.Key,
			Value:    c.Value,
		}
		if err := e.store.UpsertMemory(ctx, rec); err != nil {
			if errors.Is(err, storage.ErrPermissionDenied) {
				e.logger.Warn("memory write rejected as unauthorized", "user_id", userID, "key", c.Key)
			} else {
				e.logger.Warn("utterance memory write failed", "user_id", userID, "key", c.Key, "error", err)
				continue
			}
		}
		if err := e.index.Add(ctx, &recall.Snippet{
			ID:       rec.ID,
			UserID:   userID,
			Category: c.Category,
			Text:     c.Value,
		}); err != nil {
			e.logger.Warn("memory indexing failed", "user_id", userID, "error", err)
		}
		stored++
	}

	if stored > 0 {
		if err := e.ctxCache.Invalidate(ctx, userID); err != nil {
			e.logger.Warn("context invalidation failed", "user_id", userID, "error", err)
		}
	}
}

// evaluateStage runs the LLM transition analysis for one closed turn.
func (e *Engine) evaluateStage(ctx context.Context, userID, userMsg, reply string) {
	state, err := e.stageMgr.GetState(ctx, userID)
	if err != nil {
		e.logger.Warn("stage evaluation skipped, state unavailable", "user_id", userID, "error", err)
		return
	}

	callCtx := ctx
	if e.cfg.LLM.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.LLM.Timeout)
		defer cancel()
	}

	eval, err := e.evaluator.SuggestTransition(callCtx, state, []string{
		"User: " + userMsg,
		"Assistant: " + reply,
	})
	if err != nil {
		e.logger.Warn("stage evaluation failed", "user_id", userID, "error", err)
		return
	}
	if eval.TrustAdjustment == 0 && !eval.ShouldTransition {
		return
	}

	if _, err := e.evaluator.Apply(ctx, e.stageMgr, userID, eval); err != nil {
		e.logger.Warn("stage evaluation apply failed", "user_id", userID, "error", err)
		return
	}

	if err := e.ctxCache.Invalidate(ctx, userID); err != nil {
		e.logger.Warn("context invalidation failed", "user_id", userID, "error", err)
	}
}

func (e *Engine) invalidateContext(ctx context.Context, userID, op string) error {
	if err := e.ctxCache.Invalidate(ctx, userID); err != nil {
		return NewEngineError(op, err)
	}
	return nil
}

// renderContext combines the cached bundle with freshly recalled snippets.
func renderContext(bundle *contextcache.Bundle, snippets []*recall.Snippet) string {
	block := bundle.FormatForPrompt()
	if len(snippets) == 0 {
		return block
	}

	var sb strings.Builder
	if block != "" {
		sb.WriteString(block)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Relevant memories\n")
	for _, s := range snippets {
		fmt.Fprintf(&sb, "- [%s] %s\n", strings.ToLower(s.Category), s.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// initStore initializes the relational store backend.
func initStore(cfg DatabaseConfig) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Provider {
	case "sqlite":
		store, err = sqlitestore.NewClient(&sqlitestore.Config{DBPath: cfg.Path})
	case "postgres":
		store, err = postgresstore.NewClient(&postgresstore.Config{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
		})
	case "mysql":
		store, err = mysqlstore.NewClient(&mysqlstore.Config{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
		})
	default:
		return nil, NewEngineError("initStore", ErrInvalidConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return store, nil
}

// initCache initializes the shared cache tier. Provider "none" disables it.
func initCache(cfg CacheConfig) (cache.Store, error) {
	switch cfg.Provider {
	case "badger":
		store, err := badgercache.New(&badgercache.Config{Dir: cfg.Dir, InMemory: cfg.InMemory})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		return store, nil
	case "memory", "":
		return memcache.New(), nil
	case "none":
		return nil, nil
	default:
		return nil, NewEngineError("initCache", ErrInvalidConfig)
	}
}

// initLLM initializes the LLM provider.
func initLLM(cfg LLMConfig) (llm.Provider, error) {
	return openaillm.NewClient(&openaillm.Config{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
	})
}

// initEmbedder initializes the embedding provider.
func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	return openaiembed.NewClient(&openaiembed.Config{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		Dimensions: cfg.Dimensions,
	})
}
