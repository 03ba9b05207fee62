package core

import (
	"log/slog"

	"github.com/RommanNadeem/companion-memory-go/pkg/cache"
	"github.com/RommanNadeem/companion-memory-go/pkg/embedder"
	"github.com/RommanNadeem/companion-memory-go/pkg/llm"
	"github.com/RommanNadeem/companion-memory-go/pkg/storage"
)

// engineOptions holds injected backends; nil fields are built from Config.
type engineOptions struct {
	logger   *slog.Logger
	store    storage.Store
	shared   cache.Store
	llm      llm.Provider
	embedder embedder.Provider
}

// EngineOption configures NewEngine.
type EngineOption func(*engineOptions)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithStore injects a relational store, overriding the Database config.
func WithStore(store storage.Store) EngineOption {
	return func(o *engineOptions) {
		o.store = store
	}
}

// WithSharedCache injects a shared cache tier, overriding the Cache config.
func WithSharedCache(shared cache.Store) EngineOption {
	return func(o *engineOptions) {
		o.shared = shared
	}
}

// WithLLM injects an LLM provider, overriding the LLM config.
func WithLLM(provider llm.Provider) EngineOption {
	return func(o *engineOptions) {
		o.llm = provider
	}
}

// WithEmbedder injects an embedding provider, overriding the Embedder
// config. The engine still wraps it with the embedding cache.
func WithEmbedder(provider embedder.Provider) EngineOption {
	return func(o *engineOptions) {
		o.embedder = provider
	}
}

func applyEngineOptions(opts []EngineOption) *engineOptions {
	options := &engineOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
