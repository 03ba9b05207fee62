// Package recall provides the in-process vector memory index.
//
// Each stored snippet carries its metadata (category, timestamp) alongside
// its embedding inside the index, so there is no separate record list to keep
// positionally aligned with the vectors. Users are isolated in per-user
// collections.
//
// Every public operation degrades instead of failing: an embedding-service
// outage makes memories temporarily unsearchable, it never breaks a
// conversation turn.
package recall

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/RommanNadeem/companion-memory-go/pkg/embedder"
)

// DefaultTopK is the result count used when a search does not specify one.
const DefaultTopK = 5

// Snippet is one memory snippet stored in or returned by the index.
type Snippet struct {
	// ID is the snippet's record id (shared with the relational store).
	ID int64

	// UserID identifies the owning user.
	UserID string

	// Category is one of the storage.Category* constants.
	Category string

	// Text is the snippet content.
	Text string

	// CreatedAt is when the snippet was stored.
	CreatedAt time.Time

	// Similarity is the query similarity of a search result, in (0,1],
	// higher is closer. Zero on snippets that are not search results.
	Similarity float32
}

// Stats reports index activity counters.
type Stats struct {
	// Adds is the number of snippets successfully indexed.
	Adds uint64

	// Searches is the number of Search calls issued.
	Searches uint64

	// EmbedFailures is the number of operations degraded because the
	// embedding service failed.
	EmbedFailures uint64
}

// Index is the nearest-neighbor index over embedded memory snippets.
// It is safe for concurrent use.
type Index struct {
	db       *chromem.DB
	embedder embedder.Provider
	logger   *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	adds          atomic.Uint64
	searches      atomic.Uint64
	embedFailures atomic.Uint64
}

// NewIndex creates an empty index using the given embedding provider.
// A nil logger falls back to slog.Default().
func NewIndex(provider embedder.Provider, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		db:          chromem.NewDB(),
		embedder:    provider,
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
	}
}

// Add embeds and indexes a snippet.
//
// On embedding failure the snippet is skipped and the failure logged: the
// snippet simply will not match future searches until it is re-ingested. The
// relational store still holds it, so nothing is lost.
func (ix *Index) Add(ctx context.Context, snippet *Snippet) error {
	vec, err := ix.embedder.Embed(ctx, snippet.Text)
	if err != nil {
		ix.embedFailures.Add(1)
		ix.logger.Warn("embedding failed, snippet not indexed",
			"user_id", snippet.UserID, "snippet_id", snippet.ID, "error", err)
		return nil
	}

	col, err := ix.collection(snippet.UserID)
	if err != nil {
		return err
	}

	createdAt := snippet.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	doc := chromem.Document{
		ID:        strconv.FormatInt(snippet.ID, 10),
		Embedding: vec,
		Content:   snippet.Text,
		Metadata: map[string]string{
			"category":   snippet.Category,
			"created_at": createdAt.UTC().Format(time.RFC3339),
		},
	}

	if err := col.AddDocument(ctx, doc); err != nil {
		return err
	}

	ix.adds.Add(1)
	return nil
}

// Search returns up to TopK snippets most similar to query, ordered by
// descending similarity. Twice TopK neighbors are requested from the index
// to leave room for category/time post-filtering.
//
// An embedding failure degrades to "no match": empty results, logged, no
// error.
func (ix *Index) Search(ctx context.Context, userID, query string, opts ...SearchOption) ([]*Snippet, error) {
	ix.searches.Add(1)
	options := applySearchOptions(opts)

	col := ix.existingCollection(userID)
	if col == nil || col.Count() == 0 {
		return nil, nil
	}

	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		ix.embedFailures.Add(1)
		ix.logger.Warn("query embedding failed, returning no matches",
			"user_id", userID, "error", err)
		return nil, nil
	}

	// Overfetch to survive post-filtering, capped by collection size.
	n := options.TopK * 2
	if count := col.Count(); n > count {
		n = count
	}

	var where map[string]string
	if options.Category != "" {
		where = map[string]string{"category": options.Category}
	}

	// A metadata filter can leave fewer candidates than requested, which
	// the index reports as an error. Retry with smaller limits until it
	// fits; an empty filtered set is just no matches.
	var results []chromem.Result
	for ; n >= 1; n-- {
		results, err = col.QueryEmbedding(ctx, vec, n, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if n == 1 {
				return nil, nil
			}
			continue
		}
		return nil, err
	}

	snippets := make([]*Snippet, 0, options.TopK)
	for _, res := range results {
		createdAt, _ := time.Parse(time.RFC3339, res.Metadata["created_at"])
		if !options.Since.IsZero() && createdAt.Before(options.Since) {
			continue
		}
		if !options.Until.IsZero() && createdAt.After(options.Until) {
			continue
		}

		id, _ := strconv.ParseInt(res.ID, 10, 64)
		snippets = append(snippets, &Snippet{
			ID:         id,
			UserID:     userID,
			Category:   res.Metadata["category"],
			Text:       res.Content,
			CreatedAt:  createdAt,
			Similarity: res.Similarity,
		})
		if len(snippets) == options.TopK {
			break
		}
	}

	return snippets, nil
}

// Count returns the number of snippets indexed for userID.
func (ix *Index) Count(userID string) int {
	col := ix.existingCollection(userID)
	if col == nil {
		return 0
	}
	return col.Count()
}

// Stats returns a snapshot of the activity counters.
func (ix *Index) Stats() Stats {
	return Stats{
		Adds:          ix.adds.Load(),
		Searches:      ix.searches.Load(),
		EmbedFailures: ix.embedFailures.Load(),
	}
}

// collection returns the user's collection, creating it on first use.
func (ix *Index) collection(userID string) (*chromem.Collection, error) {
	ix.mu.RLock()
	col, ok := ix.collections[userID]
	ix.mu.RUnlock()
	if ok {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok := ix.collections[userID]; ok {
		return col, nil
	}

	col, err := ix.db.CreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, err
	}
	ix.collections[userID] = col
	return col, nil
}

func (ix *Index) existingCollection(userID string) *chromem.Collection {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.collections[userID]
}

func isInsufficientDocsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
