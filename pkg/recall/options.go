package recall

import "time"

// SearchOptions narrows and sizes a search.
type SearchOptions struct {
	// TopK is the maximum number of results to return.
	TopK int

	// Category restricts results to a single memory category when set.
	Category string

	// Since excludes snippets created before it when set.
	Since time.Time

	// Until excludes snippets created after it when set.
	Until time.Time
}

// SearchOption configures a Search call.
type SearchOption func(*SearchOptions)

// WithTopK sets the maximum result count.
func WithTopK(k int) SearchOption {
	return func(o *SearchOptions) {
		if k > 0 {
			o.TopK = k
		}
	}
}

// WithCategory restricts results to one memory category.
func WithCategory(category string) SearchOption {
	return func(o *SearchOptions) {
		o.Category = category
	}
}

// WithTimeRange restricts results to snippets created within [since, until].
// A zero bound leaves that side open.
func WithTimeRange(since, until time.Time) SearchOption {
	return func(o *SearchOptions) {
		o.Since = since
		o.Until = until
	}
}

func applySearchOptions(opts []SearchOption) *SearchOptions {
	options := &SearchOptions{TopK: DefaultTopK}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
