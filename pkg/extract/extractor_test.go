package extract_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RommanNadeem/companion-memory-go/pkg/extract"
	"github.com/RommanNadeem/companion-memory-go/pkg/llm"
)

// scriptedLLM returns a fixed completion.
type scriptedLLM struct {
	resp string
	err  error
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return s.resp, s.err
}

func (s *scriptedLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	return s.resp, s.err
}

func (s *scriptedLLM) Close() error { return nil }

func TestExtractParsesCandidates(t *testing.T) {
	provider := &scriptedLLM{resp: `{"memories": [
		{"category": "INTEREST", "key": "watercolor", "value": "Paints watercolors on weekends"},
		{"category": "GOAL", "key": "portfolio", "value": "Wants to finish a design portfolio by December"}
	]}`}
	ex := extract.NewExtractor(provider, nil)

	got, err := ex.Extract(context.Background(), "u1", "I painted all weekend, portfolio deadline is close")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "INTEREST", got[0].Category)
	assert.Equal(t, "watercolor", got[0].Key)
	assert.Equal(t, "GOAL", got[1].Category)
}

func TestExtractNormalizesCategoryAndKey(t *testing.T) {
	provider := &scriptedLLM{resp: `{"memories": [
		{"category": "interest", "key": "Rock Climbing", "value": "Climbs on Tuesdays"}
	]}`}
	ex := extract.NewExtractor(provider, nil)

	got, err := ex.Extract(context.Background(), "u1", "climbing tonight!")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "INTEREST", got[0].Category)
	assert.Equal(t, "rock_climbing", got[0].Key)
}

func TestExtractDropsInvalidCandidates(t *testing.T) {
	provider := &scriptedLLM{resp: `{"memories": [
		{"category": "PROFILE", "key": "name", "value": "reserved category"},
		{"category": "MOOD", "key": "happy", "value": "unknown category"},
		{"category": "FACT", "key": "", "value": "missing key"},
		{"category": "FACT", "key": "sister", "value": ""},
		{"category": "FACT", "key": "sister", "value": "Her sister lives in Karachi"}
	]}`}
	ex := extract.NewExtractor(provider, nil)

	got, err := ex.Extract(context.Background(), "u1", "my sister moved")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sister", got[0].Key)
}

func TestExtractCapsCandidates(t *testing.T) {
	provider := &scriptedLLM{resp: `{"memories": [
		{"category": "FACT", "key": "a", "value": "1"},
		{"category": "FACT", "key": "b", "value": "2"},
		{"category": "FACT", "key": "c", "value": "3"},
		{"category": "FACT", "key": "d", "value": "4"}
	]}`}
	ex := extract.NewExtractor(provider, nil)

	got, err := ex.Extract(context.Background(), "u1", "so much news")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestExtractMalformedIsEmpty(t *testing.T) {
	for _, resp := range []string{"nothing here", "", "{broken json", `{"memories": []}`} {
		ex := extract.NewExtractor(&scriptedLLM{resp: resp}, nil)
		got, err := ex.Extract(context.Background(), "u1", "hello")
		require.NoError(t, err)
		assert.Empty(t, got, "resp %q", resp)
	}
}

func TestExtractProviderErrorIsEmpty(t *testing.T) {
	ex := extract.NewExtractor(&scriptedLLM{err: errors.New("timeout")}, nil)
	got, err := ex.Extract(context.Background(), "u1", "hello")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExtractSkipsBlankUtterance(t *testing.T) {
	provider := &scriptedLLM{resp: `{"memories": [{"category": "FACT", "key": "x", "value": "y"}]}`}
	ex := extract.NewExtractor(provider, nil)

	got, err := ex.Extract(context.Background(), "u1", "   ")
	require.NoError(t, err)
	assert.Empty(t, got)
}
