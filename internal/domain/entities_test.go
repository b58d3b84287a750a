package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelModeValidAndEndpoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode     ModelMode
		valid    bool
		endpoint string
	}{
		{ModeChat, true, "v1/chat/completions"},
		{ModeBase, true, "v1/completions"},
		{ModeEmbedding, true, "v1/embeddings"},
		{ModeReranker, true, "v1/rerank"},
		{ModelMode("Oracle"), false, ""},
		{ModelMode(""), false, ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, tc.mode.Valid(), string(tc.mode))
		assert.Equal(t, tc.endpoint, tc.mode.Endpoint(), string(tc.mode))
	}
}

func TestModelStatusPredicates(t *testing.T) {
	t.Parallel()
	loading := map[ModelStatus]bool{
		StatusStopped:     false,
		StatusStarting:    true,
		StatusInitScript:  true,
		StatusHealthCheck: true,
		StatusRouting:     false,
		StatusFailed:      false,
	}
	running := map[ModelStatus]bool{
		StatusStopped:     false,
		StatusStarting:    false,
		StatusInitScript:  true,
		StatusHealthCheck: true,
		StatusRouting:     true,
		StatusFailed:      false,
	}
	for status, want := range loading {
		assert.Equal(t, want, status.Loading(), string(status))
	}
	for status, want := range running {
		assert.Equal(t, want, status.Running(), string(status))
	}
}

func TestTokenUsageIsZero(t *testing.T) {
	t.Parallel()
	assert.True(t, TokenUsage{}.IsZero())
	assert.False(t, TokenUsage{InputTokens: 1}.IsZero())
	assert.False(t, TokenUsage{CacheN: 3}.IsZero())
}
