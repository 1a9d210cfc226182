package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobfeed/jobfeed/internal/model"
)

func TestOf_KnownModel(t *testing.T) {
	usage := model.TokenUsage{PromptTokens: 1000, CompletionTokens: 500}

	got, ok := Of(usage, "gpt-4")
	require.True(t, ok)
	assert.InDelta(t, 0.03+0.03, got, 1e-9)
}

func TestOf_CheaperModel(t *testing.T) {
	usage := model.TokenUsage{PromptTokens: 2000, CompletionTokens: 2000}

	got, ok := Of(usage, "gpt-3.5-turbo")
	require.True(t, ok)
	assert.InDelta(t, 0.001+0.003, got, 1e-9)
}

func TestOf_UnknownModel(t *testing.T) {
	got, ok := Of(model.TokenUsage{PromptTokens: 1000}, "o3-experimental")
	assert.False(t, ok)
	assert.Zero(t, got)
}

func TestOf_ZeroUsage(t *testing.T) {
	got, ok := Of(model.TokenUsage{}, "gpt-4-32k")
	require.True(t, ok)
	assert.Zero(t, got)
}
