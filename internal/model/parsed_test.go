package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsedSource_AddPageAppendsOnRevisit(t *testing.T) {
	ps := NewParsedSource("https://acme.com/jobs")

	ps.AddPage("https://acme.com/jobs", "Engineer")
	ps.AddPage("https://acme.com/jobs?page=2", "Designer")
	ps.AddPage("https://acme.com/jobs", "Analyst")

	assert.Len(t, ps.Pages, 2)
	assert.Equal(t, "Engineer\nAnalyst", ps.Pages[0].Content)
	assert.Equal(t, "Designer", ps.Pages[1].Content)
}

func TestParsedSource_ContentPreservesCrawlOrder(t *testing.T) {
	ps := NewParsedSource("https://acme.com/jobs")
	ps.AddPage("https://acme.com/jobs", "page one")
	ps.AddPage("https://acme.com/jobs?page=2", "page two")

	assert.Equal(t, "page one\npage two", ps.Content())
	assert.Equal(t, len("page one")+len("page two"), ps.Len())
}

func TestParsedSource_PageLookup(t *testing.T) {
	ps := NewParsedSource("https://acme.com/jobs")
	ps.AddPage("https://acme.com/jobs", "listing")

	assert.NotNil(t, ps.Page("https://acme.com/jobs"))
	assert.Nil(t, ps.Page("https://acme.com/about"))
}

func TestTokenUsage_Add(t *testing.T) {
	u := TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	u.Add(TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})

	assert.Equal(t, 13, u.PromptTokens)
	assert.Equal(t, 7, u.CompletionTokens)
	assert.Equal(t, 20, u.TotalTokens)
}
