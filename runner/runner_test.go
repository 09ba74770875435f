package runner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpstep/cdpstep/steps"
)

func TestPathOf(t *testing.T) {
	assert.Equal(t, "/checkout", pathOf("https://shop.example.com/checkout?ref=abc"))
	assert.Equal(t, "/", pathOf("https://shop.example.com/"))
	assert.Equal(t, "", pathOf("https://shop.example.com"))
	assert.Equal(t, "not a url", pathOf("not a url"))
}

func TestHasNonOptionalFailure(t *testing.T) {
	assert.False(t, hasNonOptionalFailure(nil))
	assert.False(t, hasNonOptionalFailure([]steps.Result{{Status: "ok"}, {Status: "skipped"}}))
	assert.True(t, hasNonOptionalFailure([]steps.Result{{Status: "ok"}, {Status: "error"}}))
}

func TestExtractHintFromBareString(t *testing.T) {
	raw := json.RawMessage(`"#submit-button"`)
	assert.Equal(t, "#submit-button", extractHint(raw))
}

func TestExtractHintPrefersTextOverSelector(t *testing.T) {
	raw := json.RawMessage(`{"selector": "#foo", "text": "Sign in"}`)
	assert.Equal(t, "Sign in", extractHint(raw))
}

func TestExtractHintFallsBackToSelector(t *testing.T) {
	raw := json.RawMessage(`{"selector": ".btn-primary"}`)
	assert.Equal(t, ".btn-primary", extractHint(raw))
}

func TestExtractHintEmptyWhenNeither(t *testing.T) {
	raw := json.RawMessage(`{}`)
	assert.Equal(t, "", extractHint(raw))
}

func TestFuzzyRankExactMatchScoresHighest(t *testing.T) {
	matches := fuzzyRank("Sign in", []string{"Sign in", "Sign up", "Contact us"})
	require.NotEmpty(t, matches)
	assert.Equal(t, "Sign in", matches[0].Text)
	assert.Equal(t, 100, matches[0].Score)
}

func TestFuzzyRankSubstringScoresBelowExact(t *testing.T) {
	matches := fuzzyRank("submit", []string{"Submit order", "Submit"})
	require.Len(t, matches, 2)
	assert.Equal(t, "Submit", matches[0].Text)
	assert.Equal(t, 100, matches[0].Score)
	assert.Equal(t, "Submit order", matches[1].Text)
	assert.Greater(t, matches[1].Score, 0)
	assert.Less(t, matches[1].Score, 100)
}

func TestFuzzyRankDropsUnrelatedCandidates(t *testing.T) {
	matches := fuzzyRank("checkout", []string{"Contact us", "About"})
	assert.Empty(t, matches)
}

func TestFuzzyRankCapsAtFiveAndStripsSelectorPrefix(t *testing.T) {
	candidates := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		candidates = append(candidates, "add")
	}
	matches := fuzzyRank("#add", candidates)
	assert.Len(t, matches, 5)
	for _, m := range matches {
		assert.Equal(t, 100, m.Score)
	}
}

func TestFuzzyRankEmptyHintReturnsNil(t *testing.T) {
	assert.Nil(t, fuzzyRank("   ", []string{"Sign in"}))
}
