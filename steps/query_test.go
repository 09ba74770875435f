package steps

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryParamsBareSelectorString(t *testing.T) {
	p, err := parseQueryParams(json.RawMessage(`".item"`))
	require.NoError(t, err)
	assert.Equal(t, ".item", p.Selector)
	assert.Empty(t, p.Role)
	assert.Empty(t, p.Name)
}

func TestParseQueryParamsObjectForm(t *testing.T) {
	p, err := parseQueryParams(json.RawMessage(`{"role": "button", "name": "Submit"}`))
	require.NoError(t, err)
	assert.Equal(t, "button", p.Role)
	assert.Equal(t, "Submit", p.Name)
	assert.Empty(t, p.Selector)
}

func TestParseQueryParamsInvalidJSON(t *testing.T) {
	_, err := parseQueryParams(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestJSStringLitEscapesQuotesAndSlashes(t *testing.T) {
	assert.Equal(t, `"hello"`, jsStringLit("hello"))
	assert.Equal(t, `"say \"hi\""`, jsStringLit(`say "hi"`))
	assert.Equal(t, `"a\\b"`, jsStringLit(`a\b`))
}
