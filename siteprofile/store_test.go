package siteprofile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMissingReturnsFalse(t *testing.T) {
	s := Open(t.TempDir())
	content, ok, err := s.Read("example.com")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, content)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	s := Open(t.TempDir())
	path, err := s.Write("example.com", "# Example\nLogin form uses #user/#pass.\n")
	require.NoError(t, err)
	assert.FileExists(t, path)

	content, ok, err := s.Read("example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, content, "Login form")
}

func TestExistsReflectsWrite(t *testing.T) {
	s := Open(t.TempDir())
	assert.False(t, s.Exists("example.com"))
	_, err := s.Write("example.com", "notes")
	require.NoError(t, err)
	assert.True(t, s.Exists("example.com"))
}
