package tabstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return Open(filepath.Join(dir, "tabs.json"))
}

func TestSetAndTargetFor(t *testing.T) {
	s := tempStore(t)

	require.NoError(t, s.Set("login", target.ID("abc")))

	tid, ok, err := s.TargetFor("login")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, target.ID("abc"), tid)
}

func TestTargetForUnknownAlias(t *testing.T) {
	s := tempStore(t)
	_, ok, err := s.TargetFor("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAliasForRoundTrip(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Set("checkout", target.ID("xyz")))

	alias, ok, err := s.AliasFor(target.ID("xyz"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "checkout", alias)
}

func TestForgetRemovesAlias(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Set("a", target.ID("1")))
	require.NoError(t, s.Forget("a"))

	_, ok, err := s.TargetFor("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForgetTargetRemovesAllAliases(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Set("a", target.ID("1")))
	require.NoError(t, s.Set("b", target.ID("1")))
	require.NoError(t, s.Set("c", target.ID("2")))

	require.NoError(t, s.ForgetTarget(target.ID("1")))

	_, ok, _ := s.TargetFor("a")
	assert.False(t, ok)
	_, ok, _ = s.TargetFor("b")
	assert.False(t, ok)
	_, ok, _ = s.TargetFor("c")
	assert.True(t, ok)
}

func TestEntryIDStableAcrossRepointing(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Set("login", target.ID("abc")))

	id1, ok, err := s.EntryID("login")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, id1)

	require.NoError(t, s.Set("login", target.ID("def")))
	id2, ok, err := s.EntryID("login")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id1, id2)
}

func TestEntryIDUnknownAlias(t *testing.T) {
	s := tempStore(t)
	_, ok, err := s.EntryID("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabs.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	s := Open(path)
	_, ok, err := s.TargetFor("anything")
	require.NoError(t, err)
	assert.False(t, ok)
}
