package snapshot

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	outcome    walkOutcome
	lastParams evalParams
}

func (f *fakeExecutor) Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	if p, ok := params.(evalParams); ok {
		f.lastParams = p
	}
	b, _ := json.Marshal(f.outcome)
	out := res.(*callResult)
	*out = callResult{Result: &runtime.RemoteObject{Value: b}}
	return nil
}

func TestCaptureAssignsIncreasingSnapshotIDs(t *testing.T) {
	exec := &fakeExecutor{outcome: walkOutcome{
		Nodes:       []Node{{Ref: "x", Role: "button", Name: "Go"}},
		Fingerprint: Fingerprint{URL: "https://example.com"},
	}}
	s := New(exec, 0)

	first, err := s.Capture(context.Background(), "sess", "0", DetailFull, WalkOptions{})
	require.NoError(t, err)
	second, err := s.Capture(context.Background(), "sess", "0", DetailFull, WalkOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.Contains(t, first.Text, "button")
}

func TestUnchangedMatchesFingerprint(t *testing.T) {
	fp := Fingerprint{URL: "https://example.com", InteractiveCount: 3}
	snap := &Snapshot{Fingerprint: fp}
	assert.True(t, Unchanged(snap, &fp))

	other := Fingerprint{URL: "https://example.com", InteractiveCount: 4}
	assert.False(t, Unchanged(snap, &other))
}

func TestDiffAddedRemovedChangedAreDisjoint(t *testing.T) {
	before := []Node{
		{Ref: "f0s1e1", Role: "button", Name: "Submit", Tag: "button"},
		{Ref: "f0s1e2", Role: "link", Name: "Home", Tag: "a"},
	}
	after := []Node{
		{Ref: "f0s2e1", Role: "button", Name: "Submit", Tag: "button", States: States{Disabled: true}},
		{Ref: "f0s2e2", Role: "link", Name: "New", Tag: "a"},
	}

	d := Diff(before, after)
	assert.ElementsMatch(t, []string{"f0s2e1"}, d.Changed)
	assert.ElementsMatch(t, []string{"f0s2e2"}, d.Added)
	assert.ElementsMatch(t, []string{"f0s1e2"}, d.Removed)

	addedSet := map[string]bool{}
	for _, r := range d.Added {
		addedSet[r] = true
	}
	for _, r := range d.Removed {
		assert.False(t, addedSet[r], "added and removed must be disjoint")
	}
}

func TestSerializeIncludesRefAndLevel(t *testing.T) {
	text := Serialize([]Node{{Ref: "f0s1e1", Role: "heading", Name: "Welcome", Level: 2}})
	assert.Contains(t, text, `heading "Welcome" [ref=f0s1e1] [level=2]`)
}

func TestSerializeIndentsChildren(t *testing.T) {
	text := Serialize([]Node{
		{Ref: "f0s1e1", Role: "list", Children: []Node{
			{Ref: "f0s1e2", Role: "listitem", Name: "First"},
		}},
	})
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.False(t, strings.HasPrefix(lines[0], " "))
	assert.True(t, strings.HasPrefix(lines[1], "  "))
}

func TestFlattenWalksNestedChildren(t *testing.T) {
	tree := []Node{
		{Ref: "a", Children: []Node{
			{Ref: "b", Children: []Node{{Ref: "c"}}},
		}},
	}
	flat := Flatten(tree)
	refs := make([]string, len(flat))
	for i, n := range flat {
		refs[i] = n.Ref
	}
	assert.Equal(t, []string{"a", "b", "c"}, refs)
}

func TestDiffConsidersNestedNodes(t *testing.T) {
	before := []Node{{Ref: "f0s1e1", Role: "list", Children: []Node{
		{Ref: "f0s1e2", Role: "listitem", Name: "Only", Tag: "li"},
	}}}
	after := []Node{{Ref: "f0s2e1", Role: "list", Children: []Node{
		{Ref: "f0s2e2", Role: "listitem", Name: "Only", Tag: "li"},
		{Ref: "f0s2e3", Role: "listitem", Name: "New", Tag: "li"},
	}}}

	d := Diff(before, after)
	assert.ElementsMatch(t, []string{"f0s2e3"}, d.Added)
	assert.Empty(t, d.Removed)
}

func TestCaptureForwardsWalkOptionsIntoScript(t *testing.T) {
	exec := &fakeExecutor{outcome: walkOutcome{Nodes: []Node{}}}
	s := New(exec, 0)

	_, err := s.Capture(context.Background(), "sess", "0", DetailFull, WalkOptions{PierceShadow: true, IncludeFrames: true})
	require.NoError(t, err)

	assert.Contains(t, exec.lastParams.Expression, "walk(document.body || document.documentElement, ")
	assert.Regexp(t, `walk\([^)]*, true, true\)`, exec.lastParams.Expression)
}

func TestWriteOrInlineRespectsLimit(t *testing.T) {
	s := New(&fakeExecutor{}, 5)
	inline, path, err := s.WriteOrInline(t.TempDir(), "t1", "short")
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, "short", inline)

	dir := t.TempDir()
	inline2, path2, err := s.WriteOrInline(dir, "t1", "this text is definitely too long")
	require.NoError(t, err)
	assert.Empty(t, inline2)
	assert.FileExists(t, path2)
}
