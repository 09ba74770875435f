package actionability

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sequenceExecutor struct {
	outcomes []checkOutcome
	calls    int
}

func (s *sequenceExecutor) Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	i := s.calls
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	s.calls++
	b, _ := json.Marshal(s.outcomes[i])
	out := res.(*callFunctionResult)
	*out = callFunctionResult{Result: &runtime.RemoteObject{Value: b}}
	return nil
}

func TestEnsurePassesWhenAllRequiredPredicatesHold(t *testing.T) {
	exec := &sequenceExecutor{outcomes: []checkOutcome{
		{Exists: true, Visible: true, Enabled: true},
	}}
	c := New(exec)

	res, err := c.Ensure(context.Background(), "sess", "obj-1", []Predicate{Visible, Enabled}, false, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestEnsureForceSkipsPredicates(t *testing.T) {
	exec := &sequenceExecutor{}
	c := New(exec)

	res, err := c.Ensure(context.Background(), "sess", "obj-1", []Predicate{Visible}, true, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 0, exec.calls)
}

func TestEnsureAutoForcesOnTimeout(t *testing.T) {
	exec := &sequenceExecutor{outcomes: []checkOutcome{
		{Exists: true, Visible: false},
	}}
	c := New(exec)

	res, err := c.Ensure(context.Background(), "sess", "obj-1", []Predicate{Visible}, false, 40*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.True(t, res.AutoForced)
	assert.Contains(t, res.Failed, Visible)
}

func TestEnsureDetachedElementErrors(t *testing.T) {
	exec := &sequenceExecutor{outcomes: []checkOutcome{{Exists: false}}}
	c := New(exec)

	_, err := c.Ensure(context.Background(), "sess", "obj-1", []Predicate{Visible}, false, time.Second)
	require.Error(t, err)
}
