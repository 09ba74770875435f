package refresolve

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedExecutor struct {
	step int
	runs []func() callResult
}

func (s *scriptedExecutor) Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	out := s.runs[s.step]()
	s.step++
	*res.(*callResult) = out
	return nil
}

func countResult(n int) callResult {
	b, _ := json.Marshal(candidateOutcome{Count: n})
	return callResult{Result: &runtime.RemoteObject{Value: b}}
}

func handleResult(id string) callResult {
	return callResult{Result: &runtime.RemoteObject{ObjectID: runtime.RemoteObjectID(id)}}
}

func TestResolveUnknownRefIsStale(t *testing.T) {
	r := New(&scriptedExecutor{}, MapStore{})
	_, err := r.Resolve(context.Background(), "sess", "f0s1e1")
	assert.Error(t, err)
}

func TestResolveAdoptsUniqueMatch(t *testing.T) {
	store := MapStore{"f0s1e7": {Selector: "#submit", Role: "button", Name: "Send"}}
	exec := &scriptedExecutor{runs: []func() callResult{
		func() callResult { return countResult(1) },
		func() callResult { return handleResult("obj-99") },
	}}
	r := New(exec, store)

	res, err := r.Resolve(context.Background(), "sess", "f0s1e7")
	require.NoError(t, err)
	assert.True(t, res.ReResolved)
	assert.Equal(t, runtime.RemoteObjectID("obj-99"), res.ObjectID)
}

func TestResolveAmbiguousMatchFails(t *testing.T) {
	store := MapStore{"f0s1e7": {Selector: "#submit", Role: "button", Name: "Send"}}
	exec := &scriptedExecutor{runs: []func() callResult{
		func() callResult { return countResult(3) },
	}}
	r := New(exec, store)

	_, err := r.Resolve(context.Background(), "sess", "f0s1e7")
	assert.Error(t, err)
}

func TestResolveNoMatchFails(t *testing.T) {
	store := MapStore{"f0s1e7": {Selector: "#submit", Role: "button", Name: "Send"}}
	exec := &scriptedExecutor{runs: []func() callResult{
		func() callResult { return countResult(0) },
	}}
	r := New(exec, store)

	_, err := r.Resolve(context.Background(), "sess", "f0s1e7")
	assert.Error(t, err)
}
