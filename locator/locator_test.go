package locator

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
	runs []func(params evalParams) callFunctionResult
}

func (s *scriptedExecutor) Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	p := params.(evalParams)
	i := s.step
	s.step++
	out := s.runs[i](p)
	*(res.(*callFunctionResult)) = out
	return nil
}

func metaResult(found bool, role, name string) callFunctionResult {
	b, _ := json.Marshal(jsElementMeta{Found: found, Role: role, Name: name})
	return callFunctionResult{Result: &runtime.RemoteObject{Value: b}}
}

func handleResult(objID string) callFunctionResult {
	if objID == "" {
		return callFunctionResult{Result: &runtime.RemoteObject{}}
	}
	return callFunctionResult{Result: &runtime.RemoteObject{ObjectID: runtime.RemoteObjectID(objID)}}
}

func TestResolveSelectorFound(t *testing.T) {
	exec := &scriptedExecutor{runs: []func(evalParams) callFunctionResult{
		func(evalParams) callFunctionResult { return metaResult(true, "button", "Submit") },
		func(evalParams) callFunctionResult { return handleResult("obj-1") },
	}}
	r := New(exec, nil, nil)

	el, err := r.Resolve(context.Background(), "sess", Locator{Kind: KindSelector, Selector: "#submit"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "button", el.Role)
	assert.Equal(t, "Submit", el.AccessibleName)
	assert.Equal(t, runtime.RemoteObjectID("obj-1"), el.ObjectID)
}

func TestResolveSelectorNotFound(t *testing.T) {
	exec := &scriptedExecutor{runs: []func(evalParams) callFunctionResult{
		func(evalParams) callFunctionResult { return metaResult(false, "", "") },
	}}
	r := New(exec, nil, nil)

	_, err := r.Resolve(context.Background(), "sess", Locator{Kind: KindSelector, Selector: "#missing"}, nil)
	require.Error(t, err)
}

func TestResolveRefDelegatesToResolveRefFunc(t *testing.T) {
	exec := &scriptedExecutor{runs: []func(evalParams) callFunctionResult{
		func(evalParams) callFunctionResult { return metaResult(true, "link", "Home") },
		func(evalParams) callFunctionResult { return handleResult("obj-2") },
	}}
	r := New(exec, nil, nil)

	resolveRef := func(ref string) (string, error) {
		assert.Equal(t, "fmains1e1", ref)
		return `[data-cdpstep-ref="fmains1e1"]`, nil
	}

	el, err := r.Resolve(context.Background(), "sess", Locator{Kind: KindRef, Ref: "fmains1e1"}, resolveRef)
	require.NoError(t, err)
	assert.Equal(t, "link", el.Role)
}

func TestResolveMultiFallsThroughToNextSelector(t *testing.T) {
	exec := &scriptedExecutor{runs: []func(evalParams) callFunctionResult{
		func(evalParams) callFunctionResult { return metaResult(false, "", "") },
		func(evalParams) callFunctionResult { return metaResult(true, "button", "Go") },
		func(evalParams) callFunctionResult { return handleResult("obj-3") },
	}}
	r := New(exec, nil, nil)

	el, err := r.Resolve(context.Background(), "sess", Locator{Kind: KindMulti, Selectors: []string{"#a", "#b"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "button", el.Role)
}

func TestAriaRoleSelectorKnownRole(t *testing.T) {
	sel, ok := ariaRoleSelector("button")
	assert.True(t, ok)
	assert.Contains(t, sel, "button")
}

func TestResolveSearchFramesSwitchesOnMiss(t *testing.T) {
	exec := &scriptedExecutor{runs: []func(evalParams) callFunctionResult{
		func(evalParams) callFunctionResult { return metaResult(false, "", "") }, // current frame: miss
		func(evalParams) callFunctionResult { return metaResult(false, "", "") }, // main frame retry: miss
		func(evalParams) callFunctionResult { return metaResult(true, "button", "Pay") }, // iframe: hit
		func(evalParams) callFunctionResult { return handleResult("obj-9") },
	}}
	var switched []string
	r := New(exec, func(ctx context.Context, frameID string) error {
		switched = append(switched, frameID)
		return nil
	}, func() []string { return []string{"main", "frame-1"} })

	loc := Locator{Kind: KindSelector, Selector: "#pay", SearchFrames: true}
	el, err := r.Resolve(context.Background(), "sess", loc, nil)
	require.NoError(t, err)
	assert.Equal(t, "button", el.Role)
	assert.Equal(t, []string{"main", "frame-1"}, switched)
}

func TestResolveSearchFramesStopsAtFirstHit(t *testing.T) {
	exec := &scriptedExecutor{runs: []func(evalParams) callFunctionResult{
		func(evalParams) callFunctionResult { return metaResult(false, "", "") },
		func(evalParams) callFunctionResult { return metaResult(true, "button", "Pay") },
		func(evalParams) callFunctionResult { return handleResult("obj-9") },
	}}
	var switched []string
	r := New(exec, func(ctx context.Context, frameID string) error {
		switched = append(switched, frameID)
		return nil
	}, func() []string { return []string{"frame-1", "frame-2", "frame-3"} })

	loc := Locator{Kind: KindSelector, Selector: "#pay", SearchFrames: true}
	_, err := r.Resolve(context.Background(), "sess", loc, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"frame-1"}, switched, "must not try frame-2/frame-3 once frame-1 matches")
}

func TestResolveWithoutSearchFramesDoesNotSwitch(t *testing.T) {
	exec := &scriptedExecutor{runs: []func(evalParams) callFunctionResult{
		func(evalParams) callFunctionResult { return metaResult(false, "", "") },
	}}
	switchCalled := false
	r := New(exec, func(ctx context.Context, frameID string) error {
		switchCalled = true
		return nil
	}, func() []string { return []string{"frame-1"} })

	loc := Locator{Kind: KindSelector, Selector: "#pay"}
	_, err := r.Resolve(context.Background(), "sess", loc, nil)
	require.Error(t, err)
	assert.False(t, switchCalled)
}
