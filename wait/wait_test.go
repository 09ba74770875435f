package wait

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpstep/cdpstep/cdperr"
)

type fakeExecutor struct {
	responses []evalResult
	errs      []error
	calls     int
}

func (f *fakeExecutor) Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return f.errs[i]
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	out := res.(*evalResult)
	*out = f.responses[i]
	return nil
}

func boolResult(b bool) evalResult {
	v, _ := json.Marshal(b)
	return evalResult{Result: &runtime.RemoteObject{Type: runtime.TypeBoolean, Value: v}}
}

func TestWaitForFunctionSucceedsEventually(t *testing.T) {
	exec := &fakeExecutor{responses: []evalResult{boolResult(false), boolResult(false), boolResult(true)}}

	opts := Options{Timeout: time.Second, PollInterval: 5 * time.Millisecond}
	_, err := WaitForFunction(context.Background(), exec, "sess", "true", opts)
	require.NoError(t, err)
}

func TestWaitForFunctionTimesOut(t *testing.T) {
	exec := &fakeExecutor{responses: []evalResult{boolResult(false)}}

	opts := Options{Timeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	_, err := WaitForFunction(context.Background(), exec, "sess", "false", opts)
	require.Error(t, err)
	assert.Equal(t, cdperr.KindTimeout, cdperr.KindOf(err))
}

func TestWaitForFunctionSurfacesContextDestroyed(t *testing.T) {
	exec := &fakeExecutor{
		responses: []evalResult{{ExceptionDetails: &runtime.ExceptionDetails{Text: "Execution context was destroyed."}}},
	}
	opts := Options{Timeout: time.Second, PollInterval: 5 * time.Millisecond}
	_, err := WaitForFunction(context.Background(), exec, "sess", "true", opts)
	require.Error(t, err)
	assert.Equal(t, cdperr.KindContextDestroyed, cdperr.KindOf(err))
}

func TestOptionsWithDefaultsCapsTimeout(t *testing.T) {
	o := Options{Timeout: time.Hour}.withDefaults()
	assert.LessOrEqual(t, o.Timeout, 300*time.Second)
}

func TestWaitForDocumentReadyUnknownTarget(t *testing.T) {
	exec := &fakeExecutor{}
	err := WaitForDocumentReady(context.Background(), exec, "sess", ReadyState("bogus"), Options{})
	require.Error(t, err)
	assert.Equal(t, cdperr.KindValidation, cdperr.KindOf(err))
}
