package steps

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type boolExecutor struct {
	value bool
	calls int
}

func (b *boolExecutor) Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	b.calls++
	out := res.(*callFunctionResult)
	v, _ := json.Marshal(b.value)
	*out = callFunctionResult{Result: &runtime.RemoteObject{Value: v}}
	return nil
}

func TestArmClickProbeIssuesCallFunctionOn(t *testing.T) {
	exec := &boolExecutor{value: true}
	err := armClickProbe(context.Background(), exec, "sess", "obj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, exec.calls)
}

func TestReadClickProbeReportsSeen(t *testing.T) {
	exec := &boolExecutor{value: true}
	seen, err := readClickProbe(context.Background(), exec, "sess", "obj-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestReadClickProbeReportsNotSeen(t *testing.T) {
	exec := &boolExecutor{value: false}
	seen, err := readClickProbe(context.Background(), exec, "sess", "obj-1")
	require.NoError(t, err)
	assert.False(t, seen)
}
