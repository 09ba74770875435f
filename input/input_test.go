package input

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	calls []struct {
		method string
		params any
	}
}

func (r *recordingExecutor) Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	r.calls = append(r.calls, struct {
		method string
		params any
	}{method, params})
	return nil
}

func TestClickDispatchesMoveDownUp(t *testing.T) {
	exec := &recordingExecutor{}
	e := New(exec)

	require.NoError(t, e.Click(context.Background(), "sess", 10, 20, ButtonLeft, 1))
	require.Len(t, exec.calls, 3)

	down := exec.calls[1].params.(mouseEventParams)
	assert.Equal(t, "mousePressed", down.Type)
	assert.Equal(t, 1, down.Buttons)

	up := exec.calls[2].params.(mouseEventParams)
	assert.Equal(t, "mouseReleased", up.Type)
	assert.Equal(t, 0, up.Buttons)
}

func TestClickRejectsNegativeCoordinates(t *testing.T) {
	e := New(&recordingExecutor{})
	err := e.Click(context.Background(), "sess", -1, 0, ButtonLeft, 1)
	assert.Error(t, err)
}

func TestClickRejectsInvalidButton(t *testing.T) {
	e := New(&recordingExecutor{})
	err := e.Click(context.Background(), "sess", 0, 0, Button("nonexistent"), 1)
	assert.Error(t, err)
}

func TestClickRejectsNonPositiveClickCount(t *testing.T) {
	e := New(&recordingExecutor{})
	err := e.Click(context.Background(), "sess", 0, 0, ButtonLeft, 0)
	assert.Error(t, err)
}

func TestTypeDispatchesOneCharEventPerRune(t *testing.T) {
	exec := &recordingExecutor{}
	e := New(exec)

	require.NoError(t, e.Type(context.Background(), "sess", "hi\U0001F600"))
	assert.Len(t, exec.calls, 3)
}

func TestPressDispatchesDownCharUp(t *testing.T) {
	exec := &recordingExecutor{}
	e := New(exec)

	require.NoError(t, e.Press(context.Background(), "sess", "Enter", nil))
	require.Len(t, exec.calls, 3)
	assert.Equal(t, "rawKeyDown", exec.calls[0].params.(keyEventParams).Type)
	assert.Equal(t, "char", exec.calls[1].params.(keyEventParams).Type)
	assert.Equal(t, "keyUp", exec.calls[2].params.(keyEventParams).Type)
}

func TestPressNonPrintableSkipsChar(t *testing.T) {
	exec := &recordingExecutor{}
	e := New(exec)

	require.NoError(t, e.Press(context.Background(), "sess", "Escape", nil))
	require.Len(t, exec.calls, 2)
}

func TestPressComboParsesModifiers(t *testing.T) {
	exec := &recordingExecutor{}
	e := New(exec)

	require.NoError(t, e.PressCombo(context.Background(), "sess", "Control+Shift+Enter"))
	down := exec.calls[0].params.(keyEventParams)
	assert.Equal(t, modifierMask[ModCtrl]|modifierMask[ModShift], down.Modifiers)
}

func TestPressComboTreatsCmdAsMeta(t *testing.T) {
	exec := &recordingExecutor{}
	e := New(exec)

	require.NoError(t, e.PressCombo(context.Background(), "sess", "Cmd+a"))
	down := exec.calls[0].params.(keyEventParams)
	assert.Equal(t, modifierMask[ModMeta], down.Modifiers)
}

func TestPressComboUnknownModifierErrors(t *testing.T) {
	e := New(&recordingExecutor{})
	err := e.PressCombo(context.Background(), "sess", "Hyper+a")
	assert.Error(t, err)
}
