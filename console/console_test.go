package console

import (
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strValue(s string) runtime.RemoteObject {
	return runtime.RemoteObject{Type: runtime.TypeString, Value: []byte(`"` + s + `"`)}
}

func TestHandleConsoleAPICalledJoinsArgs(t *testing.T) {
	c := New()
	c.HandleConsoleAPICalled(&runtime.EventConsoleAPICalled{
		Type: runtime.APITypeLog,
		Args: []*runtime.RemoteObject{ptr(strValue("hello")), ptr(strValue("world"))},
	})

	all := c.All()
	require.Len(t, all, 1)
	assert.Equal(t, "log", all[0].Level)
	assert.Equal(t, "hello world", all[0].Text)
	assert.False(t, all[0].Error)
}

func TestHandleExceptionThrownRecordsError(t *testing.T) {
	c := New()
	c.HandleExceptionThrown(&runtime.EventExceptionThrown{
		ExceptionDetails: &runtime.ExceptionDetails{Text: "Uncaught TypeError: boom"},
	})

	all := c.All()
	require.Len(t, all, 1)
	assert.Equal(t, "error", all[0].Level)
	assert.True(t, all[0].Error)
	assert.Contains(t, all[0].Text, "boom")
}

func TestSinceReturnsOnlyNewMessages(t *testing.T) {
	c := New()
	c.append("log", "first", false)
	c.append("log", "second", false)

	msgs, cursor := c.Since(0)
	require.Len(t, msgs, 2)
	assert.Equal(t, 2, cursor)

	c.append("log", "third", false)
	msgs, cursor = c.Since(cursor)
	require.Len(t, msgs, 1)
	assert.Equal(t, "third", msgs[0].Text)
	assert.Equal(t, 3, cursor)
}

func TestSinceWithNoNewMessagesKeepsCursor(t *testing.T) {
	c := New()
	c.append("log", "only", false)

	_, cursor := c.Since(0)
	msgs, cursor2 := c.Since(cursor)
	assert.Empty(t, msgs)
	assert.Equal(t, cursor, cursor2)
}

func ptr(o runtime.RemoteObject) *runtime.RemoteObject { return &o }
