// Package console captures Runtime.consoleAPICalled and
// Runtime.exceptionThrown events into an ordered, cursor-addressable log,
// the same event pair EdgeComet-jsbug's EventCollector folds into its
// consoleMessages/jsErrors slices, adapted here into a single timeline the
// step runner can slice "since the last capture point" (§4.11 step 4e).
package console

import (
	"strings"
	"sync"

	"github.com/chromedp/cdproto/runtime"
)

// Message is one console line or uncaught exception, in emission order.
type Message struct {
	Seq   int    `json:"seq"`
	Level string `json:"level"`
	Text  string `json:"text"`
	Error bool   `json:"error,omitempty"`
}

// Capture accumulates console output for one tab's lifetime.
type Capture struct {
	mu       sync.Mutex
	messages []Message
}

// New builds an empty Capture.
func New() *Capture {
	return &Capture{}
}

func (c *Capture) append(level, text string, isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Seq: len(c.messages) + 1, Level: level, Text: text, Error: isError})
}

// HandleConsoleAPICalled records one console.* call, joining its arguments'
// values/descriptions the way EdgeComet-jsbug's handleConsoleAPICalled does.
func (c *Capture) HandleConsoleAPICalled(ev *runtime.EventConsoleAPICalled) {
	if ev == nil {
		return
	}
	var parts []string
	for _, arg := range ev.Args {
		switch {
		case len(arg.Value) > 0:
			parts = append(parts, strings.Trim(string(arg.Value), `"`))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		}
	}
	c.append(string(ev.Type), strings.Join(parts, " "), false)
}

// HandleExceptionThrown records an uncaught exception as an "error"-level
// message.
func (c *Capture) HandleExceptionThrown(ev *runtime.EventExceptionThrown) {
	if ev == nil || ev.ExceptionDetails == nil {
		return
	}
	text := ev.ExceptionDetails.Text
	if ev.ExceptionDetails.Exception != nil && ev.ExceptionDetails.Exception.Description != "" {
		text = ev.ExceptionDetails.Exception.Description
	}
	c.append("error", text, true)
}

// Since returns every message with Seq greater than cursor, plus the new
// cursor value to pass on the next call.
func (c *Capture) Since(cursor int) ([]Message, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.messages {
		if m.Seq > cursor {
			out = append(out, m)
		}
	}
	newCursor := cursor
	if len(c.messages) > 0 {
		newCursor = c.messages[len(c.messages)-1].Seq
	}
	return out, newCursor
}

// All returns every captured message.
func (c *Capture) All() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}
