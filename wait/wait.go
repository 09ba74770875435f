// Package wait implements the polling helpers every step built on top of a
// condition needs: waitForCondition/waitForFunction/waitForSelector/
// waitForText/waitForDocumentReady (C5 of SPEC_FULL.md). Network-idle
// waiting is event-driven and lives on page.Controller.WaitForNetworkIdle.
// All of them bottom out in repeated Runtime.evaluate calls, the same
// mechanism chromedp's poll.go drives its PollFunction action with.
package wait

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/config"
)

// Executor is the minimal capability wait needs: evaluate an expression in
// a session and get back a remote object or an error. page.Controller and
// session.Registry both satisfy a narrowed version of this.
type Executor interface {
	Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error
}

// Options controls one wait call; zero value uses the package defaults.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Message      string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = config.DefaultTimeout
	}
	if o.Timeout > config.MaxTimeout {
		o.Timeout = config.MaxTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}

type evalParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
	AwaitPromise  bool   `json:"awaitPromise"`
}

type evalResult struct {
	Result           *runtime.RemoteObject     `json:"result"`
	ExceptionDetails *runtime.ExceptionDetails `json:"exceptionDetails,omitempty"`
}

func evaluate(ctx context.Context, exec Executor, sessionID target.SessionID, expr string) (*runtime.RemoteObject, error) {
	var res evalResult
	err := exec.Execute(ctx, sessionID, "Runtime.evaluate", evalParams{Expression: expr, ReturnByValue: true, AwaitPromise: true}, &res)
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		text := res.ExceptionDetails.Text
		if text == "context destroyed" || containsContextDestroyed(text) {
			return nil, cdperr.Wrap(cdperr.KindContextDestroyed, cdperr.ErrContextDestroyed, "%s", text)
		}
		return nil, cdperr.New(cdperr.KindExecution, "%s", text)
	}
	return res.Result, nil
}

func containsContextDestroyed(s string) bool {
	for _, needle := range []string{"Cannot find context", "Execution context was destroyed"} {
		if len(s) >= len(needle) && indexOf(s, needle) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

func truthy(obj *runtime.RemoteObject) bool {
	if obj == nil {
		return false
	}
	switch obj.Type {
	case runtime.TypeBoolean:
		var b bool
		if err := json.Unmarshal(obj.Value, &b); err == nil {
			return b
		}
	case runtime.TypeUndefined:
		return false
	case runtime.TypeObject:
		return obj.Subtype != "null"
	default:
		if obj.Value != nil {
			var v any
			if err := json.Unmarshal(obj.Value, &v); err == nil {
				switch x := v.(type) {
				case float64:
					return x != 0
				case string:
					return x != ""
				case nil:
					return false
				}
			}
		}
	}
	return obj.Value != nil
}

// WaitForFunction polls expression until it returns a truthy value, or
// timeout elapses. An execution-context-destroyed exception is surfaced
// distinctly since it usually means a navigation started mid-poll (§4.5).
func WaitForFunction(ctx context.Context, exec Executor, sessionID target.SessionID, expression string, opts Options) (*runtime.RemoteObject, error) {
	opts = opts.withDefaults()

	tctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		obj, err := evaluate(tctx, exec, sessionID, expression)
		if err != nil {
			if cdperr.KindOf(err) == cdperr.KindContextDestroyed {
				return nil, err
			}
		} else if truthy(obj) {
			return obj, nil
		}

		select {
		case <-tctx.Done():
			return nil, cdperr.Wrap(cdperr.KindTimeout, tctx.Err(), "%s", waitMessage(opts, expression))
		case <-ticker.C:
		}
	}
}

func waitMessage(opts Options, fallback string) string {
	if opts.Message != "" {
		return opts.Message
	}
	return fmt.Sprintf("waiting for %s", fallback)
}

// WaitForCondition polls an async JS predicate expression (a string that
// evaluates to a promise of a boolean) until it resolves true.
func WaitForCondition(ctx context.Context, exec Executor, sessionID target.SessionID, asyncPredicate string, opts Options) error {
	_, err := WaitForFunction(ctx, exec, sessionID, asyncPredicate, opts)
	return err
}

// WaitForSelector polls until selector matches at least one element,
// optionally gated on CSS visibility via getComputedStyle (§4.5).
func WaitForSelector(ctx context.Context, exec Executor, sessionID target.SessionID, selector string, visible bool, opts Options) error {
	expr := fmt.Sprintf("!!document.querySelector(%s)", jsString(selector))
	if visible {
		expr = fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (!el) return false;
			const style = getComputedStyle(el);
			const rect = el.getBoundingClientRect();
			return style.visibility !== 'hidden' && style.display !== 'none' && rect.width > 0 && rect.height > 0;
		})()`, jsString(selector))
	}
	opts.Message = fmt.Sprintf("selector %q to appear", selector)
	_, err := WaitForFunction(ctx, exec, sessionID, expr, opts)
	return err
}

// WaitForText polls until text appears anywhere in document.body.innerText,
// or, when exact is set, until the trimmed innerText equals text.
func WaitForText(ctx context.Context, exec Executor, sessionID target.SessionID, text string, exact, caseSensitive bool, opts Options) error {
	needle := jsString(text)
	haystack := "document.body.innerText"
	if !caseSensitive {
		haystack = haystack + ".toLowerCase()"
		needle = jsString(lower(text))
	}
	var expr string
	if exact {
		expr = fmt.Sprintf("(%s).trim() === %s", haystack, needle)
	} else {
		expr = fmt.Sprintf("(%s).includes(%s)", haystack, needle)
	}
	opts.Message = fmt.Sprintf("text %q to appear", text)
	_, err := WaitForFunction(ctx, exec, sessionID, expr, opts)
	return err
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ReadyState names document.readyState values waitForDocumentReady can
// target.
type ReadyState string

const (
	ReadyLoading     ReadyState = "loading"
	ReadyInteractive ReadyState = "interactive"
	ReadyComplete    ReadyState = "complete"
)

var readyRank = map[ReadyState]int{ReadyLoading: 0, ReadyInteractive: 1, ReadyComplete: 2}

// WaitForDocumentReady waits until document.readyState has reached at least
// target (loading < interactive < complete).
func WaitForDocumentReady(ctx context.Context, exec Executor, sessionID target.SessionID, want ReadyState, opts Options) error {
	wantRank, ok := readyRank[want]
	if !ok {
		return cdperr.New(cdperr.KindValidation, "unknown document ready target %q", want)
	}
	expr := fmt.Sprintf(`(() => {
		const rank = {loading:0, interactive:1, complete:2};
		return rank[document.readyState] >= %d;
	})()`, wantRank)
	opts.Message = fmt.Sprintf("document.readyState to reach %q", want)
	_, err := WaitForFunction(ctx, exec, sessionID, expr, opts)
	return err
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
