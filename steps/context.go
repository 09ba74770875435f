package steps

import (
	"context"
	"encoding/json"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/cdpstep/cdpstep/cdperr"
)

// Context is the command context object every command output carries
// (§6): url, title, scroll position, viewport size, and optionally the
// focused element or an open modal.
type Context struct {
	URL           string       `json:"url"`
	Title         string       `json:"title"`
	Scroll        ScrollInfo   `json:"scroll"`
	Viewport      ViewportInfo `json:"viewport"`
	ActiveElement *ElementInfo `json:"activeElement,omitempty"`
	Modal         *ModalInfo   `json:"modal,omitempty"`
}

type ScrollInfo struct {
	Y       int     `json:"y"`
	Percent float64 `json:"percent"`
}

type ViewportInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ElementInfo struct {
	Tag  string `json:"tag"`
	Role string `json:"role"`
	Name string `json:"name"`
}

type ModalInfo struct {
	Present bool   `json:"present"`
	Text    string `json:"text,omitempty"`
}

const contextScript = `(() => {
	const doc = document.documentElement;
	const scrollable = doc.scrollHeight - window.innerHeight;
	const percent = scrollable > 0 ? Math.round((window.scrollY / scrollable) * 100) : 0;
	const active = document.activeElement;
	let activeElement = null;
	if (active && active !== document.body) {
		activeElement = {tag: active.tagName.toLowerCase(), role: active.getAttribute('role') || '', name: active.getAttribute('aria-label') || active.innerText || ''};
	}
	const dialog = document.querySelector('dialog[open], [role=dialog], [role=alertdialog]');
	return {
		url: location.href,
		title: document.title,
		scrollY: Math.round(window.scrollY),
		scrollPercent: percent,
		width: window.innerWidth,
		height: window.innerHeight,
		activeElement,
		modal: dialog ? {present: true, text: (dialog.innerText || '').trim().slice(0, 200)} : {present: false},
	};
})()`

type contextOutcome struct {
	URL           string       `json:"url"`
	Title         string       `json:"title"`
	ScrollY       int          `json:"scrollY"`
	ScrollPercent float64      `json:"scrollPercent"`
	Width         int          `json:"width"`
	Height        int          `json:"height"`
	ActiveElement *ElementInfo `json:"activeElement"`
	Modal         *ModalInfo   `json:"modal"`
}

type evalParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
}

type evalResult struct {
	Result           *runtime.RemoteObject     `json:"result"`
	ExceptionDetails *runtime.ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// BuildContext evaluates contextScript in sessionID's main world and
// returns the command context object (§6).
func BuildContext(ctx context.Context, exec pageExecutor, sessionID target.SessionID) (*Context, error) {
	var res evalResult
	if err := exec.Execute(ctx, sessionID, "Runtime.evaluate", evalParams{Expression: contextScript, ReturnByValue: true}, &res); err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "build context")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "build context: %s", res.ExceptionDetails.Text)
	}
	var out contextOutcome
	if res.Result != nil && res.Result.Value != nil {
		if err := json.Unmarshal(res.Result.Value, &out); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "decode context")
		}
	}
	return &Context{
		URL:           out.URL,
		Title:         out.Title,
		Scroll:        ScrollInfo{Y: out.ScrollY, Percent: out.ScrollPercent},
		Viewport:      ViewportInfo{Width: out.Width, Height: out.Height},
		ActiveElement: out.ActiveElement,
		Modal:         out.Modal,
	}, nil
}
