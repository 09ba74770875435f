package steps

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/cdpstep/cdpstep/actionability"
	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/input"
)

func init() {
	register("click", clickStep)
	register("fill", fillStep)
	register("press", pressStep)
	register("pressCombo", pressComboStep)
	register("hover", hoverStep)
	register("drag", dragStep)
	register("selectOption", selectOptionStep)
	register("scroll", scrollStep)
	register("upload", uploadStep)
	register("selectText", selectTextStep)
	register("submit", submitStep)
}

type clickParams struct {
	Button     string `json:"button"`
	ClickCount int    `json:"clickCount"`
	Force      bool   `json:"force"`
	JSClick    bool   `json:"jsClick"`
	NativeOnly bool   `json:"nativeOnly"`
	TimeoutMS  int    `json:"timeout"`
}

// clickStep resolves the target locator, ensures it is actionable, and
// dispatches a CDP click. A capture-phase listener armed just before the
// dispatch reports whether the click actually reached the element; if it
// didn't and nativeOnly isn't set, clickStep retries with a direct
// el.click() and reports method "jsClick-auto" (§4.10's click executor).
// This is independent of actionability's own auto-force bypass, which only
// means the predicate retries gave up, not that the click was undelivered.
func clickStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	raw := splitLocator(params)
	loc, err := parseLocator(raw)
	if err != nil {
		return nil, err
	}
	var p clickParams
	_ = decode(params, &p)
	if p.Button == "" {
		p.Button = "left"
	}
	if p.ClickCount <= 0 {
		p.ClickCount = 1
	}

	el, err := resolveElement(ctx, tab, loc)
	if err != nil {
		return nil, err
	}
	registerRef(tab, loc, el)

	cap := time.Duration(p.TimeoutMS) * time.Millisecond
	required := []actionability.Predicate{actionability.Visible, actionability.Enabled, actionability.Stable, actionability.NotCovered, actionability.PointerEventsOn}
	if _, err := env.Actionability.Ensure(ctx, tab.SessionID, el.ObjectID, required, p.Force, cap); err != nil {
		return nil, err
	}

	x, y, err := elementCenter(ctx, env.Sessions, tab.SessionID, el.ObjectID)
	if err != nil {
		return nil, err
	}

	method := "cdp"
	if p.JSClick {
		if err := jsClick(ctx, env.Sessions, tab.SessionID, el.ObjectID); err != nil {
			return nil, err
		}
		method = "jsClick-auto"
	} else {
		if err := armClickProbe(ctx, env.Sessions, tab.SessionID, el.ObjectID); err != nil {
			return nil, err
		}
		if err := env.Input.Click(ctx, tab.SessionID, x, y, input.Button(p.Button), p.ClickCount); err != nil {
			return nil, err
		}
		received, err := readClickProbe(ctx, env.Sessions, tab.SessionID, el.ObjectID)
		if err != nil {
			return nil, err
		}
		if !received {
			if p.NativeOnly {
				return nil, cdperr.New(cdperr.KindExecution, "click: dispatched click was not received by the target element")
			}
			if err := jsClick(ctx, env.Sessions, tab.SessionID, el.ObjectID); err != nil {
				return nil, err
			}
			method = "jsClick-auto"
		}
	}

	cctx, err := BuildContext(ctx, env.Sessions, tab.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"method": method, "role": el.Role, "name": el.AccessibleName, "context": cctx}, nil
}

type fillParams struct {
	Value string `json:"value"`
	React bool   `json:"react"`
}

func fillStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	raw := splitLocator(params)
	loc, err := parseLocator(raw)
	if err != nil {
		return nil, err
	}
	var p fillParams
	_ = decode(params, &p)

	el, err := resolveElement(ctx, tab, loc)
	if err != nil {
		return nil, err
	}
	registerRef(tab, loc, el)

	required := []actionability.Predicate{actionability.Visible, actionability.Editable}
	if _, err := env.Actionability.Ensure(ctx, tab.SessionID, el.ObjectID, required, false, 0); err != nil {
		return nil, err
	}

	x, y, err := elementCenter(ctx, env.Sessions, tab.SessionID, el.ObjectID)
	if err != nil {
		return nil, err
	}

	if p.React {
		if err := env.Input.Click(ctx, tab.SessionID, x, y, input.ButtonLeft, 1); err != nil {
			return nil, err
		}
		if err := reactFill(ctx, env.Sessions, tab.SessionID, el.ObjectID, p.Value); err != nil {
			return nil, err
		}
	} else if err := env.Input.Fill(ctx, tab.SessionID, x, y, p.Value); err != nil {
		return nil, err
	}

	cctx, err := BuildContext(ctx, env.Sessions, tab.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"context": cctx}, nil
}

const reactFillFunction = `
function (value) {
	const proto = Object.getPrototypeOf(this);
	const setter = Object.getOwnPropertyDescriptor(proto, 'value') || Object.getOwnPropertyDescriptor(Object.getPrototypeOf(proto), 'value');
	if (setter && setter.set) {
		setter.set.call(this, value);
	} else {
		this.value = value;
	}
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}
`

// reactFill sets value through the native HTMLInputElement/HTMLTextAreaElement
// value setter, bypassing a framework's overridden property setter the way
// React-controlled inputs require (§4.10's "react: true" fill variant).
func reactFill(ctx context.Context, exec pageExecutor, sessionID target.SessionID, objectID runtime.RemoteObjectID, value string) error {
	var res callFunctionResult
	err := exec.Execute(ctx, sessionID, "Runtime.callFunctionOn", struct {
		FunctionDeclaration string                 `json:"functionDeclaration"`
		ObjectID            runtime.RemoteObjectID `json:"objectId"`
		Arguments           []any                  `json:"arguments"`
		ReturnByValue       bool                   `json:"returnByValue"`
	}{
		FunctionDeclaration: reactFillFunction,
		ObjectID:            objectID,
		Arguments:           []any{map[string]any{"value": value}},
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "react fill")
	}
	if res.ExceptionDetails != nil {
		return cdperr.New(cdperr.KindExecution, "react fill: %s", res.ExceptionDetails.Text)
	}
	return nil
}

type pressParams struct {
	Key       string   `json:"key"`
	Modifiers []string `json:"modifiers"`
}

func pressStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p pressParams
	if err := json.Unmarshal(params, &p.Key); err != nil {
		if err := decode(params, &p); err != nil {
			return nil, err
		}
	}
	mods := make([]input.Modifier, 0, len(p.Modifiers))
	for _, m := range p.Modifiers {
		mods = append(mods, input.Modifier(strings.ToLower(m)))
	}
	if err := env.Input.Press(ctx, tab.SessionID, p.Key, mods); err != nil {
		return nil, err
	}
	cctx, err := BuildContext(ctx, env.Sessions, tab.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"context": cctx}, nil
}

func pressComboStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var combo string
	if err := decode(params, &combo); err != nil {
		return nil, err
	}
	if err := env.Input.PressCombo(ctx, tab.SessionID, combo); err != nil {
		return nil, err
	}
	cctx, err := BuildContext(ctx, env.Sessions, tab.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"context": cctx}, nil
}

func hoverStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	raw := splitLocator(params)
	loc, err := parseLocator(raw)
	if err != nil {
		return nil, err
	}
	el, err := resolveElement(ctx, tab, loc)
	if err != nil {
		return nil, err
	}
	registerRef(tab, loc, el)

	required := []actionability.Predicate{actionability.Visible}
	if _, err := env.Actionability.Ensure(ctx, tab.SessionID, el.ObjectID, required, false, 0); err != nil {
		return nil, err
	}

	x, y, err := elementCenter(ctx, env.Sessions, tab.SessionID, el.ObjectID)
	if err != nil {
		return nil, err
	}
	if err := env.Input.Hover(ctx, tab.SessionID, x, y); err != nil {
		return nil, err
	}
	return map[string]any{"role": el.Role, "name": el.AccessibleName}, nil
}

type dragParams struct {
	From   json.RawMessage `json:"from"`
	To     json.RawMessage `json:"to"`
	Method string          `json:"method"`
	Steps  int             `json:"steps"`
	Delay  int             `json:"delay"`
}

const isDraggableFunction = `
function () {
	return this.tagName.toLowerCase() === 'input' && this.getAttribute('type') === 'range'
		? 'range-input'
		: (this.draggable || this.getAttribute('draggable') === 'true' ? 'html5' : 'mouse');
}
`

const html5DragFunction = `
function (targetSelector) {
	const target = document.querySelector(targetSelector);
	if (!target) return false;
	const dt = new DataTransfer();
	const rectFrom = this.getBoundingClientRect();
	const rectTo = target.getBoundingClientRect();
	const at = (r) => ({clientX: r.left + r.width / 2, clientY: r.top + r.height / 2});
	const a = at(rectFrom), b = at(rectTo);
	const fire = (el, type, coords) => el.dispatchEvent(new DragEvent(type, {bubbles: true, cancelable: true, dataTransfer: dt, ...coords}));
	fire(this, 'dragstart', a);
	fire(this, 'drag', a);
	fire(target, 'dragenter', b);
	fire(target, 'dragover', b);
	fire(target, 'drop', b);
	fire(this, 'dragend', b);
	return true;
}
`

const rangeInputDragFunction = `
function (value) {
	if (this.tagName.toLowerCase() !== 'input' || this.getAttribute('type') !== 'range') return false;
	this.value = value;
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}
`

// dragStep drives a pointer drag from one locator to another using one of
// three strategies per §4.10: html5 DragEvents, a range-input value set, or
// a synthesized mouse-down/move/up sequence. "auto" (the default) picks
// range-input if the source is an <input type=range>, then html5 if it is
// draggable, else mouse.
func dragStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p dragParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	fromLoc, err := parseLocator(splitLocator(p.From))
	if err != nil {
		return nil, err
	}
	toLoc, err := parseLocator(splitLocator(p.To))
	if err != nil {
		return nil, err
	}

	fromEl, err := resolveElement(ctx, tab, fromLoc)
	if err != nil {
		return nil, err
	}
	toEl, err := resolveElement(ctx, tab, toLoc)
	if err != nil {
		return nil, err
	}
	registerRef(tab, fromLoc, fromEl)
	registerRef(tab, toLoc, toEl)

	method := p.Method
	if method == "" || method == "auto" {
		method, err = inferDragMethod(ctx, env.Sessions, tab.SessionID, fromEl.ObjectID)
		if err != nil {
			return nil, err
		}
	}

	switch method {
	case "html5":
		if toEl.Selector == "" {
			return nil, cdperr.New(cdperr.KindValidation, "drag: html5 method requires a selector-resolvable target")
		}
		var res callFunctionResult
		err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.callFunctionOn", struct {
			FunctionDeclaration string                 `json:"functionDeclaration"`
			ObjectID            runtime.RemoteObjectID `json:"objectId"`
			Arguments           []any                  `json:"arguments"`
			ReturnByValue       bool                   `json:"returnByValue"`
		}{FunctionDeclaration: html5DragFunction, ObjectID: fromEl.ObjectID, Arguments: []any{map[string]any{"value": toEl.Selector}}, ReturnByValue: true}, &res)
		if err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "drag: html5")
		}
		if res.ExceptionDetails != nil {
			return nil, cdperr.New(cdperr.KindExecution, "drag: html5: %s", res.ExceptionDetails.Text)
		}

	case "range-input":
		var res callFunctionResult
		err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.callFunctionOn", struct {
			FunctionDeclaration string                 `json:"functionDeclaration"`
			ObjectID            runtime.RemoteObjectID `json:"objectId"`
			Arguments           []any                  `json:"arguments"`
			ReturnByValue       bool                   `json:"returnByValue"`
		}{FunctionDeclaration: rangeInputDragFunction, ObjectID: fromEl.ObjectID, Arguments: []any{map[string]any{"value": toEl.AccessibleName}}, ReturnByValue: true}, &res)
		if err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "drag: range-input")
		}
		if res.ExceptionDetails != nil {
			return nil, cdperr.New(cdperr.KindExecution, "drag: range-input: %s", res.ExceptionDetails.Text)
		}

	case "mouse":
		x1, y1, err := elementCenter(ctx, env.Sessions, tab.SessionID, fromEl.ObjectID)
		if err != nil {
			return nil, err
		}
		x2, y2, err := elementCenter(ctx, env.Sessions, tab.SessionID, toEl.ObjectID)
		if err != nil {
			return nil, err
		}
		if err := env.Input.Drag(ctx, tab.SessionID, x1, y1, x2, y2, p.Steps); err != nil {
			return nil, err
		}

	default:
		return nil, cdperr.New(cdperr.KindValidation, "drag: unknown method %q", method)
	}

	return map[string]any{"dragged": true, "method": method, "source": fromEl.Role, "target": toEl.Role}, nil
}

func inferDragMethod(ctx context.Context, exec pageExecutor, sessionID target.SessionID, objectID runtime.RemoteObjectID) (string, error) {
	var res callFunctionResult
	err := exec.Execute(ctx, sessionID, "Runtime.callFunctionOn", callFunctionParams{
		FunctionDeclaration: isDraggableFunction,
		ObjectID:            objectID,
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return "", cdperr.Wrap(cdperr.KindExecution, err, "drag: infer method")
	}
	if res.ExceptionDetails != nil {
		return "", cdperr.New(cdperr.KindExecution, "drag: infer method: %s", res.ExceptionDetails.Text)
	}
	var method string
	if res.Result != nil && res.Result.Value != nil {
		_ = json.Unmarshal(res.Result.Value, &method)
	}
	if method == "" {
		method = "mouse"
	}
	return method, nil
}

const selectOptionFunction = `
function (value) {
	if (this.tagName.toLowerCase() !== 'select') return false;
	let matched = false;
	for (const opt of this.options) {
		if (opt.value === value || opt.textContent.trim() === value) {
			opt.selected = true;
			matched = true;
		} else if (!this.multiple) {
			opt.selected = false;
		}
	}
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
	return matched;
}
`

type selectOptionOutcome struct {
	Matched bool `json:"result"`
}

func selectOptionStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	raw := splitLocator(params)
	loc, err := parseLocator(raw)
	if err != nil {
		return nil, err
	}
	var p struct {
		Value string `json:"value"`
	}
	_ = decode(params, &p)

	el, err := resolveElement(ctx, tab, loc)
	if err != nil {
		return nil, err
	}
	registerRef(tab, loc, el)

	var res callFunctionResult
	err = env.Sessions.Execute(ctx, tab.SessionID, "Runtime.callFunctionOn", struct {
		FunctionDeclaration string `json:"functionDeclaration"`
		ObjectID             any   `json:"objectId"`
		Arguments            []any `json:"arguments"`
		ReturnByValue        bool  `json:"returnByValue"`
	}{
		FunctionDeclaration: selectOptionFunction,
		ObjectID:            el.ObjectID,
		Arguments:           []any{map[string]any{"value": p.Value}},
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "selectOption")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "selectOption: %s", res.ExceptionDetails.Text)
	}
	return map[string]any{"value": p.Value}, nil
}

type scrollParams struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

const scrollByFunction = `(dx, dy) => { window.scrollBy(dx, dy); return true; }`

func scrollStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p scrollParams
	_ = decode(params, &p)

	script := scrollByExpr(p.DX, p.DY)
	var res evalResult
	if err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.evaluate", evalParams{Expression: script, ReturnByValue: true}, &res); err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "scroll")
	}
	cctx, err := BuildContext(ctx, env.Sessions, tab.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"context": cctx}, nil
}

func scrollByExpr(dx, dy int) string {
	b, _ := json.Marshal([2]int{dx, dy})
	return "(() => { const a = " + string(b) + "; window.scrollBy(a[0], a[1]); return true; })()"
}

type uploadParams struct {
	Files []string `json:"files"`
}

func uploadStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	raw := splitLocator(params)
	loc, err := parseLocator(raw)
	if err != nil {
		return nil, err
	}
	var p uploadParams
	_ = decode(params, &p)
	if len(p.Files) == 0 {
		return nil, cdperr.New(cdperr.KindValidation, "upload requires at least one file")
	}

	el, err := resolveElement(ctx, tab, loc)
	if err != nil {
		return nil, err
	}
	registerRef(tab, loc, el)

	type setFileInputParams struct {
		Files    []string `json:"files"`
		ObjectID any      `json:"objectId"`
	}
	if err := env.Sessions.Execute(ctx, tab.SessionID, "DOM.setFileInputFiles", setFileInputParams{Files: p.Files, ObjectID: el.ObjectID}, nil); err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "upload")
	}
	return map[string]any{"files": p.Files}, nil
}

const selectTextFunction = `
function () {
	if (typeof this.select === 'function') { this.select(); return true; }
	const range = document.createRange();
	range.selectNodeContents(this);
	const sel = window.getSelection();
	sel.removeAllRanges();
	sel.addRange(range);
	return true;
}
`

func selectTextStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	raw := splitLocator(params)
	loc, err := parseLocator(raw)
	if err != nil {
		return nil, err
	}
	el, err := resolveElement(ctx, tab, loc)
	if err != nil {
		return nil, err
	}
	registerRef(tab, loc, el)

	var res callFunctionResult
	err = env.Sessions.Execute(ctx, tab.SessionID, "Runtime.callFunctionOn", callFunctionParams{
		FunctionDeclaration: selectTextFunction,
		ObjectID:            el.ObjectID,
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "selectText")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "selectText: %s", res.ExceptionDetails.Text)
	}
	return map[string]any{}, nil
}

const submitFunction = `
function () {
	const form = this.tagName.toLowerCase() === 'form' ? this : this.closest('form');
	if (!form) return {submitted: false, valid: false, errors: ['no enclosing form']};
	const valid = typeof form.checkValidity === 'function' ? form.checkValidity() : true;
	const errors = [];
	if (!valid && typeof form.querySelectorAll === 'function') {
		for (const field of form.querySelectorAll(':invalid')) {
			errors.push(field.name || field.id || field.tagName.toLowerCase());
		}
	}
	if (!valid) return {submitted: false, valid: false, errors};
	if (typeof form.requestSubmit === 'function') { form.requestSubmit(); } else { form.submit(); }
	return {submitted: true, valid: true, errors: []};
}
`

type submitOutcome struct {
	Submitted bool     `json:"submitted"`
	Valid     bool     `json:"valid"`
	Errors    []string `json:"errors"`
}

func submitStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	raw := splitLocator(params)
	loc, err := parseLocator(raw)
	if err != nil {
		return nil, err
	}
	el, err := resolveElement(ctx, tab, loc)
	if err != nil {
		return nil, err
	}
	registerRef(tab, loc, el)

	var res callFunctionResult
	err = env.Sessions.Execute(ctx, tab.SessionID, "Runtime.callFunctionOn", callFunctionParams{
		FunctionDeclaration: submitFunction,
		ObjectID:            el.ObjectID,
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "submit")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "submit: %s", res.ExceptionDetails.Text)
	}
	var out submitOutcome
	if res.Result != nil && res.Result.Value != nil {
		if err := json.Unmarshal(res.Result.Value, &out); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "decode submit result")
		}
	}
	return map[string]any{"submitted": out.Submitted, "valid": out.Valid, "errors": out.Errors}, nil
}
