// Package locator resolves the six locator shapes §4.6 defines (CSS
// selector, ref, text matcher, ARIA matcher, coordinates, multi-selector)
// to a remote object handle plus enough metadata to register a fallback
// ref. It is grounded on zhimaAi-ChatClaw's browser_snapshot.go: one
// Runtime.callFunctionOn call running a small library of DOM helpers,
// generalized from that file's single "find all interactive elements" pass
// to resolving one caller-specified locator at a time.
package locator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/jsassets"
)

// Kind discriminates which of the six locator shapes a Locator carries.
type Kind string

const (
	KindSelector Kind = "selector"
	KindRef      Kind = "ref"
	KindText     Kind = "text"
	KindARIA     Kind = "aria"
	KindPoint    Kind = "point"
	KindMulti    Kind = "multi"
)

// TextMatcher is locator shape 3.
type TextMatcher struct {
	Text          string `json:"text"`
	Exact         bool   `json:"exact,omitempty"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`
}

// ARIAMatcher is locator shape 4.
type ARIAMatcher struct {
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	NameExact bool   `json:"nameExact,omitempty"`
	NameRegex string `json:"nameRegex,omitempty"`
	Level     *int   `json:"level,omitempty"`
	Checked   *bool  `json:"checked,omitempty"`
	Disabled  *bool  `json:"disabled,omitempty"`
}

// Point is locator shape 5.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Locator is a tagged union over the six shapes §4.6 lists.
type Locator struct {
	Kind         Kind
	Selector     string
	Ref          string
	Text         *TextMatcher
	ARIA         *ARIAMatcher
	Point        *Point
	Selectors    []string // KindMulti: first-match wins
	SearchFrames bool     // retry across the known frames on a failed resolve
}

// Element is the resolved handle plus registration metadata (§4.6 output).
type Element struct {
	ObjectID       runtime.RemoteObjectID
	Role           string
	AccessibleName string
	Selector       string
}

// Executor is the narrow capability locator needs from a page controller.
type Executor interface {
	Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error
}

// Resolver resolves a Locator against a session, optionally searching
// frames. frameSwitcher lets the locator ask the page controller to switch
// into a matched iframe, per §4.6's "on first hit ... ask the Page
// Controller to switch frame context"; frames lists the candidate frame ids
// to retry in, in the order they are tried; as wired by steps it is the
// page controller's Frames(): main frame first, the rest in no defined
// order.
type Resolver struct {
	exec          Executor
	frameSwitcher func(ctx context.Context, frameID string) error
	frames        func() []string
}

// New builds a Resolver. frameSwitcher and frames may both be nil if frame
// search is not needed by the caller; a Locator with SearchFrames set is
// then resolved only in whatever frame is already current.
func New(exec Executor, frameSwitcher func(ctx context.Context, frameID string) error, frames func() []string) *Resolver {
	return &Resolver{exec: exec, frameSwitcher: frameSwitcher, frames: frames}
}

type callFunctionParams struct {
	FunctionDeclaration string                `json:"functionDeclaration"`
	ObjectID            string                `json:"objectId,omitempty"`
	Arguments           []runtime.CallArgument `json:"arguments,omitempty"`
	ReturnByValue       bool                  `json:"returnByValue"`
	AwaitPromise        bool                  `json:"awaitPromise"`
	ExecutionContextID  runtime.ExecutionContextID `json:"executionContextId,omitempty"`
}

type callFunctionResult struct {
	Result           *runtime.RemoteObject     `json:"result"`
	ExceptionDetails *runtime.ExceptionDetails `json:"exceptionDetails,omitempty"`
}

type evalParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
}

type jsElementMeta struct {
	Found    bool   `json:"found"`
	Selector string `json:"selector"`
	Role     string `json:"role"`
	Name     string `json:"name"`
}

// Resolve dispatches loc to the matching resolution strategy and returns a
// bound element. SessionID addresses which tab/frame session to evaluate
// in; resolveRef is used for KindRef and supplied by the caller (the ref
// resolver, §4.12) since ref staleness handling lives there.
//
// When loc.SearchFrames is set and the first attempt (in whatever frame is
// already current) comes up empty, Resolve walks the candidate frames r
// reports in the order frames returns them, switching into each via frameSwitcher and
// retrying, stopping at the first hit (§4.6). The resolver is left switched
// into whichever frame produced the match; if none did, it is left in the
// last frame tried.
func (r *Resolver) Resolve(ctx context.Context, sessionID target.SessionID, loc Locator, resolveRef func(string) (string, error)) (*Element, error) {
	el, err := r.resolveOnce(ctx, sessionID, loc, resolveRef)
	if err == nil || !loc.SearchFrames || cdperr.KindOf(err) != cdperr.KindNotFound {
		return el, err
	}
	if r.frames == nil || r.frameSwitcher == nil {
		return el, err
	}

	lastErr := err
	for _, frameID := range r.frames() {
		if switchErr := r.frameSwitcher(ctx, frameID); switchErr != nil {
			lastErr = switchErr
			continue
		}
		el, err := r.resolveOnce(ctx, sessionID, loc, resolveRef)
		if err == nil {
			return el, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *Resolver) resolveOnce(ctx context.Context, sessionID target.SessionID, loc Locator, resolveRef func(string) (string, error)) (*Element, error) {
	switch loc.Kind {
	case KindSelector:
		return r.resolveSelector(ctx, sessionID, loc.Selector)
	case KindRef:
		if resolveRef == nil {
			return nil, cdperr.New(cdperr.KindValidation, "ref locator requires a ref resolver")
		}
		selector, err := resolveRef(loc.Ref)
		if err != nil {
			return nil, err
		}
		return r.resolveSelector(ctx, sessionID, selector)
	case KindText:
		return r.resolveText(ctx, sessionID, *loc.Text)
	case KindARIA:
		return r.resolveARIA(ctx, sessionID, *loc.ARIA)
	case KindPoint:
		return r.resolvePoint(ctx, sessionID, *loc.Point)
	case KindMulti:
		return r.resolveMulti(ctx, sessionID, loc.Selectors)
	default:
		return nil, cdperr.New(cdperr.KindValidation, "unknown locator kind %q", loc.Kind)
	}
}

func (r *Resolver) resolveSelector(ctx context.Context, sessionID target.SessionID, selector string) (*Element, error) {
	script := jsassets.AccessibleName + jsassets.InferRole + fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return {found:false};
		return {found:true, selector:%s, role:inferRole(el), name:accessibleName(el)};
	})()`, jsString(selector), jsString(selector))

	meta, err := r.evalMeta(ctx, sessionID, script)
	if err != nil {
		return nil, err
	}
	if !meta.Found {
		return nil, cdperr.New(cdperr.KindNotFound, "no element matches selector %q", selector)
	}

	objID, err := r.resolveObjectID(ctx, sessionID, fmt.Sprintf("document.querySelector(%s)", jsString(selector)))
	if err != nil {
		return nil, err
	}
	return &Element{ObjectID: objID, Role: meta.Role, AccessibleName: meta.Name, Selector: selector}, nil
}

func (r *Resolver) resolveText(ctx context.Context, sessionID target.SessionID, m TextMatcher) (*Element, error) {
	cmp := "includes(needle)"
	if m.Exact {
		cmp = "=== needle"
	}
	caseFold := ""
	if !m.CaseSensitive {
		caseFold = ".toLowerCase()"
	}
	script := jsassets.AccessibleName + jsassets.InferRole + fmt.Sprintf(`(() => {
		const needle = (%s)%s;
		const candidates = document.querySelectorAll('a, button, input, select, textarea, [role], label, li, td, th, span, p, h1, h2, h3, h4, h5, h6');
		for (const el of candidates) {
			const text = (el.innerText || el.textContent || '').trim()%s;
			if (text %s) {
				return {found:true, selector:null, role:inferRole(el), name:accessibleName(el), __matchedIndex: Array.prototype.indexOf.call(candidates, el)};
			}
		}
		return {found:false};
	})()`, jsString(m.Text), caseFold, caseFold, cmp)

	meta, err := r.evalMeta(ctx, sessionID, script)
	if err != nil {
		return nil, err
	}
	if !meta.Found {
		return nil, cdperr.New(cdperr.KindNotFound, "no element matches text %q", m.Text)
	}

	// Re-resolve to an object id with the same matching walk, since eval
	// results can't carry remote object ids through returnByValue.
	findExpr := fmt.Sprintf(`(() => {
		const needle = (%s)%s;
		const candidates = document.querySelectorAll('a, button, input, select, textarea, [role], label, li, td, th, span, p, h1, h2, h3, h4, h5, h6');
		for (const el of candidates) {
			const text = (el.innerText || el.textContent || '').trim()%s;
			if (text %s) return el;
		}
		return null;
	})()`, jsString(m.Text), caseFold, caseFold, cmp)

	objID, err := r.resolveObjectID(ctx, sessionID, findExpr)
	if err != nil {
		return nil, err
	}
	return &Element{ObjectID: objID, Role: meta.Role, AccessibleName: meta.Name}, nil
}

func (r *Resolver) resolveARIA(ctx context.Context, sessionID target.SessionID, m ARIAMatcher) (*Element, error) {
	selector, ok := ariaRoleSelector(m.Role)
	if !ok {
		selector = fmt.Sprintf(`[role=%s]`, jsString(m.Role))
	}

	nameFilter := "true"
	if m.Name != "" {
		if m.NameExact {
			nameFilter = fmt.Sprintf("accessibleName(el) === %s", jsString(m.Name))
		} else {
			nameFilter = fmt.Sprintf("accessibleName(el).toLowerCase().includes(%s)", jsString(lower(m.Name)))
		}
	}
	if m.NameRegex != "" {
		nameFilter = fmt.Sprintf("new RegExp(%s).test(accessibleName(el))", jsString(m.NameRegex))
	}

	checkedFilter := "true"
	if m.Checked != nil {
		checkedFilter = fmt.Sprintf("(!!el.checked) === %t", *m.Checked)
	}
	disabledFilter := "true"
	if m.Disabled != nil {
		disabledFilter = fmt.Sprintf("(!!el.disabled) === %t", *m.Disabled)
	}

	script := jsassets.AccessibleName + jsassets.InferRole + fmt.Sprintf(`(() => {
		const candidates = document.querySelectorAll(%s);
		for (const el of candidates) {
			if (inferRole(el) !== %s) continue;
			if (!(%s)) continue;
			if (!(%s)) continue;
			if (!(%s)) continue;
			return {found:true, role:inferRole(el), name:accessibleName(el)};
		}
		return {found:false};
	})()`, jsString(selector), jsString(m.Role), nameFilter, checkedFilter, disabledFilter)

	meta, err := r.evalMeta(ctx, sessionID, script)
	if err != nil {
		return nil, err
	}
	if !meta.Found {
		return nil, cdperr.New(cdperr.KindNotFound, "no element matches ARIA role %q name %q", m.Role, m.Name)
	}

	findExpr := jsassets.AccessibleName + jsassets.InferRole + fmt.Sprintf(`(() => {
		const candidates = document.querySelectorAll(%s);
		for (const el of candidates) {
			if (inferRole(el) !== %s) continue;
			if (!(%s)) continue;
			if (!(%s)) continue;
			if (!(%s)) continue;
			return el;
		}
		return null;
	})()`, jsString(selector), jsString(m.Role), nameFilter, checkedFilter, disabledFilter)

	objID, err := r.resolveObjectID(ctx, sessionID, findExpr)
	if err != nil {
		return nil, err
	}
	return &Element{ObjectID: objID, Role: meta.Role, AccessibleName: meta.Name}, nil
}

func (r *Resolver) resolvePoint(ctx context.Context, sessionID target.SessionID, p Point) (*Element, error) {
	script := jsassets.AccessibleName + jsassets.InferRole + fmt.Sprintf(`(() => {
		const el = document.elementFromPoint(%f, %f);
		if (!el) return {found:false};
		return {found:true, role:inferRole(el), name:accessibleName(el)};
	})()`, p.X, p.Y)

	meta, err := r.evalMeta(ctx, sessionID, script)
	if err != nil {
		return nil, err
	}
	if !meta.Found {
		return nil, cdperr.New(cdperr.KindNotFound, "no element at point (%g, %g)", p.X, p.Y)
	}

	objID, err := r.resolveObjectID(ctx, sessionID, fmt.Sprintf("document.elementFromPoint(%f, %f)", p.X, p.Y))
	if err != nil {
		return nil, err
	}
	return &Element{ObjectID: objID, Role: meta.Role, AccessibleName: meta.Name}, nil
}

func (r *Resolver) resolveMulti(ctx context.Context, sessionID target.SessionID, selectors []string) (*Element, error) {
	var lastErr error
	for _, sel := range selectors {
		el, err := r.resolveSelector(ctx, sessionID, sel)
		if err == nil {
			return el, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = cdperr.New(cdperr.KindValidation, "multi-selector locator had no candidates")
	}
	return nil, lastErr
}

func (r *Resolver) evalMeta(ctx context.Context, sessionID target.SessionID, script string) (*jsElementMeta, error) {
	var res callFunctionResult
	err := r.exec.Execute(ctx, sessionID, "Runtime.evaluate", evalParams{Expression: script, ReturnByValue: true}, &res)
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "evaluate locator script")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "locator script: %s", res.ExceptionDetails.Text)
	}
	var meta jsElementMeta
	if res.Result != nil && res.Result.Value != nil {
		if err := json.Unmarshal(res.Result.Value, &meta); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "decode locator result")
		}
	}
	return &meta, nil
}

func (r *Resolver) resolveObjectID(ctx context.Context, sessionID target.SessionID, expr string) (runtime.RemoteObjectID, error) {
	var res callFunctionResult
	err := r.exec.Execute(ctx, sessionID, "Runtime.evaluate", evalParams{Expression: expr}, &res)
	if err != nil {
		return "", cdperr.Wrap(cdperr.KindExecution, err, "evaluate locator handle")
	}
	if res.ExceptionDetails != nil {
		return "", cdperr.New(cdperr.KindExecution, "locator handle: %s", res.ExceptionDetails.Text)
	}
	if res.Result == nil || res.Result.ObjectID == "" {
		return "", cdperr.New(cdperr.KindNotFound, "locator did not resolve to an element")
	}
	return res.Result.ObjectID, nil
}

func ariaRoleSelector(role string) (string, bool) {
	table := map[string]string{
		"button":    "button, input[type=button], input[type=submit], input[type=reset], [role=button]",
		"link":      "a[href], [role=link]",
		"textbox":   "input:not([type]), input[type=text], input[type=email], input[type=password], input[type=search], input[type=tel], input[type=url], textarea, [role=textbox]",
		"checkbox":  "input[type=checkbox], [role=checkbox]",
		"radio":     "input[type=radio], [role=radio]",
		"combobox":  "select, [role=combobox]",
		"searchbox": "input[type=search], [role=searchbox]",
		"heading":   "h1, h2, h3, h4, h5, h6, [role=heading]",
	}
	sel, ok := table[role]
	return sel, ok
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
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
