package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/jsassets"
)

func init() {
	register("query", queryStep)
	register("queryAll", queryAllStep)
	register("get", getStep)
	register("inspect", inspectStep)
	register("extract", extractStep)
	register("elementsAt", elementsAtStep)
	register("refAt", elementsAtStep)
	register("elementsNear", elementsNearStep)
}

type queryMatch struct {
	Ref  string `json:"ref"`
	Role string `json:"role"`
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

type queryOutcome struct {
	Matches []queryMatch `json:"matches"`
}

const queryAllFunction = jsassets.AccessibleName + jsassets.InferRole + `
(() => {
	const selector = %s;
	const roleWant = %s;
	const nameWant = %s;
	const candidates = selector ? Array.from(document.querySelectorAll(selector)) : Array.from(document.querySelectorAll('*'));
	const matches = [];
	let n = 0;
	for (const el of candidates) {
		const role = inferRole(el);
		if (roleWant && role !== roleWant) continue;
		const name = accessibleName(el);
		if (nameWant && !name.toLowerCase().includes(nameWant.toLowerCase())) continue;
		n += 1;
		const ref = 'query' + n;
		el.setAttribute('data-cdpstep-ref', ref);
		matches.push({ref, role, name, tag: el.tagName.toLowerCase()});
	}
	return {matches};
})()
`

type queryParams struct {
	Selector string `json:"selector"`
	Role     string `json:"role"`
	Name     string `json:"name"`
}

func parseQueryParams(raw json.RawMessage) (queryParams, error) {
	var p queryParams
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		p.Selector = asString
		return p, nil
	}
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	return p, nil
}

func runQuery(ctx context.Context, env *Env, tab *Tab, p queryParams) (*queryOutcome, error) {
	script := fmt.Sprintf(queryAllFunction, jsStringLit(p.Selector), jsStringLit(p.Role), jsStringLit(p.Name))
	var res evalResult
	if err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.evaluate", evalParams{Expression: script, ReturnByValue: true}, &res); err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "query")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "query: %s", res.ExceptionDetails.Text)
	}
	var out queryOutcome
	if res.Result != nil && res.Result.Value != nil {
		if err := json.Unmarshal(res.Result.Value, &out); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "decode query result")
		}
	}
	return &out, nil
}

// queryStep returns the first element matching a selector or {role,name},
// the single-result counterpart to queryAll (§4.10).
func queryStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	p, err := parseQueryParams(params)
	if err != nil {
		return nil, err
	}
	out, err := runQuery(ctx, env, tab, p)
	if err != nil {
		return nil, err
	}
	if len(out.Matches) == 0 {
		return map[string]any{"matches": []queryMatch{}}, nil
	}
	return map[string]any{"matches": out.Matches[:1]}, nil
}

func queryAllStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	p, err := parseQueryParams(params)
	if err != nil {
		return nil, err
	}
	out, err := runQuery(ctx, env, tab, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"matches": out.Matches}, nil
}

type getParams struct {
	Mode string `json:"mode"`
}

const getModeFunction = `
function (mode) {
	switch (mode) {
		case 'html': return this.outerHTML;
		case 'value': return this.value !== undefined ? String(this.value) : '';
		case 'box': {
			const r = this.getBoundingClientRect();
			return JSON.stringify({x: r.x, y: r.y, width: r.width, height: r.height});
		}
		case 'attributes': {
			const attrs = {};
			for (const a of this.attributes) attrs[a.name] = a.value;
			return JSON.stringify(attrs);
		}
		default: return (this.innerText || this.textContent || '').trim();
	}
}
`

// getStep reads one property of a resolved element: text (default), html,
// value, box, or attributes (§4.10).
func getStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	raw := splitLocator(params)
	loc, err := parseLocator(raw)
	if err != nil {
		return nil, err
	}
	var p getParams
	_ = decode(params, &p)
	if p.Mode == "" {
		p.Mode = "text"
	}

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
	}{FunctionDeclaration: getModeFunction, ObjectID: el.ObjectID, Arguments: []any{map[string]any{"value": p.Mode}}, ReturnByValue: true}, &res)
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "get")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "get: %s", res.ExceptionDetails.Text)
	}
	var value string
	if res.Result != nil && res.Result.Value != nil {
		_ = json.Unmarshal(res.Result.Value, &value)
	}
	switch p.Mode {
	case "box", "attributes":
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			return map[string]any{p.Mode: decoded}, nil
		}
	}
	return map[string]any{p.Mode: value}, nil
}

type inspectParams struct {
	Selectors []string `json:"selectors"`
}

const inspectCountFunction = `(() => document.querySelectorAll(%s).length)()`

// inspectStep counts matches for each of a (default common) set of
// selectors, a quick census used to sanity-check page shape before
// locating specific elements (§4.10).
func inspectStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p inspectParams
	_ = decode(params, &p)
	if len(p.Selectors) == 0 {
		p.Selectors = []string{"a", "button", "input", "select", "textarea", "form", "[role]", "img"}
	}

	counts := map[string]int{}
	for _, sel := range p.Selectors {
		script := fmt.Sprintf(inspectCountFunction, jsStringLit(sel))
		var res evalResult
		if err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.evaluate", evalParams{Expression: script, ReturnByValue: true}, &res); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "inspect")
		}
		if res.ExceptionDetails != nil {
			return nil, cdperr.New(cdperr.KindExecution, "inspect: %s", res.ExceptionDetails.Text)
		}
		var n int
		if res.Result != nil && res.Result.Value != nil {
			_ = json.Unmarshal(res.Result.Value, &n)
		}
		counts[sel] = n
	}
	return map[string]any{"counts": counts}, nil
}

type extractParams struct {
	Type string `json:"type"`
}

const extractHTMLFunction = `function () { return this.outerHTML; }`

// extractStep captures the resolved element's HTML, parses it with
// goquery, and reduces it to a table (rows of cell text) or list (item
// text) structure, reusing the teacher's HTML-to-struct parsing approach
// rather than round-tripping the whole extraction through Runtime.evaluate.
func extractStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	raw := splitLocator(params)
	loc, err := parseLocator(raw)
	if err != nil {
		return nil, err
	}
	var p extractParams
	_ = decode(params, &p)
	if p.Type == "" {
		p.Type = "text"
	}

	el, err := resolveElement(ctx, tab, loc)
	if err != nil {
		return nil, err
	}
	registerRef(tab, loc, el)

	var res callFunctionResult
	err = env.Sessions.Execute(ctx, tab.SessionID, "Runtime.callFunctionOn", callFunctionParams{
		FunctionDeclaration: extractHTMLFunction,
		ObjectID:            el.ObjectID,
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "extract")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "extract: %s", res.ExceptionDetails.Text)
	}
	var html string
	if res.Result != nil && res.Result.Value != nil {
		_ = json.Unmarshal(res.Result.Value, &html)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "extract: parse fragment")
	}

	switch p.Type {
	case "table":
		var rows [][]string
		doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			tr.Find("td, th").Each(func(_ int, td *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(td.Text()))
			})
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
		})
		return map[string]any{"table": rows}, nil
	case "list":
		var items []string
		doc.Find("li").Each(func(_ int, li *goquery.Selection) {
			items = append(items, strings.TrimSpace(li.Text()))
		})
		if len(items) == 0 {
			doc.Find("*").Each(func(_ int, s *goquery.Selection) {
				if s.Children().Length() == 0 {
					items = append(items, strings.TrimSpace(s.Text()))
				}
			})
		}
		return map[string]any{"list": items}, nil
	default:
		return map[string]any{"text": strings.TrimSpace(doc.Text())}, nil
	}
}

type elementsAtParams struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

const elementAtFunction = jsassets.AccessibleName + jsassets.InferRole + `
(() => {
	const el = document.elementFromPoint(%f, %f);
	if (!el) return {found: false};
	const ref = 'point' + Date.now();
	el.setAttribute('data-cdpstep-ref', ref);
	return {found: true, ref, role: inferRole(el), name: accessibleName(el), tag: el.tagName.toLowerCase()};
})()
`

// elementsAtStep (aliased as refAt) resolves the element at a viewport
// point and assigns it a ref, the coordinate-to-ref bridge ref-based
// locators need after a click/hover reports a point (§4.10).
func elementsAtStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p elementsAtParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	script := fmt.Sprintf(elementAtFunction, p.X, p.Y)
	var res evalResult
	if err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.evaluate", evalParams{Expression: script, ReturnByValue: true}, &res); err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "elementsAt")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "elementsAt: %s", res.ExceptionDetails.Text)
	}
	var out queryMatch
	var found struct {
		Found bool `json:"found"`
	}
	if res.Result != nil && res.Result.Value != nil {
		_ = json.Unmarshal(res.Result.Value, &found)
		_ = json.Unmarshal(res.Result.Value, &out)
	}
	if !found.Found {
		return nil, cdperr.New(cdperr.KindNotFound, "no element at (%g, %g)", p.X, p.Y)
	}
	return map[string]any{"ref": out.Ref, "role": out.Role, "name": out.Name, "tag": out.Tag}, nil
}

type elementsNearParams struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
}

const elementsNearFunction = jsassets.AccessibleName + jsassets.InferRole + `
(() => {
	const cx = %f, cy = %f, radius = %f;
	const candidates = document.querySelectorAll('a, button, input, select, textarea, [role]');
	const matches = [];
	let n = 0;
	for (const el of candidates) {
		const r = el.getBoundingClientRect();
		const ex = r.left + r.width / 2, ey = r.top + r.height / 2;
		const dist = Math.hypot(ex - cx, ey - cy);
		if (dist <= radius) {
			n += 1;
			const ref = 'near' + n;
			el.setAttribute('data-cdpstep-ref', ref);
			matches.push({ref, role: inferRole(el), name: accessibleName(el), tag: el.tagName.toLowerCase()});
		}
	}
	return {matches};
})()
`

// elementsNearStep lists interactive elements within radius pixels of a
// point, in no particular order (§4.10).
func elementsNearStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p elementsNearParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Radius <= 0 {
		p.Radius = 50
	}
	script := fmt.Sprintf(elementsNearFunction, p.X, p.Y, p.Radius)
	var res evalResult
	if err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.evaluate", evalParams{Expression: script, ReturnByValue: true}, &res); err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "elementsNear")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "elementsNear: %s", res.ExceptionDetails.Text)
	}
	var out queryOutcome
	if res.Result != nil && res.Result.Value != nil {
		if err := json.Unmarshal(res.Result.Value, &out); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "decode elementsNear result")
		}
	}
	return map[string]any{"matches": out.Matches}, nil
}

func jsStringLit(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
