package steps

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/config"
	"github.com/cdpstep/cdpstep/console"
	"github.com/cdpstep/cdpstep/page"
	"github.com/cdpstep/cdpstep/wait"
)

func init() {
	register("wait", waitStep)
	register("sleep", sleepStep)
	register("poll", pollStep)
	register("frame", frameStep)
	register("viewport", viewportStep)
	register("cookies", cookiesStep)
	register("console", consoleStep)
	register("eval", evalStep)
	register("pageFunction", evalStep)
	register("pdf", pdfStep)
	register("assert", assertStep)
	register("readSiteProfile", readSiteProfileStep)
	register("writeSiteProfile", writeSiteProfileStep)
}

type waitParams struct {
	Selector    string `json:"selector"`
	Text        string `json:"text"`
	Exact       bool   `json:"exact"`
	Regex       string `json:"regex"`
	URLContains string `json:"urlContains"`
	MS          int    `json:"ms"`
	TimeoutMS   int    `json:"timeout"`
	Visible     bool   `json:"visible"`
}

// waitStep blocks on whichever single condition its params name: a
// selector appearing, text appearing, a URL regex matching, a URL
// substring appearing, or a fixed delay (§4.10).
func waitStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p waitParams
	_ = decode(params, &p)

	timeout := config.DefaultTimeout
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}

	switch {
	case p.Selector != "":
		return nil, wait.WaitForSelector(ctx, env.Sessions, tab.SessionID, p.Selector, p.Visible, wait.Options{Timeout: timeout})
	case p.Text != "":
		return nil, wait.WaitForText(ctx, env.Sessions, tab.SessionID, p.Text, p.Exact, true, wait.Options{Timeout: timeout})
	case p.Regex != "":
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, cdperr.New(cdperr.KindValidation, "wait: invalid regex %q: %v", p.Regex, err)
		}
		message := fmt.Sprintf("url to match %q", p.Regex)
		return nil, pollUntil(ctx, timeout, 200*time.Millisecond, message, func() (bool, error) {
			u, err := currentURL(ctx, env, tab)
			if err != nil {
				return false, err
			}
			return re.MatchString(u), nil
		})
	case p.URLContains != "":
		message := fmt.Sprintf("url to contain %q", p.URLContains)
		return nil, pollUntil(ctx, timeout, 200*time.Millisecond, message, func() (bool, error) {
			u, err := currentURL(ctx, env, tab)
			if err != nil {
				return false, err
			}
			return strings.Contains(u, p.URLContains), nil
		})
	case p.MS > 0:
		return nil, sleep(ctx, p.MS)
	default:
		return nil, cdperr.New(cdperr.KindValidation, "wait requires selector, text, regex, urlContains, or ms")
	}
}

type sleepParams struct {
	MS int `json:"ms"`
}

func sleepStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p sleepParams
	if err := json.Unmarshal(params, &p.MS); err != nil {
		_ = decode(params, &p)
	}
	return nil, sleep(ctx, p.MS)
}

func sleep(ctx context.Context, ms int) error {
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return cdperr.Wrap(cdperr.KindTimeout, ctx.Err(), "sleep")
	case <-t.C:
		return nil
	}
}

// pollUntil polls check until it returns true, an error, or timeout
// elapses; a local helper since wait.WaitForFunction only polls a browser
// expression, not an arbitrary Go predicate.
func pollUntil(ctx context.Context, timeout, interval time.Duration, message string, check func() (bool, error)) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-tctx.Done():
			return cdperr.Wrap(cdperr.KindTimeout, tctx.Err(), "%s", message)
		case <-ticker.C:
		}
	}
}

type pollParams struct {
	Predicate string `json:"predicate"`
	Interval  int    `json:"interval"`
	TimeoutMS int    `json:"timeout"`
}

type pollOutcome struct {
	Resolved  bool `json:"resolved"`
	Value     any  `json:"value,omitempty"`
	LastValue any  `json:"lastValue,omitempty"`
	ElapsedMS int  `json:"elapsed"`
}

// pollStep repeatedly evaluates a JS predicate expression, returning its
// resolved value on success or its last value on timeout rather than
// failing the step outright (§4.10).
func pollStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p pollParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Predicate == "" {
		return nil, cdperr.New(cdperr.KindValidation, "poll requires a predicate")
	}
	interval := time.Duration(p.Interval) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	timeout := config.DefaultTimeout
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}

	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastValue any
	for {
		var res evalResult
		err := env.Sessions.Execute(tctx, tab.SessionID, "Runtime.evaluate", evalParams{Expression: p.Predicate, ReturnByValue: true}, &res)
		if err == nil && res.ExceptionDetails == nil && res.Result != nil && res.Result.Value != nil {
			var v any
			_ = json.Unmarshal(res.Result.Value, &v)
			lastValue = v
			if truthyValue(v) {
				return pollOutcome{Resolved: true, Value: v, ElapsedMS: int(time.Since(start).Milliseconds())}, nil
			}
		}
		select {
		case <-tctx.Done():
			return pollOutcome{Resolved: false, LastValue: lastValue, ElapsedMS: int(time.Since(start).Milliseconds())}, nil
		case <-ticker.C:
		}
	}
}

func truthyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

type frameParams struct {
	Selector string `json:"selector"`
	Index    *int   `json:"index"`
	Name     string `json:"name"`
	Top      bool   `json:"top"`
	List     bool   `json:"list"`
}

// frameStep switches the tab's locator/eval target to a named, indexed, or
// selector-resolved iframe, lists every known frame, or returns to the top
// frame (§4.10).
func frameStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p frameParams
	var asString string
	if err := json.Unmarshal(params, &asString); err == nil {
		p.Selector = asString
	} else {
		_ = decode(params, &p)
	}

	if p.List {
		return map[string]any{"frames": tab.Page.Frames()}, nil
	}
	if p.Top {
		if err := tab.Page.SwitchToFrame(ctx, page.FrameSelector{FrameID: tab.Page.MainFrameID()}); err != nil {
			return nil, err
		}
		info, _ := tab.Page.FrameByID(tab.Page.MainFrameID())
		return map[string]any{"frame": info}, nil
	}

	var sel page.FrameSelector
	switch {
	case p.Selector != "":
		frameID, err := frameIDBySelector(ctx, env, tab, p.Selector)
		if err != nil {
			return nil, err
		}
		sel = page.FrameSelector{FrameID: frameID}
	case p.Index != nil:
		sel = page.FrameSelector{Index: p.Index}
	case p.Name != "":
		sel = page.FrameSelector{Name: p.Name}
	default:
		return nil, cdperr.New(cdperr.KindValidation, "frame requires a selector, index, name, top, or list")
	}

	if err := tab.Page.SwitchToFrame(ctx, sel); err != nil {
		return nil, err
	}
	info, _ := tab.Page.FrameByID(tab.Page.CurrentFrameID())
	return map[string]any{"frame": info}, nil
}

// frameIDBySelector resolves selector to an iframe element, then uses
// DOM.describeNode's reported frameId, the same technique chromedp's own
// FromNode action relies on since JS execution contexts cannot see their
// owning frame's protocol id directly.
func frameIDBySelector(ctx context.Context, env *Env, tab *Tab, selector string) (cdp.FrameID, error) {
	script := fmt.Sprintf(`document.querySelector(%s)`, jsStringLit(selector))
	var evalRes evalResult
	if err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.evaluate", evalParams{Expression: script}, &evalRes); err != nil {
		return "", cdperr.Wrap(cdperr.KindExecution, err, "frame: resolve selector")
	}
	if evalRes.ExceptionDetails != nil {
		return "", cdperr.New(cdperr.KindExecution, "frame: resolve selector: %s", evalRes.ExceptionDetails.Text)
	}
	if evalRes.Result == nil || evalRes.Result.ObjectID == "" {
		return "", cdperr.New(cdperr.KindNotFound, "frame: no element matches %q", selector)
	}

	var describeRes struct {
		Node *cdp.Node `json:"node"`
	}
	err := env.Sessions.Execute(ctx, tab.SessionID, "DOM.describeNode", struct {
		ObjectID runtime.RemoteObjectID `json:"objectId"`
	}{ObjectID: evalRes.Result.ObjectID}, &describeRes)
	if err != nil {
		return "", cdperr.Wrap(cdperr.KindExecution, err, "frame: describe node")
	}
	if describeRes.Node == nil || describeRes.Node.FrameID == "" {
		return "", cdperr.New(cdperr.KindNotFound, "frame: %q is not a frame-owning element", selector)
	}
	return describeRes.Node.FrameID, nil
}

type viewportParams struct {
	Preset string `json:"preset"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Mobile bool   `json:"mobile"`
}

var viewportPresets = map[string][2]int{
	"mobile":  {375, 667},
	"tablet":  {768, 1024},
	"desktop": {1280, 800},
}

type setDeviceMetricsParams struct {
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor"`
	Mobile            bool    `json:"mobile"`
}

// viewportStep resizes the tab's viewport via Emulation.setDeviceMetricsOverride,
// accepting either a named preset or explicit dimensions (§4.10).
func viewportStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p viewportParams
	_ = decode(params, &p)

	width, height := p.Width, p.Height
	if p.Preset != "" {
		dims, ok := viewportPresets[p.Preset]
		if !ok {
			return nil, cdperr.New(cdperr.KindValidation, "viewport: unknown preset %q", p.Preset)
		}
		width, height = dims[0], dims[1]
	}
	if width <= 0 || height <= 0 {
		return nil, cdperr.New(cdperr.KindValidation, "viewport requires a preset or width/height")
	}

	err := env.Sessions.Execute(ctx, tab.SessionID, "Emulation.setDeviceMetricsOverride", setDeviceMetricsParams{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            p.Mobile,
	}, nil)
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "viewport")
	}
	return map[string]any{"width": width, "height": height}, nil
}

type cookiesParams struct {
	Op     string `json:"op"`
	Name   string `json:"name"`
	Value  string `json:"value"`
	URL    string `json:"url"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

type cdpCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// cookiesStep drives Network.getCookies/setCookie/deleteCookies/clearBrowserCookies,
// one operation per call as named by op (§4.10).
func cookiesStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p cookiesParams
	_ = decode(params, &p)
	if p.Op == "" {
		p.Op = "get"
	}

	switch p.Op {
	case "get":
		var res struct {
			Cookies []cdpCookie `json:"cookies"`
		}
		if err := env.Sessions.Execute(ctx, tab.SessionID, "Network.getCookies", struct{}{}, &res); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "cookies: get")
		}
		return map[string]any{"cookies": res.Cookies}, nil

	case "set":
		if p.Name == "" {
			return nil, cdperr.New(cdperr.KindValidation, "cookies: set requires a name")
		}
		u := p.URL
		if u == "" {
			u, _ = currentURL(ctx, env, tab)
		}
		type setCookieParams struct {
			Name   string `json:"name"`
			Value  string `json:"value"`
			URL    string `json:"url,omitempty"`
			Domain string `json:"domain,omitempty"`
			Path   string `json:"path,omitempty"`
		}
		var res struct {
			Success bool `json:"success"`
		}
		if err := env.Sessions.Execute(ctx, tab.SessionID, "Network.setCookie", setCookieParams{Name: p.Name, Value: p.Value, URL: u, Domain: p.Domain, Path: p.Path}, &res); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "cookies: set")
		}
		return map[string]any{"set": res.Success}, nil

	case "delete":
		if p.Name == "" {
			return nil, cdperr.New(cdperr.KindValidation, "cookies: delete requires a name")
		}
		type deleteCookiesParams struct {
			Name   string `json:"name"`
			URL    string `json:"url,omitempty"`
			Domain string `json:"domain,omitempty"`
			Path   string `json:"path,omitempty"`
		}
		if err := env.Sessions.Execute(ctx, tab.SessionID, "Network.deleteCookies", deleteCookiesParams{Name: p.Name, URL: p.URL, Domain: p.Domain, Path: p.Path}, nil); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "cookies: delete")
		}
		return map[string]any{"deleted": p.Name}, nil

	case "clear":
		if err := env.Sessions.Execute(ctx, tab.SessionID, "Network.clearBrowserCookies", struct{}{}, nil); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "cookies: clear")
		}
		return map[string]any{"cleared": true}, nil

	default:
		return nil, cdperr.New(cdperr.KindValidation, "cookies: unknown op %q", p.Op)
	}
}

type consoleParams struct {
	Level string `json:"level"`
	Since int    `json:"since"`
}

// consoleStep returns console/exception messages captured since tab's last
// read, optionally filtered to one level (§4.10).
func consoleStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p consoleParams
	_ = decode(params, &p)

	var msgs []console.Message
	if p.Since > 0 {
		msgs, _ = tab.Console.Since(p.Since)
	} else {
		msgs = tab.ConsoleSince()
	}
	if p.Level != "" {
		filtered := msgs[:0]
		for _, m := range msgs {
			if m.Level == p.Level {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	return map[string]any{"messages": msgs}, nil
}

type evalParamsStep struct {
	Expression string `json:"expression"`
	Fn         string `json:"fn"`
}

// evalStep (also registered as pageFunction) evaluates arbitrary JS in the
// tab's current frame and returns its JSON value (§4.10).
func evalStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p evalParamsStep
	if err := json.Unmarshal(params, &p.Expression); err != nil {
		_ = decode(params, &p)
	}
	expr := p.Expression
	if expr == "" {
		expr = p.Fn
	}
	if expr == "" {
		return nil, cdperr.New(cdperr.KindValidation, "eval requires an expression or fn")
	}

	obj, err := tab.Page.EvaluateInFrame(ctx, expr)
	if err != nil {
		return nil, err
	}
	var v any
	if obj != nil && obj.Value != nil {
		if err := json.Unmarshal(obj.Value, &v); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "decode eval result")
		}
	}
	return map[string]any{"value": v}, nil
}

type pdfParams struct {
	Path      string `json:"path"`
	Landscape bool   `json:"landscape"`
}

type printToPDFParams struct {
	Landscape bool `json:"landscape"`
}

type printToPDFResult struct {
	Data string `json:"data"`
}

// pdfStep renders the page to a PDF via Page.printToPDF and writes it to
// disk (§4.10).
func pdfStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p pdfParams
	_ = decode(params, &p)

	var res printToPDFResult
	if err := env.Sessions.Execute(ctx, tab.SessionID, "Page.printToPDF", printToPDFParams{Landscape: p.Landscape}, &res); err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "pdf")
	}
	raw, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "pdf: decode")
	}

	path := p.Path
	if path == "" {
		path = filepath.Join(env.TmpDir, tab.Alias+".pdf")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "pdf: write file")
	}
	return map[string]any{"path": path, "bytes": len(raw)}, nil
}

type assertion struct {
	Kind   string `json:"kind"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type assertParams struct {
	URL      string `json:"url"`
	Text     string `json:"text"`
	Selector string `json:"selector"`
}

// assertStep checks zero or more independent conditions (url substring,
// body text, selector present) and reports each as a named assertion
// alongside the overall pass/fail (§4.10).
func assertStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p assertParams
	_ = decode(params, &p)

	var assertions []assertion
	if p.URL != "" {
		u, err := currentURL(ctx, env, tab)
		if err != nil {
			return nil, err
		}
		ok := strings.Contains(u, p.URL)
		assertions = append(assertions, assertion{Kind: "url", Passed: ok, Detail: u})
	}
	if p.Text != "" {
		script := fmt.Sprintf("document.body.innerText.includes(%s)", jsStringLit(p.Text))
		var res evalResult
		if err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.evaluate", evalParams{Expression: script, ReturnByValue: true}, &res); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "assert: text")
		}
		var ok bool
		if res.Result != nil && res.Result.Value != nil {
			_ = json.Unmarshal(res.Result.Value, &ok)
		}
		assertions = append(assertions, assertion{Kind: "text", Passed: ok, Detail: p.Text})
	}
	if p.Selector != "" {
		script := fmt.Sprintf("!!document.querySelector(%s)", jsStringLit(p.Selector))
		var res evalResult
		if err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.evaluate", evalParams{Expression: script, ReturnByValue: true}, &res); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "assert: selector")
		}
		var ok bool
		if res.Result != nil && res.Result.Value != nil {
			_ = json.Unmarshal(res.Result.Value, &ok)
		}
		assertions = append(assertions, assertion{Kind: "selector", Passed: ok, Detail: p.Selector})
	}
	if len(assertions) == 0 {
		return nil, cdperr.New(cdperr.KindValidation, "assert requires at least one of url, text, selector")
	}

	passed := true
	for _, a := range assertions {
		if !a.Passed {
			passed = false
			break
		}
	}
	return map[string]any{"passed": passed, "assertions": assertions}, nil
}

type siteProfileParams struct {
	Domain  string `json:"domain"`
	Content string `json:"content"`
}

func readSiteProfileStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	p, err := siteProfileTarget(ctx, env, tab, params)
	if err != nil {
		return nil, err
	}
	content, exists, err := env.Profiles.Read(p.Domain)
	if err != nil {
		return nil, err
	}
	return map[string]any{"domain": p.Domain, "exists": exists, "content": content}, nil
}

func writeSiteProfileStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	p, err := siteProfileTarget(ctx, env, tab, params)
	if err != nil {
		return nil, err
	}
	path, err := env.Profiles.Write(p.Domain, p.Content)
	if err != nil {
		return nil, err
	}
	return map[string]any{"domain": p.Domain, "path": path}, nil
}

func siteProfileTarget(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (siteProfileParams, error) {
	var p siteProfileParams
	_ = decode(params, &p)
	if p.Domain == "" {
		if tab == nil {
			return p, cdperr.New(cdperr.KindValidation, "domain required when no tab is active")
		}
		u, err := currentURL(ctx, env, tab)
		if err != nil {
			return p, err
		}
		parsed, perr := url.Parse(u)
		if perr != nil || parsed.Host == "" {
			return p, cdperr.New(cdperr.KindValidation, "cannot infer domain from url %q", u)
		}
		p.Domain = parsed.Hostname()
	}
	return p, nil
}
