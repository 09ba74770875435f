package steps

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/page"
)

func init() {
	register("goto", gotoStep)
	register("reload", reloadStep)
	register("back", backStep)
	register("forward", forwardStep)
	register("waitForNavigation", waitForNavigationStep)
}

type gotoParams struct {
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil"`
	TimeoutMS int    `json:"timeout"`
	Referrer  string `json:"referrer"`
}

func gotoStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p gotoParams
	if err := json.Unmarshal(params, &p.URL); err != nil {
		if err := decode(params, &p); err != nil {
			return nil, err
		}
	}
	if p.URL == "" {
		return nil, cdperr.New(cdperr.KindValidation, "goto requires a url")
	}

	opts := page.NavigateOptions{Referrer: p.Referrer}
	if p.WaitUntil != "" {
		opts.WaitUntil = page.WaitUntil(p.WaitUntil)
	}
	if p.TimeoutMS > 0 {
		opts.Timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}

	beforeURL, err := currentURL(ctx, env, tab)
	if err != nil {
		beforeURL = ""
	}
	if err := tab.Page.Navigate(ctx, p.URL, opts); err != nil {
		return nil, err
	}
	return navigationOutput(ctx, env, tab, beforeURL)
}

type reloadParams struct {
	WaitUntil string `json:"waitUntil"`
	TimeoutMS int    `json:"timeout"`
}

func reloadStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p reloadParams
	_ = decode(params, &p)

	opts := page.NavigateOptions{}
	if p.WaitUntil != "" {
		opts.WaitUntil = page.WaitUntil(p.WaitUntil)
	}
	if p.TimeoutMS > 0 {
		opts.Timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}

	if err := tab.Page.Reload(ctx, opts); err != nil {
		return nil, err
	}
	return navigationOutput(ctx, env, tab, "")
}

func backStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	noHistory, err := tab.Page.GoBack(ctx)
	if err != nil {
		return nil, err
	}
	if noHistory {
		return map[string]any{"noHistory": true}, nil
	}
	return navigationOutput(ctx, env, tab, "")
}

func forwardStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	noHistory, err := tab.Page.GoForward(ctx)
	if err != nil {
		return nil, err
	}
	if noHistory {
		return map[string]any{"noHistory": true}, nil
	}
	return navigationOutput(ctx, env, tab, "")
}

type waitForNavigationParams struct {
	TimeoutMS int `json:"timeout"`
}

func waitForNavigationStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p waitForNavigationParams
	_ = decode(params, &p)

	timeout := 30 * time.Second
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	if err := tab.Page.WaitForNetworkIdle(ctx, timeout); err != nil {
		return nil, err
	}
	return navigationOutput(ctx, env, tab, "")
}

func currentURL(ctx context.Context, env *Env, tab *Tab) (string, error) {
	cctx, err := BuildContext(ctx, env.Sessions, tab.SessionID)
	if err != nil {
		return "", err
	}
	return cctx.URL, nil
}

// navigationOutput builds a command context, including "navigated" when
// beforeURL's path differs from the post-navigation path (§4.11 step 7).
func navigationOutput(ctx context.Context, env *Env, tab *Tab, beforeURL string) (any, error) {
	cctx, err := BuildContext(ctx, env.Sessions, tab.SessionID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"context": cctx}
	if beforeURL != "" && pathOf(beforeURL) != pathOf(cctx.URL) {
		out["navigated"] = true
	}
	return out, nil
}

// pathOf returns u's path for the §4.11 "navigated" pathname comparison,
// falling back to the raw string if it doesn't parse as a URL.
func pathOf(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	return parsed.Path
}
