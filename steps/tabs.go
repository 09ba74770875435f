package steps

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/page"
	"github.com/cdpstep/cdpstep/snapshot"
)

func init() {
	register("chromeStatus", chromeStatus)
	register("newTab", newTab)
	register("openTab", newTab)
	register("switchTab", switchTab)
	register("connectTab", switchTab)
	register("closeTab", closeTab)
	register("listTabs", listTabs)
}

type targetInfo struct {
	TargetID target.ID `json:"targetId"`
	Type     string    `json:"type"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Attached bool      `json:"attached"`
}

type getTargetsResult struct {
	TargetInfos []targetInfo `json:"targetInfos"`
}

func listPageTargets(ctx context.Context, env *Env) ([]targetInfo, error) {
	var res getTargetsResult
	if err := env.Transport.Execute(ctx, "", "Target.getTargets", struct{}{}, &res); err != nil {
		return nil, cdperr.Wrap(cdperr.KindConnection, err, "list targets")
	}
	var pages []targetInfo
	for _, ti := range res.TargetInfos {
		if ti.Type == "page" {
			pages = append(pages, ti)
		}
	}
	return pages, nil
}

func chromeStatus(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	pages, err := listPageTargets(ctx, env)
	if err != nil {
		return nil, err
	}
	tabs := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		tabs = append(tabs, map[string]any{"targetId": p.TargetID, "url": p.URL, "title": p.Title})
	}
	return map[string]any{"running": true, "tabs": tabs}, nil
}

type newTabParams struct {
	URL   string `json:"url"`
	Alias string `json:"alias"`
}

type createTargetParams struct {
	URL string `json:"url"`
}

type createTargetResult struct {
	TargetID target.ID `json:"targetId"`
}

// OpenTab creates a fresh background target, attaches a session to it, and
// registers it under alias, without navigating it anywhere. It is the
// collaborator both the newTab step and the runner's top-level tab
// resolution (§4.11 step 2) build on.
func (e *Env) OpenTab(ctx context.Context, alias string) (*Tab, error) {
	var created createTargetResult
	if err := e.Transport.Execute(ctx, "", "Target.createTarget", createTargetParams{URL: "about:blank"}, &created); err != nil {
		return nil, cdperr.Wrap(cdperr.KindConnection, err, "create target")
	}

	sessionID, err := e.Sessions.Attach(ctx, created.TargetID)
	if err != nil {
		return nil, err
	}

	if alias == "" {
		alias = e.NextAlias()
	}
	tab, err := e.AttachTab(ctx, alias, created.TargetID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.TabAliases.Set(alias, created.TargetID); err != nil {
		e.Log.Warn("failed to persist tab alias", zap.Error(err))
	}
	return tab, nil
}

func newTab(ctx context.Context, env *Env, _ *Tab, params json.RawMessage) (any, error) {
	var p newTabParams
	// newTab accepts either {"newTab": "https://..."} (bare URL) or
	// {"newTab": {"url": "...", "alias": "..."}}.
	if err := json.Unmarshal(params, &p.URL); err != nil {
		if err := decode(params, &p); err != nil {
			return nil, err
		}
	}
	if p.URL == "" {
		p.URL = "about:blank"
	}

	tab, err := env.OpenTab(ctx, p.Alias)
	if err != nil {
		return nil, err
	}
	alias := tab.Alias

	navigated := false
	if p.URL != "about:blank" {
		if err := tab.Page.Navigate(ctx, p.URL, page.NavigateOptions{WaitUntil: page.WaitLoad}); err != nil {
			return nil, err
		}
		navigated = true
	}

	cctx, err := BuildContext(ctx, env.Sessions, tab.SessionID)
	if err != nil {
		return nil, err
	}
	snap, err := tab.Snapshot.Capture(ctx, tab.SessionID, "main", snapshot.DetailInteractive, snapshot.WalkOptions{})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"alias":     alias,
		"context":   cctx,
		"snapshot":  snap.Text,
		"navigated": navigated,
	}, nil
}

type switchTabParams struct {
	Alias    string `json:"alias"`
	TargetID string `json:"targetId"`
	URLRegex string `json:"urlRegex"`
}

func switchTab(ctx context.Context, env *Env, _ *Tab, params json.RawMessage) (any, error) {
	var p switchTabParams
	if err := json.Unmarshal(params, &p.Alias); err != nil {
		if err := decode(params, &p); err != nil {
			return nil, err
		}
	}

	var tab *Tab
	switch {
	case p.Alias != "":
		t, ok := env.Tab(p.Alias)
		if !ok {
			return nil, cdperr.New(cdperr.KindNotFound, "no tab with alias %q", p.Alias)
		}
		tab = t

	case p.TargetID != "":
		tab = env.findByTarget(target.ID(p.TargetID))
		if tab == nil {
			sessionID, err := env.Sessions.Attach(ctx, target.ID(p.TargetID))
			if err != nil {
				return nil, err
			}
			tab, err = env.AttachTab(ctx, env.NextAlias(), target.ID(p.TargetID), sessionID)
			if err != nil {
				return nil, err
			}
		}

	case p.URLRegex != "":
		re, err := regexp.Compile(p.URLRegex)
		if err != nil {
			return nil, cdperr.New(cdperr.KindValidation, "invalid urlRegex: %s", err)
		}
		pages, err := listPageTargets(ctx, env)
		if err != nil {
			return nil, err
		}
		var matchID target.ID
		for _, pg := range pages {
			if re.MatchString(pg.URL) {
				matchID = pg.TargetID
				break
			}
		}
		if matchID == "" {
			return nil, cdperr.New(cdperr.KindNotFound, "no tab matching urlRegex %q", p.URLRegex)
		}
		tab = env.findByTarget(matchID)
		if tab == nil {
			sessionID, err := env.Sessions.Attach(ctx, matchID)
			if err != nil {
				return nil, err
			}
			tab, err = env.AttachTab(ctx, env.NextAlias(), matchID, sessionID)
			if err != nil {
				return nil, err
			}
		}

	default:
		return nil, cdperr.New(cdperr.KindValidation, "switchTab/connectTab requires alias, targetId, or urlRegex")
	}

	cctx, err := BuildContext(ctx, env.Sessions, tab.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"alias": tab.Alias, "context": cctx}, nil
}

func closeTab(ctx context.Context, env *Env, _ *Tab, params json.RawMessage) (any, error) {
	var alias string
	if err := decode(params, &alias); err != nil {
		return nil, err
	}
	tab, ok := env.Tab(alias)
	if !ok {
		return nil, cdperr.New(cdperr.KindNotFound, "no tab with alias %q", alias)
	}

	type closeParams struct {
		TargetID target.ID `json:"targetId"`
	}
	type closeResult struct {
		Success bool `json:"success"`
	}
	var res closeResult
	if err := env.Transport.Execute(ctx, "", "Target.closeTarget", closeParams{TargetID: tab.TargetID}, &res); err != nil {
		return nil, cdperr.Wrap(cdperr.KindConnection, err, "close target %s", tab.TargetID)
	}
	_ = env.Sessions.DetachByTarget(ctx, tab.TargetID)
	env.RemoveTab(alias)
	_ = env.TabAliases.ForgetTarget(tab.TargetID)

	return map[string]any{"closed": res.Success}, nil
}

func listTabs(ctx context.Context, env *Env, _ *Tab, params json.RawMessage) (any, error) {
	pages, err := listPageTargets(ctx, env)
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		entry := map[string]any{"targetId": p.TargetID, "url": p.URL, "title": p.Title}
		if tab := env.findByTarget(p.TargetID); tab != nil {
			entry["alias"] = tab.Alias
		}
		list = append(list, entry)
	}
	return map[string]any{"count": len(list), "list": list}, nil
}
