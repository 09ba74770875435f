// Package runner implements the step runner (C11 of SPEC_FULL.md): it
// validates an input envelope's step list against the registry, resolves
// or opens the target tab, drives each step through its readyWhen/
// settledWhen/observe hooks, and assembles the §6 output envelope.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/config"
	"github.com/cdpstep/cdpstep/console"
	"github.com/cdpstep/cdpstep/jsassets"
	"github.com/cdpstep/cdpstep/snapshot"
	"github.com/cdpstep/cdpstep/steps"
	"github.com/cdpstep/cdpstep/wait"
)

// Report is the §6 output envelope.
type Report struct {
	InvocationID     string           `json:"invocationId"`
	Status           string           `json:"status"`
	Tab              string           `json:"tab,omitempty"`
	SiteProfile      string           `json:"siteProfile,omitempty"`
	ActionRequired   *ActionRequired  `json:"actionRequired,omitempty"`
	Context          *steps.Context   `json:"context,omitempty"`
	Screenshot       string           `json:"screenshot,omitempty"`
	FullSnapshot     string           `json:"fullSnapshot,omitempty"`
	ViewportSnapshot string           `json:"viewportSnapshot,omitempty"`
	Changes          *snapshot.Change `json:"changes,omitempty"`
	Navigated        bool             `json:"navigated,omitempty"`
	Console          *ConsoleReport   `json:"console,omitempty"`
	Steps            []steps.Result   `json:"steps"`
	Errors           []StepError      `json:"errors,omitempty"`
}

// ActionRequired tells the caller a domain has no site profile yet (§6).
type ActionRequired struct {
	Action  string `json:"action"`
	Domain  string `json:"domain"`
	Message string `json:"message"`
}

// ConsoleReport summarizes console output captured across every step.
type ConsoleReport struct {
	Errors   int               `json:"errors"`
	Warnings int               `json:"warnings"`
	Messages []console.Message `json:"messages"`
}

// StepError is one entry of the output envelope's top-level "errors" list.
type StepError struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Error  string `json:"error"`
}

// visualKinds are the step kinds that mutate or depend on what's on
// screen; the before-viewport-snapshot is only worth the cost when the
// first step is one of these (§4.11 step 3).
var visualKinds = map[string]bool{
	"click": true, "fill": true, "press": true, "pressCombo": true,
	"hover": true, "drag": true, "selectOption": true, "scroll": true,
	"upload": true, "selectText": true, "submit": true,
	"goto": true, "reload": true, "back": true, "forward": true,
	"frame": true, "viewport": true, "newTab": true, "openTab": true,
}

// Run executes input against env and returns the assembled report. It
// never returns a Go error: every failure mode is represented in the
// report itself, so the caller only needs to translate report.Status
// into an exit code (§6).
func Run(ctx context.Context, env *steps.Env, input steps.Input) *Report {
	report := &Report{InvocationID: uuid.NewString(), Status: "ok", Steps: make([]steps.Result, 0, len(input.Steps))}

	for _, st := range input.Steps {
		if !steps.Known(st.Kind) {
			report.Status = "error"
			report.Errors = append(report.Errors, StepError{Action: st.Kind, Error: fmt.Sprintf("VALIDATION: unknown step kind %q", st.Kind)})
			return report
		}
	}

	tab, err := resolveTab(ctx, env, input.Tab)
	if err != nil {
		report.Status = "error"
		report.Tab = input.Tab
		report.Errors = append(report.Errors, StepError{Error: err.Error()})
		return report
	}
	report.Tab = tab.Alias

	defaultTimeout := config.DefaultTimeout
	if input.Timeout > 0 {
		defaultTimeout = time.Duration(input.Timeout) * time.Millisecond
	}

	startCtx, err := steps.BuildContext(ctx, env.Sessions, tab.SessionID)
	startURL := ""
	if err == nil && startCtx != nil {
		startURL = startCtx.URL
	}

	var beforeNodes []snapshot.Node
	haveBefore := false
	if len(input.Steps) > 0 && visualKinds[input.Steps[0].Kind] {
		if png, nodes, _, serr := captureVisualState(ctx, env, tab, "before"); serr == nil {
			beforeNodes = nodes
			haveBefore = true
			_ = png
		}
	}

	var consoleMsgs []console.Message
	fatal := false
	stopped := false

	for i, st := range input.Steps {
		if stopped {
			report.Steps = append(report.Steps, steps.Result{Action: st.Kind, Status: "skipped"})
			continue
		}

		stepTimeout := defaultTimeout
		if st.TimeoutMS > 0 {
			stepTimeout = time.Duration(st.TimeoutMS) * time.Millisecond
		}
		stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)

		result, msgs, serr := runOneStep(stepCtx, env, tab, st)
		cancel()
		consoleMsgs = append(consoleMsgs, msgs...)

		if serr != nil {
			kind := cdperr.KindOf(serr)
			result.Status = "error"
			result.Error = serr.Error()
			result.Context = buildFailureContext(ctx, env, tab, st)

			if kind == cdperr.KindConnection || kind == cdperr.KindPageCrashed {
				fatal = true
				stopped = true
				report.Errors = append(report.Errors, StepError{Step: i, Action: st.Kind, Error: result.Error})
			} else if st.Optional {
				result.Status = "skipped"
			} else {
				stopped = true
				report.Errors = append(report.Errors, StepError{Step: i, Action: st.Kind, Error: result.Error})
			}
		}
		report.Steps = append(report.Steps, result)
	}

	if fatal || hasNonOptionalFailure(report.Steps) {
		report.Status = "error"
	}

	finalCtx, err := steps.BuildContext(ctx, env.Sessions, tab.SessionID)
	if err == nil {
		report.Context = finalCtx
	}

	finalURL := startURL
	if finalCtx != nil {
		finalURL = finalCtx.URL
	}
	if startURL != "" && pathOf(startURL) != pathOf(finalURL) {
		report.Navigated = true
	} else if haveBefore {
		if png, nodes, text, serr := captureVisualState(ctx, env, tab, "after"); serr == nil {
			report.Screenshot = png
			diff := snapshot.Diff(beforeNodes, nodes)
			report.Changes = &diff
			inline, path, werr := tab.Snapshot.WriteOrInline(env.TmpDir, tab.Alias, text)
			if werr == nil {
				if path != "" {
					report.FullSnapshot = path
				} else {
					report.ViewportSnapshot = inline
				}
			}
		}
	}

	if len(consoleMsgs) > 0 {
		cr := &ConsoleReport{Messages: consoleMsgs}
		for _, m := range consoleMsgs {
			switch m.Level {
			case "error":
				cr.Errors++
			case "warning", "warn":
				cr.Warnings++
			}
		}
		report.Console = cr
	}

	attachSiteProfile(ctx, env, tab, finalURL, report)

	return report
}

func hasNonOptionalFailure(results []steps.Result) bool {
	for _, r := range results {
		if r.Status == "error" {
			return true
		}
	}
	return false
}

// resolveTab implements §4.11 step 2: an explicit alias resolves to an
// already-attached tab or a persisted target.ID from a prior invocation;
// no alias opens a fresh tab.
func resolveTab(ctx context.Context, env *steps.Env, alias string) (*steps.Tab, error) {
	if alias == "" {
		return env.OpenTab(ctx, "")
	}
	if tab, ok := env.Tab(alias); ok {
		return tab, nil
	}
	if targetID, ok, err := env.TabAliases.TargetFor(alias); err == nil && ok {
		if tab := findAttached(env, targetID); tab != nil {
			return tab, nil
		}
		sessionID, err := env.Sessions.Attach(ctx, targetID)
		if err != nil {
			return nil, err
		}
		return env.AttachTab(ctx, alias, targetID, sessionID)
	}
	return env.OpenTab(ctx, alias)
}

func findAttached(env *steps.Env, targetID target.ID) *steps.Tab {
	for _, t := range env.Tabs() {
		if t.TargetID == targetID {
			return t
		}
	}
	return nil
}

// runOneStep drives one step through the §4.11 step-4 hook pipeline:
// readyWhen, execute, settledWhen, observe, console capture.
func runOneStep(ctx context.Context, env *steps.Env, tab *steps.Tab, st steps.Step) (steps.Result, []console.Message, error) {
	result := steps.Result{Action: st.Kind}

	if st.ReadyWhen != "" {
		if err := wait.WaitForCondition(ctx, env.Sessions, tab.SessionID, st.ReadyWhen, wait.Options{Message: fmt.Sprintf("readyWhen for %s", st.Kind)}); err != nil {
			return result, nil, err
		}
	}

	output, err := steps.Dispatch(ctx, env, tab, st.Kind, st.Params)
	if err != nil {
		return result, tab.ConsoleSince(), err
	}
	result.Output = output
	result.Status = "ok"

	if st.SettledWhen != "" {
		if err := wait.WaitForCondition(ctx, env.Sessions, tab.SessionID, st.SettledWhen, wait.Options{Message: fmt.Sprintf("settledWhen for %s", st.Kind)}); err != nil {
			return result, tab.ConsoleSince(), err
		}
	}

	if st.Observe != "" {
		if v, oerr := evaluateOnce(ctx, env, tab, st.Observe); oerr == nil {
			result.Observation = v
		}
	}

	return result, tab.ConsoleSince(), nil
}

type onceEvalParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
	AwaitPromise  bool   `json:"awaitPromise"`
}

type onceEvalResult struct {
	Result           *struct {
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails,omitempty"`
}

// evaluateOnce runs expression a single time in the tab session's default
// (main-frame) execution context, not in a frame chosen by the frame step,
// and decodes its JSON value, the mechanism the "observe" hook needs (§4.11
// step 4d) as opposed to readyWhen/settledWhen's poll-until-truthy.
func evaluateOnce(ctx context.Context, env *steps.Env, tab *steps.Tab, expression string) (any, error) {
	var res onceEvalResult
	err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.evaluate", onceEvalParams{Expression: expression, ReturnByValue: true, AwaitPromise: true}, &res)
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "observe: %s", res.ExceptionDetails.Text)
	}
	var v any
	if res.Result != nil && res.Result.Value != nil {
		if err := json.Unmarshal(res.Result.Value, &v); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "decode observation")
		}
	}
	return v, nil
}

// captureVisualState takes a PNG screenshot and an interactive-detail
// accessibility capture together, the pair the before/after diff and the
// §6 screenshot/snapshot fields are built from.
func captureVisualState(ctx context.Context, env *steps.Env, tab *steps.Tab, suffix string) (string, []snapshot.Node, string, error) {
	png, err := snapshot.Screenshot(ctx, env.Sessions, tab.SessionID, env.TmpDir, tab.Alias, suffix)
	if err != nil {
		return "", nil, "", err
	}
	snap, err := tab.Snapshot.Capture(ctx, tab.SessionID, "main", snapshot.DetailInteractive, snapshot.WalkOptions{})
	if err != nil {
		return png, nil, "", err
	}
	return png, snap.Nodes, snap.Text, nil
}

func pathOf(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	return parsed.Path
}

// attachSiteProfile implements §4.11 step 9: attach a known profile's
// markdown, or flag the domain as needing one.
func attachSiteProfile(ctx context.Context, env *steps.Env, tab *steps.Tab, currentURL string, report *Report) {
	parsed, err := url.Parse(currentURL)
	if err != nil || parsed.Hostname() == "" {
		return
	}
	domain := parsed.Hostname()
	content, exists, err := env.Profiles.Read(domain)
	if err != nil {
		return
	}
	if exists {
		report.SiteProfile = content
		return
	}
	report.ActionRequired = &ActionRequired{
		Action:  "createSiteProfile",
		Domain:  domain,
		Message: fmt.Sprintf("no site profile recorded for %s yet; write one with writeSiteProfile once you learn its layout", domain),
	}
}

const failureContextScript = jsassets.AccessibleName + jsassets.InferRole + jsassets.Actionability + `
function () {
	const out = {buttons: [], links: [], errorText: []};
	const interactive = document.querySelectorAll('button, a[href], [role=button], [role=link]');
	for (const el of interactive) {
		if (!isVisible(el)) continue;
		const name = accessibleName(el);
		if (!name) continue;
		const bucket = el.tagName.toLowerCase() === 'a' || (el.getAttribute('role') || '') === 'link' ? out.links : out.buttons;
		if (bucket.length < 20) bucket.push(name);
	}
	const errorEls = document.querySelectorAll('[role=alert], .error, .errors, [class*="error"]');
	for (const el of errorEls) {
		if (!isVisible(el)) continue;
		const text = (el.innerText || '').trim();
		if (text && out.errorText.length < 10) out.errorText.push(text.slice(0, 200));
	}
	return out;
}
`

type failureSurvey struct {
	Buttons   []string `json:"buttons"`
	Links     []string `json:"links"`
	ErrorText []string `json:"errorText"`
}

type callFunctionResult struct {
	Result *struct {
		Value json.RawMessage `json:"value"`
	} `json:"result"`
}

type fuzzyMatch struct {
	Text  string `json:"text"`
	Score int    `json:"score"`
}

// buildFailureContext implements §4.11's failure-context augmentation: a
// capped survey of visible interactive elements and error text, plus a
// fuzzy ranking of near-matches for whatever selector/text the failing
// step named.
func buildFailureContext(ctx context.Context, env *steps.Env, tab *steps.Tab, st steps.Step) map[string]any {
	out := map[string]any{}

	var res callFunctionResult
	err := env.Sessions.Execute(ctx, tab.SessionID, "Runtime.evaluate", struct {
		Expression    string `json:"expression"`
		ReturnByValue bool   `json:"returnByValue"`
	}{Expression: "(" + failureContextScript + ")()", ReturnByValue: true}, &res)
	if err == nil && res.Result != nil && res.Result.Value != nil {
		var survey failureSurvey
		if json.Unmarshal(res.Result.Value, &survey) == nil {
			out["visibleButtons"] = survey.Buttons
			out["visibleLinks"] = survey.Links
			out["errorText"] = survey.ErrorText

			hint := extractHint(st.Params)
			if hint != "" {
				out["nearMatches"] = fuzzyRank(hint, append(append([]string{}, survey.Buttons...), survey.Links...))
			}
		}
	}
	return out
}

// extractHint pulls a best-effort selector/text string out of a step's raw
// params, for near-match scoring against what's actually on the page.
func extractHint(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil && s != "" {
		return s
	}
	var obj struct {
		Selector string `json:"selector"`
		Text     string `json:"text"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Text != "" {
			return obj.Text
		}
		return obj.Selector
	}
	return ""
}

// fuzzyRank scores each candidate 0-100 by substring proximity to hint: an
// exact case-insensitive match scores 100, a substring hit scores
// proportionally to the overlap, and an unrelated candidate scores 0.
// Candidates are bare names; their roles are not part of the score.
func fuzzyRank(hint string, candidates []string) []fuzzyMatch {
	needle := strings.ToLower(strings.TrimSpace(hint))
	needle = strings.TrimPrefix(needle, "#")
	needle = strings.TrimPrefix(needle, ".")
	if needle == "" {
		return nil
	}

	var matches []fuzzyMatch
	for _, c := range candidates {
		hay := strings.ToLower(c)
		score := 0
		switch {
		case hay == needle:
			score = 100
		case strings.Contains(hay, needle):
			score = 60 + (len(needle)*30)/max(len(hay), 1)
		case strings.Contains(needle, hay) && hay != "":
			score = 40 + (len(hay)*30)/max(len(needle), 1)
		}
		if score > 100 {
			score = 100
		}
		if score > 0 {
			matches = append(matches, fuzzyMatch{Text: c, Score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > 5 {
		matches = matches[:5]
	}
	return matches
}
