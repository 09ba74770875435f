// Package actionability evaluates the browser-side predicates an action
// requires before it may proceed safely: visible, enabled, editable,
// stable, notCovered, pointerEventsOn (C7 of SPEC_FULL.md). Retried with
// jittered exponential backoff the way the teacher's poll.go retries a
// PollFunction condition, generalized from a single user predicate to this
// fixed battery of DOM checks.
package actionability

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/jsassets"
)

// Predicate names one of the six actionability checks.
type Predicate string

const (
	Visible         Predicate = "visible"
	Enabled         Predicate = "enabled"
	Editable        Predicate = "editable"
	Stable          Predicate = "stable"
	NotCovered      Predicate = "notCovered"
	PointerEventsOn Predicate = "pointerEventsOn"
)

// DefaultCap is the default retry budget before an auto-force attempt, §4.7.
const DefaultCap = 10 * time.Second

// Executor is the narrow capability the checker needs.
type Executor interface {
	Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error
}

// Checker retries a set of predicates against one element's remote object.
type Checker struct {
	exec Executor
}

func New(exec Executor) *Checker { return &Checker{exec: exec} }

// Result reports whether the predicates passed, and if a bypass was used.
type Result struct {
	Passed     bool
	AutoForced bool
	Failed     []Predicate
}

type callFunctionParams struct {
	FunctionDeclaration string                       `json:"functionDeclaration"`
	ObjectID            runtime.RemoteObjectID       `json:"objectId"`
	Arguments           []map[string]any             `json:"arguments,omitempty"`
	ReturnByValue       bool                         `json:"returnByValue"`
}

type callFunctionResult struct {
	Result           *runtime.RemoteObject     `json:"result"`
	ExceptionDetails *runtime.ExceptionDetails `json:"exceptionDetails,omitempty"`
}

type checkOutcome struct {
	Visible         bool `json:"visible"`
	Enabled         bool `json:"enabled"`
	Editable        bool `json:"editable"`
	NotCovered      bool `json:"notCovered"`
	PointerEventsOn bool `json:"pointerEventsOn"`
	Exists          bool `json:"exists"`
	RectX           float64 `json:"rectX"`
	RectY           float64 `json:"rectY"`
	RectW           float64 `json:"rectW"`
	RectH           float64 `json:"rectH"`
}

const checkFunction = jsassets.Actionability + `
function () {
	if (!this.isConnected) return {exists:false};
	const rect = this.getBoundingClientRect();
	return {
		exists: true,
		visible: isVisible(this),
		enabled: isEnabled(this),
		editable: isEditable(this),
		notCovered: isNotCovered(this),
		pointerEventsOn: pointerEventsOn(this),
		rectX: rect.x, rectY: rect.y, rectW: rect.width, rectH: rect.height,
	};
}
`

func (c *Checker) check(ctx context.Context, sessionID target.SessionID, objectID runtime.RemoteObjectID) (*checkOutcome, error) {
	var res callFunctionResult
	err := c.exec.Execute(ctx, sessionID, "Runtime.callFunctionOn", callFunctionParams{
		FunctionDeclaration: checkFunction,
		ObjectID:            objectID,
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "evaluate actionability")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "actionability check: %s", res.ExceptionDetails.Text)
	}
	var out checkOutcome
	if res.Result != nil && res.Result.Value != nil {
		if err := json.Unmarshal(res.Result.Value, &out); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "decode actionability result")
		}
	}
	return &out, nil
}

// Ensure retries required until they all pass, or cap elapses. "stable"
// additionally needs three consecutive unchanged bounding rects, tracked
// here across polls since it can't be answered by a single snapshot.
func (c *Checker) Ensure(ctx context.Context, sessionID target.SessionID, objectID runtime.RemoteObjectID, required []Predicate, force bool, cap time.Duration) (Result, error) {
	if force {
		return Result{Passed: true}, nil
	}
	if cap <= 0 {
		cap = DefaultCap
	}

	tctx, cancel := context.WithTimeout(ctx, cap)
	defer cancel()

	var lastRect *rect
	stableCount := 0
	attempt := 0

	for {
		out, err := c.check(tctx, sessionID, objectID)
		if err != nil {
			return Result{}, err
		}
		if !out.Exists {
			return Result{Passed: false, Failed: []Predicate{Visible}}, cdperr.New(cdperr.KindNotFound, "element detached during actionability check")
		}

		cur := rect{out.RectX, out.RectY, out.RectW, out.RectH}
		if lastRect != nil && *lastRect == cur {
			stableCount++
		} else {
			stableCount = 0
		}
		lastRect = &cur

		failed := evaluateRequired(required, out, stableCount >= 2)
		if len(failed) == 0 {
			return Result{Passed: true}, nil
		}

		attempt++
		select {
		case <-tctx.Done():
			return Result{Passed: false, AutoForced: true, Failed: failed}, nil
		case <-time.After(backoff(attempt)):
		}
	}
}

type rect struct{ X, Y, W, H float64 }

func evaluateRequired(required []Predicate, out *checkOutcome, stable bool) []Predicate {
	var failed []Predicate
	for _, p := range required {
		ok := true
		switch p {
		case Visible:
			ok = out.Visible
		case Enabled:
			ok = out.Enabled
		case Editable:
			ok = out.Editable
		case Stable:
			ok = stable
		case NotCovered:
			ok = out.NotCovered
		case PointerEventsOn:
			ok = out.PointerEventsOn
		}
		if !ok {
			failed = append(failed, p)
		}
	}
	return failed
}

// backoff returns the n-th retry delay with a 1.9-2.1x jitter factor, §4.7.
func backoff(attempt int) time.Duration {
	base := 50 * time.Millisecond
	d := base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * 1.5)
		if d > 500*time.Millisecond {
			d = 500 * time.Millisecond
			break
		}
	}
	jitter := 1.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * jitter)
}
