package steps

import (
	"context"
	"encoding/json"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/jsassets"
	"github.com/cdpstep/cdpstep/locator"
	"github.com/cdpstep/cdpstep/refresolve"
)

type callFunctionParams struct {
	FunctionDeclaration string                 `json:"functionDeclaration"`
	ObjectID            runtime.RemoteObjectID `json:"objectId"`
	ReturnByValue       bool                   `json:"returnByValue"`
}

type callFunctionResult struct {
	Result           *runtime.RemoteObject     `json:"result"`
	ExceptionDetails *runtime.ExceptionDetails `json:"exceptionDetails,omitempty"`
}

type centerOutcome struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

const elementCenterFunction = jsassets.Actionability + `
function () {
	return elementCenter(this);
}
`

// elementCenter returns the viewport coordinates of el's bounding box
// center, the point click/hover/drag dispatch synthetic mouse events at.
func elementCenter(ctx context.Context, exec pageExecutor, sessionID target.SessionID, objectID runtime.RemoteObjectID) (float64, float64, error) {
	var res callFunctionResult
	err := exec.Execute(ctx, sessionID, "Runtime.callFunctionOn", callFunctionParams{
		FunctionDeclaration: elementCenterFunction,
		ObjectID:            objectID,
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return 0, 0, cdperr.Wrap(cdperr.KindExecution, err, "compute element center")
	}
	if res.ExceptionDetails != nil {
		return 0, 0, cdperr.New(cdperr.KindExecution, "compute element center: %s", res.ExceptionDetails.Text)
	}
	var out centerOutcome
	if res.Result != nil && res.Result.Value != nil {
		if err := json.Unmarshal(res.Result.Value, &out); err != nil {
			return 0, 0, cdperr.Wrap(cdperr.KindExecution, err, "decode element center")
		}
	}
	return out.X, out.Y, nil
}

const jsClickFunction = `
function () {
	this.click();
	return true;
}
`

// jsClick invokes the DOM's native el.click(), the fallback §4.10's click
// executor uses when a verified CDP-dispatched click doesn't register.
func jsClick(ctx context.Context, exec pageExecutor, sessionID target.SessionID, objectID runtime.RemoteObjectID) error {
	var res callFunctionResult
	err := exec.Execute(ctx, sessionID, "Runtime.callFunctionOn", callFunctionParams{
		FunctionDeclaration: jsClickFunction,
		ObjectID:            objectID,
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "jsClick")
	}
	if res.ExceptionDetails != nil {
		return cdperr.New(cdperr.KindExecution, "jsClick: %s", res.ExceptionDetails.Text)
	}
	return nil
}

const armClickProbeFunction = `
function () {
	this.__cdpstepClickSeen = false;
	this.addEventListener('click', () => { this.__cdpstepClickSeen = true; }, {capture: true, once: true});
	return true;
}
`

const readClickProbeFunction = `
function () {
	const seen = this.__cdpstepClickSeen === true;
	delete this.__cdpstepClickSeen;
	return seen;
}
`

// armClickProbe installs a capture-phase click listener on objectID before a
// CDP-dispatched click, so a later readClickProbe call can tell whether the
// dispatch actually reached the element (§4.10's click-verification step,
// distinct from the actionability checker's own auto-force bypass).
func armClickProbe(ctx context.Context, exec pageExecutor, sessionID target.SessionID, objectID runtime.RemoteObjectID) error {
	var res callFunctionResult
	err := exec.Execute(ctx, sessionID, "Runtime.callFunctionOn", callFunctionParams{
		FunctionDeclaration: armClickProbeFunction,
		ObjectID:            objectID,
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "arm click probe")
	}
	if res.ExceptionDetails != nil {
		return cdperr.New(cdperr.KindExecution, "arm click probe: %s", res.ExceptionDetails.Text)
	}
	return nil
}

// readClickProbe reports whether the click armed by armClickProbe was
// received, clearing the marker either way.
func readClickProbe(ctx context.Context, exec pageExecutor, sessionID target.SessionID, objectID runtime.RemoteObjectID) (bool, error) {
	var res callFunctionResult
	err := exec.Execute(ctx, sessionID, "Runtime.callFunctionOn", callFunctionParams{
		FunctionDeclaration: readClickProbeFunction,
		ObjectID:            objectID,
		ReturnByValue:       true,
	}, &res)
	if err != nil {
		return false, cdperr.Wrap(cdperr.KindExecution, err, "read click probe")
	}
	if res.ExceptionDetails != nil {
		return false, cdperr.New(cdperr.KindExecution, "read click probe: %s", res.ExceptionDetails.Text)
	}
	var seen bool
	if res.Result != nil && res.Result.Value != nil {
		_ = json.Unmarshal(res.Result.Value, &seen)
	}
	return seen, nil
}

// registerRef records loc's resolved element metadata under ref in tab's
// store, so a later stale lookup can re-resolve it via §4.12 instead of
// failing outright. Only ref locators carry a ref to register under; other
// locator kinds resolve fresh each time and have nothing to remember.
func registerRef(tab *Tab, loc locator.Locator, el *locator.Element) {
	if loc.Kind != locator.KindRef || loc.Ref == "" {
		return
	}
	selector := el.Selector
	if selector == "" {
		selector = loc.Ref
	}
	tab.Refs[loc.Ref] = refresolve.Meta{Selector: selector, Role: el.Role, Name: el.AccessibleName}
}
