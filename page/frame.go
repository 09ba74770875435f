package page

import (
	"context"
	"sort"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"

	"github.com/cdpstep/cdpstep/cdperr"
)

// FrameSelector names the frame switchToFrame resolves: a CSS selector for
// the owning iframe element, a zero-based child index, a frame name, or a
// raw frame ID (§4.4).
type FrameSelector struct {
	Selector string
	Index    *int
	Name     string
	FrameID  cdp.FrameID
}

// SwitchToFrame resolves sel against the known frame tree and sets it as
// the controller's current frame context, creating an isolated world if no
// execution context is known for it yet.
func (c *Controller) SwitchToFrame(ctx context.Context, sel FrameSelector) error {
	frameID, err := c.resolveFrame(sel)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.currentFrameID = frameID
	_, known := c.execContexts[frameID]
	c.mu.Unlock()

	if known {
		return nil
	}

	type params struct {
		FrameID         cdp.FrameID `json:"frameId"`
		WorldName       string      `json:"worldName"`
		GrantUniveralAccess bool    `json:"grantUniveralAccess"`
	}
	type result struct {
		ExecutionContextID runtime.ExecutionContextID `json:"executionContextId"`
	}
	var res result
	if err := c.exec(ctx, "Page.createIsolatedWorld", params{FrameID: frameID, WorldName: "cdpstep"}, &res); err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "create isolated world for frame %s", frameID)
	}

	c.mu.Lock()
	c.execContexts[frameID] = res.ExecutionContextID
	c.mu.Unlock()

	return nil
}

func (c *Controller) resolveFrame(sel FrameSelector) (cdp.FrameID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sel.FrameID != "" {
		if _, ok := c.frames[sel.FrameID]; ok {
			return sel.FrameID, nil
		}
		return "", cdperr.New(cdperr.KindNotFound, "no frame with id %s", sel.FrameID)
	}

	if sel.Name != "" {
		for id, f := range c.frames {
			if f.Name == sel.Name {
				return id, nil
			}
		}
		return "", cdperr.New(cdperr.KindNotFound, "no frame named %q", sel.Name)
	}

	if sel.Index != nil {
		// Child frames, excluding the main frame; resolveFrame has no DOM
		// access to learn document order, so this orders by frame.Id as a
		// stable, if arbitrary, fallback.
		var children []cdp.FrameID
		for id, f := range c.frames {
			if f.ParentID != "" {
				children = append(children, id)
			}
		}
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
		if *sel.Index < 0 || *sel.Index >= len(children) {
			return "", cdperr.New(cdperr.KindNotFound, "no frame at index %d", *sel.Index)
		}
		return children[*sel.Index], nil
	}

	if sel.Selector != "" {
		// A CSS-selector frame lookup requires DOM access; the page
		// controller only tracks frames by id/name/index. The frame step
		// (steps.frameIDBySelector) resolves iframe selectors to a frame id
		// and calls SwitchToFrame with that FrameSelector{FrameID: ...}.
		return "", cdperr.New(cdperr.KindValidation, "frame selector %q must be resolved to a frame id by the locator first", sel.Selector)
	}

	return "", cdperr.New(cdperr.KindValidation, "switchToFrame requires a selector, index, name, or frame id")
}

// EvaluateInFrame runs expression in the current frame context (§4.4), using
// the known isolated-world execution context id when one has been created
// by SwitchToFrame.
func (c *Controller) EvaluateInFrame(ctx context.Context, expression string) (*runtime.RemoteObject, error) {
	if c.Crashed() {
		return nil, cdperr.Wrap(cdperr.KindPageCrashed, cdperr.ErrPageCrashed, "evaluate")
	}

	c.mu.Lock()
	frameID := c.CurrentFrameIDLocked()
	contextID := c.execContexts[frameID]
	c.mu.Unlock()

	type params struct {
		Expression   string                     `json:"expression"`
		ContextID    runtime.ExecutionContextID `json:"contextId,omitempty"`
		ReturnByValue bool                      `json:"returnByValue"`
		AwaitPromise bool                       `json:"awaitPromise"`
	}
	var res struct {
		Result           *runtime.RemoteObject      `json:"result"`
		ExceptionDetails *runtime.ExceptionDetails  `json:"exceptionDetails,omitempty"`
	}
	err := c.exec(ctx, "Runtime.evaluate", params{
		Expression:   expression,
		ContextID:    contextID,
		ReturnByValue: true,
		AwaitPromise: true,
	}, &res)
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "evaluate in frame %s", frameID)
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "evaluate in frame %s: %s", frameID, res.ExceptionDetails.Text)
	}
	return res.Result, nil
}

// CurrentFrameIDLocked is CurrentFrameID for callers that already hold c.mu.
func (c *Controller) CurrentFrameIDLocked() cdp.FrameID {
	if c.currentFrameID != "" {
		return c.currentFrameID
	}
	return c.mainFrameID
}
