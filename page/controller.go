// Package page implements the per-tab navigation state machine: lifecycle
// and network-idle tracking, the frame tree, and crash detection (C4 of
// SPEC_FULL.md). The event bookkeeping is grounded on EdgeComet-jsbug's
// EventCollector (internal/chrome/events.go), generalized from its
// fixed-purpose network/console/error capture to the lifecycle- and
// navigation-waiter model §4.4 describes.
package page

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	pageproto "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/config"
	"github.com/cdpstep/cdpstep/session"
)

// WaitUntil names the lifecycle condition navigate/reload wait for.
type WaitUntil string

const (
	WaitCommit           WaitUntil = "commit"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitLoad             WaitUntil = "load"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// Controller owns one tab's navigation state.
type Controller struct {
	sessions  *session.Registry
	sessionID target.SessionID
	log       *zap.Logger

	mu             sync.Mutex
	mainFrameID    cdp.FrameID
	currentFrameID cdp.FrameID
	frames         map[cdp.FrameID]*cdp.Frame
	execContexts   map[cdp.FrameID]runtime.ExecutionContextID

	lifecycle map[cdp.FrameID]map[string]time.Time
	loadFired map[cdp.FrameID]bool
	pending   map[network.RequestID]struct{}

	crashed bool

	navMu      sync.Mutex
	navEpoch   uint64
	navAbortCh chan error
	idleTimer  *time.Timer
	idleWindow time.Duration

	waitersMu sync.Mutex
	waiters   []*lifecycleWaiter

	crashWaitersMu sync.Mutex
	crashWaiters   []chan error

	unsub []func()
}

type lifecycleWaiter struct {
	frameID cdp.FrameID
	until   WaitUntil
	ch      chan struct{}
	done    bool
}

// New builds a Controller bound to sessionID, not yet initialized.
func New(sessions *session.Registry, sessionID target.SessionID, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		sessions:     sessions,
		sessionID:    sessionID,
		log:          log,
		frames:       make(map[cdp.FrameID]*cdp.Frame),
		execContexts: make(map[cdp.FrameID]runtime.ExecutionContextID),
		lifecycle:    make(map[cdp.FrameID]map[string]time.Time),
		loadFired:    make(map[cdp.FrameID]bool),
		pending:      make(map[network.RequestID]struct{}),
		idleWindow:   config.NetworkIdleWindow,
	}
}

// SessionID returns the CDP session this controller drives.
func (c *Controller) SessionID() target.SessionID { return c.sessionID }

// MainFrameID returns the tab's top-level frame.
func (c *Controller) MainFrameID() cdp.FrameID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mainFrameID
}

// CurrentFrameID returns the frame evaluateInFrame/the locator currently
// target, defaulting to the main frame until switchToFrame is called.
func (c *Controller) CurrentFrameID() cdp.FrameID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentFrameID != "" {
		return c.currentFrameID
	}
	return c.mainFrameID
}

// FrameInfo summarizes one entry of the frame tree for the "frame" step's
// list output.
type FrameInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url"`
	ParentID string `json:"parentId,omitempty"`
}

// Frames returns every known frame, main frame first.
func (c *Controller) Frames() []FrameInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FrameInfo, 0, len(c.frames))
	if main, ok := c.frames[c.mainFrameID]; ok {
		out = append(out, FrameInfo{ID: string(main.ID), Name: main.Name, URL: main.URL})
	}
	for id, f := range c.frames {
		if id == c.mainFrameID {
			continue
		}
		out = append(out, FrameInfo{ID: string(f.ID), Name: f.Name, URL: f.URL, ParentID: string(f.ParentID)})
	}
	return out
}

// FrameByID returns the known frame metadata for id, if any.
func (c *Controller) FrameByID(id cdp.FrameID) (FrameInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.frames[id]
	if !ok {
		return FrameInfo{}, false
	}
	return FrameInfo{ID: string(f.ID), Name: f.Name, URL: f.URL, ParentID: string(f.ParentID)}, true
}

func (c *Controller) exec(ctx context.Context, method string, params, res any) error {
	return c.sessions.Execute(ctx, c.sessionID, method, params, res)
}

// Initialize enables Page, Network, Runtime and Inspector and fetches the
// frame tree (§4.4). Callers must separately pump this session's transport
// events into HandleEvent; Controller doesn't hold the transport itself so
// it stays testable without a live connection.
func (c *Controller) Initialize(ctx context.Context) error {
	// Domain-enable sequence; empty params for each, matching the plain
	// CDP commands with no arguments.
	for _, method := range []string{"Page.enable", "Network.enable", "Runtime.enable", "Inspector.enable"} {
		if err := c.exec(ctx, method, struct{}{}, nil); err != nil {
			return cdperr.Wrap(cdperr.KindConnection, err, "enable domain for %s", method)
		}
	}

	var tree struct {
		FrameTree *cdp.FrameTree `json:"frameTree"`
	}
	if err := c.exec(ctx, "Page.getFrameTree", struct{}{}, &tree); err != nil {
		return cdperr.Wrap(cdperr.KindConnection, err, "get frame tree")
	}
	if tree.FrameTree != nil && tree.FrameTree.Frame != nil {
		c.mu.Lock()
		c.mainFrameID = tree.FrameTree.Frame.ID
		c.registerFrameTree(tree.FrameTree)
		c.mu.Unlock()
	}

	return nil
}

func (c *Controller) registerFrameTree(node *cdp.FrameTree) {
	if node == nil || node.Frame == nil {
		return
	}
	c.frames[node.Frame.ID] = node.Frame
	for _, child := range node.ChildFrames {
		c.registerFrameTree(child)
	}
}

// HandleEvent feeds one dispatched transport.Event into the state machine.
// It is exported rather than wired directly to a transport.Event channel so
// callers (and tests) can drive it without a live connection.
func (c *Controller) HandleEvent(method string, value any) {
	switch method {
	case "Page.lifecycleEvent":
		ev, ok := value.(*pageproto.EventLifecycleEvent)
		if !ok {
			return
		}
		c.onLifecycleEvent(ev)

	case "Page.frameNavigated":
		ev, ok := value.(*pageproto.EventFrameNavigated)
		if !ok || ev.Frame == nil {
			return
		}
		c.mu.Lock()
		c.frames[ev.Frame.ID] = ev.Frame
		if ev.Frame.ParentID == "" {
			c.mainFrameID = ev.Frame.ID
		}
		c.mu.Unlock()

	case "Network.requestWillBeSent":
		ev, ok := value.(*network.EventRequestWillBeSent)
		if !ok {
			return
		}
		c.onRequestStarted(ev.RequestID)

	case "Network.loadingFinished":
		ev, ok := value.(*network.EventLoadingFinished)
		if !ok {
			return
		}
		c.onRequestEnded(ev.RequestID)

	case "Network.loadingFailed":
		ev, ok := value.(*network.EventLoadingFailed)
		if !ok {
			return
		}
		c.onRequestEnded(ev.RequestID)

	case "Runtime.executionContextCreated":
		ev, ok := value.(*runtime.EventExecutionContextCreated)
		if !ok || ev.Context == nil {
			return
		}
		if frameID, ok := ev.Context.AuxData["frameId"].(string); ok {
			c.mu.Lock()
			c.execContexts[cdp.FrameID(frameID)] = ev.Context.ID
			c.mu.Unlock()
		}

	case "Runtime.executionContextDestroyed":
		ev, ok := value.(*runtime.EventExecutionContextDestroyed)
		if !ok {
			return
		}
		c.mu.Lock()
		for fid, exID := range c.execContexts {
			if exID == ev.ExecutionContextID {
				delete(c.execContexts, fid)
			}
		}
		c.mu.Unlock()

	case "Inspector.targetCrashed":
		_, ok := value.(*inspector.EventTargetCrashed)
		if !ok {
			return
		}
		c.onCrashed()
	}
}

func (c *Controller) onLifecycleEvent(ev *pageproto.EventLifecycleEvent) {
	c.mu.Lock()
	set, ok := c.lifecycle[ev.FrameID]
	if !ok {
		set = make(map[string]time.Time)
		c.lifecycle[ev.FrameID] = set
	}
	set[ev.Name] = time.Now()
	if ev.Name == "load" {
		c.loadFired[ev.FrameID] = true
	}
	c.mu.Unlock()

	// Chrome names this event "DOMContentLoaded"; waiters are keyed by the
	// lower-case WaitUntil value.
	name := ev.Name
	if name == "DOMContentLoaded" {
		name = string(WaitDOMContentLoaded)
	}
	c.notifyWaiters(ev.FrameID, name)

	// networkidle requires load to have fired in addition to the pending
	// set draining; if the network already went idle before load, no timer
	// is running to notice that, so arm one now.
	if ev.Name == "load" {
		c.navMu.Lock()
		if len(c.pending) == 0 {
			c.armIdleTimerLocked()
		}
		c.navMu.Unlock()
	}
}

func (c *Controller) onRequestStarted(id network.RequestID) {
	c.navMu.Lock()
	c.pending[id] = struct{}{}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.navMu.Unlock()
}

func (c *Controller) onRequestEnded(id network.RequestID) {
	c.navMu.Lock()
	delete(c.pending, id)
	empty := len(c.pending) == 0
	if empty {
		c.armIdleTimerLocked()
	}
	c.navMu.Unlock()
}

// armIdleTimerLocked starts (or restarts) the pending-request-drain timer;
// the caller must hold navMu. networkidle is load AND pending-empty-for-
// the-window, so the fired callback only notifies waiters once load has
// also been observed on the main frame — otherwise it leaves the waiter
// armed for onLifecycleEvent's load handler to retry.
func (c *Controller) armIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.idleWindow, func() {
		c.mu.Lock()
		fid := c.mainFrameID
		loaded := c.loadFired[fid]
		c.mu.Unlock()
		if !loaded {
			return
		}
		c.notifyWaiters(fid, "networkidle")
	})
}

func (c *Controller) onCrashed() {
	c.mu.Lock()
	c.crashed = true
	c.mu.Unlock()

	c.crashWaitersMu.Lock()
	for _, ch := range c.crashWaiters {
		ch <- cdperr.Wrap(cdperr.KindPageCrashed, cdperr.ErrPageCrashed, "target crashed")
	}
	c.crashWaiters = nil
	c.crashWaitersMu.Unlock()

	c.waitersMu.Lock()
	for _, w := range c.waiters {
		if !w.done {
			w.done = true
			close(w.ch)
		}
	}
	c.waiters = nil
	c.waitersMu.Unlock()
}

// Crashed reports whether Inspector.targetCrashed has fired on this tab.
func (c *Controller) Crashed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crashed
}

func (c *Controller) notifyWaiters(frameID cdp.FrameID, name string) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if w.done {
			continue
		}
		if w.frameID == frameID && string(w.until) == name {
			w.done = true
			close(w.ch)
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}

func (c *Controller) registerWaiter(frameID cdp.FrameID, until WaitUntil) *lifecycleWaiter {
	w := &lifecycleWaiter{frameID: frameID, until: until, ch: make(chan struct{})}
	c.waitersMu.Lock()
	c.waiters = append(c.waiters, w)
	c.waitersMu.Unlock()
	return w
}

func (c *Controller) registerCrashWaiter() chan error {
	ch := make(chan error, 1)
	c.crashWaitersMu.Lock()
	c.crashWaiters = append(c.crashWaiters, ch)
	c.crashWaitersMu.Unlock()
	return ch
}
