// Package steps implements the closed set of step kinds the runner
// dispatches (C10 of SPEC_FULL.md): one handler per kind, registered into a
// shared dispatch table, each decoding its own parameter shape from the
// step's raw JSON and driving the core collaborators (page, locator,
// actionability, input, snapshot, refresolve).
package steps

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/cdpstep/cdpstep/actionability"
	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/console"
	"github.com/cdpstep/cdpstep/input"
	"github.com/cdpstep/cdpstep/locator"
	"github.com/cdpstep/cdpstep/page"
	"github.com/cdpstep/cdpstep/refresolve"
	"github.com/cdpstep/cdpstep/session"
	"github.com/cdpstep/cdpstep/siteprofile"
	"github.com/cdpstep/cdpstep/snapshot"
	"github.com/cdpstep/cdpstep/tabstore"
	"github.com/cdpstep/cdpstep/transport"
)

// Tab bundles the per-tab collaborators a step executor drives. Every
// exported field is set once at attach time; the tab's URL is not cached
// here and is read from the page when needed.
type Tab struct {
	Alias     string
	TargetID  target.ID
	SessionID target.SessionID
	Page      *page.Controller
	Locator   *locator.Resolver
	Snapshot  *snapshot.Snapshotter
	Refs      refresolve.MapStore
	Resolver  *refresolve.Resolver
	Console   *console.Capture

	consoleCursor int
}

// pageExecutor narrows session.Registry to what the core collaborators
// need; session.Registry already satisfies this directly, so every tab
// shares one session-scoped executor rather than wrapping it per tab.
type pageExecutor interface {
	Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error
}

// Env bundles the collaborators every step handler can reach. Per-tab
// state lives on Tab; Input and Actionability are session-scoped by
// parameter so one instance serves every tab.
type Env struct {
	Transport     *transport.Transport
	Sessions      *session.Registry
	TabAliases    *tabstore.Store
	Profiles      *siteprofile.Store
	Input         *input.Emulator
	Actionability *actionability.Checker
	Log           *zap.Logger
	TmpDir        string

	mu       sync.Mutex
	tabs     map[string]*Tab
	aliasSeq int
}

// NewEnv builds an Env over an already-dialed transport and attached
// session registry.
func NewEnv(t *transport.Transport, sessions *session.Registry, tabAliases *tabstore.Store, profiles *siteprofile.Store, tmpDir string, log *zap.Logger) *Env {
	if log == nil {
		log = zap.NewNop()
	}
	var exec pageExecutor = sessions
	return &Env{
		Transport:     t,
		Sessions:      sessions,
		TabAliases:    tabAliases,
		Profiles:      profiles,
		Input:         input.New(exec),
		Actionability: actionability.New(exec),
		Log:           log,
		TmpDir:        tmpDir,
		tabs:          map[string]*Tab{},
	}
}

// NextAlias mints the next default tab alias ("t1", "t2", ...), used when
// newTab/openTab is called without an explicit alias.
func (e *Env) NextAlias() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aliasSeq++
	return fmt.Sprintf("t%d", e.aliasSeq)
}

// AttachTab wires up a new Tab's page controller and per-tab collaborators
// over an already-attached session, and starts pumping that session's
// transport events into the page controller.
func (e *Env) AttachTab(ctx context.Context, alias string, targetID target.ID, sessionID target.SessionID) (*Tab, error) {
	pc := page.New(e.Sessions, sessionID, e.Log)
	if err := pc.Initialize(ctx); err != nil {
		return nil, err
	}
	e.pumpEvents(sessionID, pc)

	refs := refresolve.MapStore{}
	var exec pageExecutor = e.Sessions
	tab := &Tab{
		Alias:     alias,
		TargetID:  targetID,
		SessionID: sessionID,
		Page:      pc,
		Snapshot:  snapshot.New(exec, 0),
		Refs:      refs,
		Console:   console.New(),
	}
	e.pumpConsole(sessionID, tab.Console)
	tab.Locator = locator.New(exec, func(ctx context.Context, frameID string) error {
		return pc.SwitchToFrame(ctx, page.FrameSelector{FrameID: cdp.FrameID(frameID)})
	}, func() []string {
		frames := pc.Frames()
		ids := make([]string, len(frames))
		for i, f := range frames {
			ids[i] = f.ID
		}
		return ids
	})
	tab.Resolver = refresolve.New(exec, refs)

	e.mu.Lock()
	e.tabs[alias] = tab
	e.mu.Unlock()
	return tab, nil
}

// pageEvents lists the Page/Network/Runtime/Inspector events a page
// controller reacts to (§4.4); kept here rather than in package page so
// the page controller stays decoupled from the transport.
var pageEvents = []string{
	"Page.lifecycleEvent",
	"Page.frameNavigated",
	"Network.requestWillBeSent",
	"Network.loadingFinished",
	"Network.loadingFailed",
	"Runtime.executionContextCreated",
	"Runtime.executionContextDestroyed",
	"Inspector.targetCrashed",
}

func (e *Env) pumpEvents(sessionID target.SessionID, pc *page.Controller) {
	for _, method := range pageEvents {
		ch := e.Transport.ListenSession(sessionID, cdproto.MethodType(method))
		go func(method string, ch <-chan transport.Event) {
			for ev := range ch {
				pc.HandleEvent(method, ev.Value)
			}
		}(method, ch)
	}
}

// pumpConsole feeds sessionID's console/exception events into cap, the
// timeline the "console" step kind and the runner's per-step console
// capture (§4.11 step 4e) both read from.
func (e *Env) pumpConsole(sessionID target.SessionID, cap *console.Capture) {
	consoleCh := e.Transport.ListenSession(sessionID, cdproto.MethodType("Runtime.consoleAPICalled"))
	go func() {
		for ev := range consoleCh {
			if v, ok := ev.Value.(*runtime.EventConsoleAPICalled); ok {
				cap.HandleConsoleAPICalled(v)
			}
		}
	}()

	exceptionCh := e.Transport.ListenSession(sessionID, cdproto.MethodType("Runtime.exceptionThrown"))
	go func() {
		for ev := range exceptionCh {
			if v, ok := ev.Value.(*runtime.EventExceptionThrown); ok {
				cap.HandleExceptionThrown(v)
			}
		}
	}()
}

// Tab looks up a previously attached tab by alias.
func (e *Env) Tab(alias string) (*Tab, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tabs[alias]
	return t, ok
}

// Tabs returns every currently attached tab, in no particular order.
func (e *Env) Tabs() []*Tab {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Tab, 0, len(e.tabs))
	for _, t := range e.tabs {
		out = append(out, t)
	}
	return out
}

// findByTarget looks up a previously attached tab by its target ID.
func (e *Env) findByTarget(targetID target.ID) *Tab {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tabs {
		if t.TargetID == targetID {
			return t
		}
	}
	return nil
}

// RemoveTab forgets alias, e.g. after closeTab.
func (e *Env) RemoveTab(alias string) {
	e.mu.Lock()
	delete(e.tabs, alias)
	e.mu.Unlock()
}

// RequireTab resolves alias to a Tab or a NOT_FOUND error, the check every
// step handler that needs an active tab starts with.
func (e *Env) RequireTab(alias string) (*Tab, error) {
	t, ok := e.Tab(alias)
	if !ok {
		return nil, cdperr.New(cdperr.KindNotFound, "no tab with alias %q", alias)
	}
	return t, nil
}

// ConsoleSince returns tab's console messages captured since the last call
// (or since attach, on the first call), advancing tab's cursor.
func (t *Tab) ConsoleSince() []console.Message {
	msgs, cursor := t.Console.Since(t.consoleCursor)
	t.consoleCursor = cursor
	return msgs
}
