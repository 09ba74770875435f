package page

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/cdpstep/cdpstep/cdperr"
)

// NavigateOptions mirrors the "navigate" step's optional fields (§4.4).
type NavigateOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
	Referrer  string
}

func (o NavigateOptions) withDefaults() NavigateOptions {
	if o.WaitUntil == "" {
		o.WaitUntil = WaitLoad
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

type navigateParams struct {
	URL      string `json:"url"`
	Referrer string `json:"referrer,omitempty"`
}

type navigateResult struct {
	FrameID   cdp.FrameID `json:"frameId"`
	LoaderID  string      `json:"loaderId,omitempty"`
	ErrorText string      `json:"errorText,omitempty"`
}

// Navigate drives the main frame to url and awaits opts.WaitUntil, honoring
// supersession (a second in-flight navigate aborts the first), crash, and
// timeout as concurrent completion sources (§4.4 step 5).
func (c *Controller) Navigate(ctx context.Context, url string, opts NavigateOptions) error {
	opts = opts.withDefaults()

	if c.Crashed() {
		return cdperr.Wrap(cdperr.KindPageCrashed, cdperr.ErrPageCrashed, "navigate to %s", url)
	}

	epoch := c.beginNavigation()
	defer c.endNavigation(epoch)

	c.mu.Lock()
	mainFrame := c.mainFrameID
	delete(c.lifecycle, mainFrame)
	delete(c.loadFired, mainFrame)
	c.mu.Unlock()

	c.navMu.Lock()
	c.pending = make(map[network.RequestID]struct{})
	c.navMu.Unlock()

	waiter := c.registerWaiter(mainFrame, opts.WaitUntil)
	crashCh := c.registerCrashWaiter()

	var res navigateResult
	err := c.exec(ctx, "Page.navigate", navigateParams{URL: url, Referrer: opts.Referrer}, &res)
	if err != nil {
		return cdperr.Wrap(cdperr.KindNavigation, err, "navigate to %s", url)
	}
	if res.ErrorText != "" {
		return cdperr.New(cdperr.KindNavigation, "navigate to %s: %s", url, res.ErrorText)
	}

	if opts.WaitUntil == WaitCommit {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	select {
	case <-waiter.ch:
		return nil
	case err := <-crashCh:
		return err
	case <-tctx.Done():
		return cdperr.Wrap(cdperr.KindTimeout, tctx.Err(), "navigate to %s: waiting for %s", url, opts.WaitUntil)
	case reason := <-c.navAbort(epoch):
		return reason
	}
}

// Reload re-issues the navigation for the current URL and awaits the same
// kind of waiter as Navigate.
func (c *Controller) Reload(ctx context.Context, opts NavigateOptions) error {
	opts = opts.withDefaults()

	if c.Crashed() {
		return cdperr.Wrap(cdperr.KindPageCrashed, cdperr.ErrPageCrashed, "reload")
	}

	epoch := c.beginNavigation()
	defer c.endNavigation(epoch)

	c.mu.Lock()
	mainFrame := c.mainFrameID
	delete(c.lifecycle, mainFrame)
	delete(c.loadFired, mainFrame)
	c.mu.Unlock()

	waiter := c.registerWaiter(mainFrame, opts.WaitUntil)
	crashCh := c.registerCrashWaiter()

	if err := c.exec(ctx, "Page.reload", struct{}{}, nil); err != nil {
		return cdperr.Wrap(cdperr.KindNavigation, err, "reload")
	}

	tctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	select {
	case <-waiter.ch:
		return nil
	case err := <-crashCh:
		return err
	case <-tctx.Done():
		return cdperr.Wrap(cdperr.KindTimeout, tctx.Err(), "reload: waiting for %s", opts.WaitUntil)
	case reason := <-c.navAbort(epoch):
		return reason
	}
}

type navigationHistoryEntry struct {
	URL string `json:"url"`
}

type navigationHistoryResult struct {
	CurrentIndex int                      `json:"currentIndex"`
	Entries      []navigationHistoryEntry `json:"entries"`
}

// GoBack/GoForward consult Page.getNavigationHistory and report noHistory
// rather than erroring at an endpoint (§4.4).
func (c *Controller) GoBack(ctx context.Context) (noHistory bool, err error) {
	return c.goDelta(ctx, -1)
}

func (c *Controller) GoForward(ctx context.Context) (noHistory bool, err error) {
	return c.goDelta(ctx, 1)
}

func (c *Controller) goDelta(ctx context.Context, delta int) (bool, error) {
	var hist navigationHistoryResult
	if err := c.exec(ctx, "Page.getNavigationHistory", struct{}{}, &hist); err != nil {
		return false, cdperr.Wrap(cdperr.KindNavigation, err, "get navigation history")
	}

	target := hist.CurrentIndex + delta
	if target < 0 || target >= len(hist.Entries) {
		return true, nil
	}

	type params struct {
		EntryID int `json:"entryId"`
	}
	if err := c.exec(ctx, "Page.navigateToHistoryEntry", params{EntryID: target}, nil); err != nil {
		return false, cdperr.Wrap(cdperr.KindNavigation, err, "navigate to history entry %d", target)
	}
	return false, nil
}

// WaitForNetworkIdle waits for the pending-request set to stay empty for
// the controller's idle window, without starting a navigation (§4.5's
// "event-driven counter based on Network events" wait). As with the
// networkidle navigation condition, it only resolves once load has also
// been observed on the main frame.
func (c *Controller) WaitForNetworkIdle(ctx context.Context, timeout time.Duration) error {
	if c.Crashed() {
		return cdperr.Wrap(cdperr.KindPageCrashed, cdperr.ErrPageCrashed, "waitForNetworkIdle")
	}

	c.mu.Lock()
	mainFrame := c.mainFrameID
	c.mu.Unlock()

	c.navMu.Lock()
	alreadyIdle := len(c.pending) == 0
	c.navMu.Unlock()

	waiter := c.registerWaiter(mainFrame, WaitNetworkIdle)
	crashCh := c.registerCrashWaiter()

	if alreadyIdle {
		c.navMu.Lock()
		c.armIdleTimerLocked()
		c.navMu.Unlock()
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-waiter.ch:
		return nil
	case err := <-crashCh:
		return err
	case <-tctx.Done():
		return cdperr.Wrap(cdperr.KindTimeout, tctx.Err(), "waiting for network idle")
	}
}

// StopLoading aborts any in-flight navigation as "stopped" and asks the
// browser to stop loading.
func (c *Controller) StopLoading(ctx context.Context) error {
	c.navMu.Lock()
	if c.navAbortCh != nil {
		c.navAbortCh <- cdperr.Wrap(cdperr.KindNavigationAborted, cdperr.ErrNavigationStopped, "stopLoading")
	}
	c.navMu.Unlock()

	return c.exec(ctx, "Page.stopLoading", struct{}{}, nil)
}

// beginNavigation aborts any still-in-flight navigation as "superseded"
// (§4.4 step 1) and installs a fresh abort channel for the new one.
func (c *Controller) beginNavigation() uint64 {
	c.navMu.Lock()
	defer c.navMu.Unlock()

	if c.navAbortCh != nil {
		c.navAbortCh <- cdperr.Wrap(cdperr.KindNavigationAborted, cdperr.ErrNavigationSuperseded, "superseded by a later navigation")
	}
	c.navEpoch++
	epoch := c.navEpoch
	c.navAbortCh = make(chan error, 1)
	return epoch
}

func (c *Controller) endNavigation(epoch uint64) {
	c.navMu.Lock()
	defer c.navMu.Unlock()
	if c.navEpoch == epoch {
		c.navAbortCh = nil
	}
}

// navAbort returns the abort channel for epoch, or a nil channel (which
// blocks forever in a select) if epoch is no longer current.
func (c *Controller) navAbort(epoch uint64) <-chan error {
	c.navMu.Lock()
	defer c.navMu.Unlock()
	if c.navEpoch != epoch {
		return nil
	}
	return c.navAbortCh
}
