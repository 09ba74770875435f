package page

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	pageproto "github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestController() *Controller {
	c := New(nil, "sess-1", zap.NewNop())
	c.mainFrameID = cdp.FrameID("frame-main")
	c.frames[c.mainFrameID] = &cdp.Frame{ID: c.mainFrameID}
	c.idleWindow = 20 * time.Millisecond
	return c
}

func TestLifecycleWaiterFiresOnMatchingEvent(t *testing.T) {
	c := newTestController()

	waiter := c.registerWaiter(c.mainFrameID, WaitLoad)

	c.HandleEvent("Page.lifecycleEvent", &pageproto.EventLifecycleEvent{
		FrameID: c.mainFrameID,
		Name:    "load",
	})

	select {
	case <-waiter.ch:
	case <-time.After(time.Second):
		t.Fatal("waiter did not fire for matching lifecycle event")
	}
}

func TestLifecycleWaiterIgnoresOtherFrame(t *testing.T) {
	c := newTestController()
	waiter := c.registerWaiter(c.mainFrameID, WaitLoad)

	c.HandleEvent("Page.lifecycleEvent", &pageproto.EventLifecycleEvent{
		FrameID: cdp.FrameID("other-frame"),
		Name:    "load",
	})

	select {
	case <-waiter.ch:
		t.Fatal("waiter must not fire for a different frame")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNetworkIdleFiresAfterLoadAndPendingDrain(t *testing.T) {
	c := newTestController()
	waiter := c.registerWaiter(c.mainFrameID, WaitNetworkIdle)

	c.HandleEvent("Page.lifecycleEvent", &pageproto.EventLifecycleEvent{FrameID: c.mainFrameID, Name: "load"})
	c.HandleEvent("Network.requestWillBeSent", &network.EventRequestWillBeSent{RequestID: "r1"})
	c.HandleEvent("Network.loadingFinished", &network.EventLoadingFinished{RequestID: "r1"})

	select {
	case <-waiter.ch:
	case <-time.After(time.Second):
		t.Fatal("networkidle waiter did not fire once load fired and pending requests drained")
	}
}

func TestNetworkIdleWaitsForLoadEvenIfPendingDrainsFirst(t *testing.T) {
	c := newTestController()
	waiter := c.registerWaiter(c.mainFrameID, WaitNetworkIdle)

	// The network goes idle before load fires; networkidle must not
	// resolve on the idle timer alone.
	c.HandleEvent("Network.requestWillBeSent", &network.EventRequestWillBeSent{RequestID: "r1"})
	c.HandleEvent("Network.loadingFinished", &network.EventLoadingFinished{RequestID: "r1"})

	select {
	case <-waiter.ch:
		t.Fatal("networkidle must not fire before load has been observed")
	case <-time.After(60 * time.Millisecond):
	}

	c.HandleEvent("Page.lifecycleEvent", &pageproto.EventLifecycleEvent{FrameID: c.mainFrameID, Name: "load"})

	select {
	case <-waiter.ch:
	case <-time.After(time.Second):
		t.Fatal("networkidle did not fire after load arrived with the network already idle")
	}
}

func TestCrashFailsAllWaiters(t *testing.T) {
	c := newTestController()
	waiter := c.registerWaiter(c.mainFrameID, WaitLoad)
	crashCh := c.registerCrashWaiter()

	c.HandleEvent("Inspector.targetCrashed", &inspector.EventTargetCrashed{})

	require.True(t, c.Crashed())

	select {
	case err := <-crashCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("crash waiter did not receive an error")
	}

	_, open := <-waiter.ch
	assert.False(t, open, "lifecycle waiters must be released on crash")
}

func TestResolveFrameByName(t *testing.T) {
	c := newTestController()
	c.frames["child-1"] = &cdp.Frame{ID: "child-1", Name: "login-frame", ParentID: c.mainFrameID}

	fid, err := c.resolveFrame(FrameSelector{Name: "login-frame"})
	require.NoError(t, err)
	assert.Equal(t, cdp.FrameID("child-1"), fid)
}

func TestResolveFrameUnknownNameErrors(t *testing.T) {
	c := newTestController()
	_, err := c.resolveFrame(FrameSelector{Name: "nope"})
	assert.Error(t, err)
}

func TestFrameNavigatedUpdatesMainFrame(t *testing.T) {
	c := newTestController()

	c.HandleEvent("Page.frameNavigated", &pageproto.EventFrameNavigated{
		Frame: &cdp.Frame{ID: "frame-new"},
	})

	assert.Equal(t, cdp.FrameID("frame-new"), c.MainFrameID())
}
