package transport

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/cdpstep/cdpstep/cdperr"
)

func nopLogger() *zap.Logger { return zap.NewNop() }

func TestBackoffDelayCapsAtMax(t *testing.T) {
	base := 500 * time.Millisecond
	max := 2 * time.Second

	d := backoffDelay(base, max, 10)
	assert.LessOrEqual(t, d, time.Duration(float64(max)*1.1))
}

func TestBackoffDelayGrowsExponentially(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Minute

	d1 := backoffDelay(base, max, 1)
	d3 := backoffDelay(base, max, 3)

	assert.Greater(t, d3, d1)
}

func TestTransportSubscribeUnlisten(t *testing.T) {
	tr := &Transport{listeners: make(map[string][]chan Event)}

	ch := tr.Listen("Page.loadEventFired")
	assert.Len(t, tr.listeners["Page.loadEventFired"], 1)

	tr.Unlisten(ch)
	assert.Len(t, tr.listeners["Page.loadEventFired"], 0)

	_, ok := <-ch
	assert.False(t, ok, "unlisten must close the channel")
}

func TestTransportDispatchRoutesGlobalAndScoped(t *testing.T) {
	tr := &Transport{listeners: make(map[string][]chan Event), log: nopLogger()}

	global := tr.Listen("Page.loadEventFired")
	scoped := tr.ListenSession("sess-1", "Page.loadEventFired")
	other := tr.ListenSession("sess-2", "Page.loadEventFired")

	tr.dispatch("sess-1", "Page.loadEventFired", 42)

	select {
	case ev := <-global:
		assert.Equal(t, 42, ev.Value)
	default:
		t.Fatal("expected global listener to receive event")
	}

	select {
	case ev := <-scoped:
		assert.Equal(t, 42, ev.Value)
	default:
		t.Fatal("expected scoped listener to receive event")
	}

	select {
	case <-other:
		t.Fatal("listener for a different session must not receive the event")
	default:
	}
}

func TestTransportExecuteRejectsWhenQueueFull(t *testing.T) {
	tr := &Transport{
		log:     nopLogger(),
		opts:    Options{MaxPending: 1},
		pend:    map[uint64]*pendingCommand{1: {ch: make(chan *cdproto.Message, 1)}},
		closed:  make(chan struct{}),
	}

	err := tr.Execute(context.Background(), "", "Page.navigate", nil, nil)
	assert.ErrorIs(t, err, cdperr.ErrQueueFull)
}
