package session

import (
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"

	"github.com/cdpstep/cdpstep/transport"
)

func newTestRegistry() *Registry {
	return &Registry{
		byTarget:     make(map[target.ID]target.SessionID),
		byTarget_rev: make(map[target.SessionID]target.ID),
	}
}

func TestSessionForUnknownTargetIsInvalid(t *testing.T) {
	r := newTestRegistry()
	_, err := r.SessionFor("missing-target")
	assert.Error(t, err)
}

func TestTargetForRoundTrip(t *testing.T) {
	r := newTestRegistry()
	r.byTarget["tgt-1"] = "sess-1"
	r.byTarget_rev["sess-1"] = "tgt-1"

	sid, err := r.SessionFor("tgt-1")
	assert.NoError(t, err)
	assert.Equal(t, target.SessionID("sess-1"), sid)

	tid, ok := r.TargetFor("sess-1")
	assert.True(t, ok)
	assert.Equal(t, target.ID("tgt-1"), tid)
}

func TestDetachRemovesSessionBookkeeping(t *testing.T) {
	r := newTestRegistry()
	r.byTarget["tgt-1"] = "sess-1"
	r.byTarget_rev["sess-1"] = "tgt-1"

	ch := make(chan transport.Event, 1)
	ch <- transport.Event{Value: &target.EventDetachedFromTarget{SessionID: "sess-1"}}
	close(ch)
	r.detachedCh = ch
	r.watchDetach()

	_, ok := r.TargetFor("sess-1")
	assert.False(t, ok)
	_, err := r.SessionFor("tgt-1")
	assert.Error(t, err)
}
