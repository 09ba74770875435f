// Package session tracks the CDP sessions attached to browser targets (tabs),
// mapping target IDs to session IDs and tearing a session down when the
// browser reports it detached out from under us. Grounded on the teacher's
// Target bookkeeping in target.go, generalized from one target-per-Browser
// to a registry the step runner can attach/detach against freely (C2 of
// SPEC_FULL.md).
package session

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/transport"
)

// Registry owns the attach/detach lifecycle of CDP sessions over a single
// Transport.
type Registry struct {
	t *transport.Transport

	mu       sync.RWMutex
	byTarget map[target.ID]target.SessionID
	byTarget_rev map[target.SessionID]target.ID

	detachedCh <-chan transport.Event
}

// New builds a Registry over t and starts watching Target.detachedFromTarget
// so externally-closed tabs are reaped automatically.
func New(t *transport.Transport) *Registry {
	r := &Registry{
		t:            t,
		byTarget:     make(map[target.ID]target.SessionID),
		byTarget_rev: make(map[target.SessionID]target.ID),
		detachedCh:   t.Listen("Target.detachedFromTarget"),
	}
	go r.watchDetach()
	return r
}

func (r *Registry) watchDetach() {
	for ev := range r.detachedCh {
		detached, ok := ev.Value.(*target.EventDetachedFromTarget)
		if !ok {
			continue
		}
		r.mu.Lock()
		if tid, ok := r.byTarget_rev[detached.SessionID]; ok {
			delete(r.byTarget, tid)
			delete(r.byTarget_rev, detached.SessionID)
		}
		r.mu.Unlock()
	}
}

// attachParams/-Result mirror Target.attachToTarget's wire shape; defined
// locally rather than via cdproto's generated builder per transport's
// plain-JSON Execute convention.
type attachParams struct {
	TargetID target.ID `json:"targetId"`
	Flatten  bool      `json:"flatten"`
}

type attachResult struct {
	SessionID target.SessionID `json:"sessionId"`
}

type detachParams struct {
	SessionID target.SessionID `json:"sessionId"`
}

// Attach opens a new CDP session over targetID, using the flat sessionId
// addressing mode (§3: every outbound/inbound message may carry a bare
// sessionId rather than being wrapped in Target.sendMessageToTarget).
func (r *Registry) Attach(ctx context.Context, targetID target.ID) (target.SessionID, error) {
	r.mu.RLock()
	if sid, ok := r.byTarget[targetID]; ok {
		r.mu.RUnlock()
		return sid, nil
	}
	r.mu.RUnlock()

	var res attachResult
	err := r.t.Execute(ctx, "", "Target.attachToTarget", attachParams{TargetID: targetID, Flatten: true}, &res)
	if err != nil {
		return "", cdperr.Wrap(cdperr.KindConnection, err, "attach to target %s", targetID)
	}

	r.mu.Lock()
	r.byTarget[targetID] = res.SessionID
	r.byTarget_rev[res.SessionID] = targetID
	r.mu.Unlock()

	return res.SessionID, nil
}

// Detach closes sessionID's CDP session and forgets it.
func (r *Registry) Detach(ctx context.Context, sessionID target.SessionID) error {
	r.mu.Lock()
	tid, ok := r.byTarget_rev[sessionID]
	if ok {
		delete(r.byTarget, tid)
		delete(r.byTarget_rev, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	return r.t.Execute(ctx, "", "Target.detachFromTarget", detachParams{SessionID: sessionID}, nil)
}

// DetachByTarget detaches whatever session is attached to targetID, if any.
func (r *Registry) DetachByTarget(ctx context.Context, targetID target.ID) error {
	r.mu.RLock()
	sid, ok := r.byTarget[targetID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.Detach(ctx, sid)
}

// DetachAll detaches every known session, used on runner shutdown.
func (r *Registry) DetachAll(ctx context.Context) {
	r.mu.RLock()
	sessions := make([]target.SessionID, 0, len(r.byTarget_rev))
	for sid := range r.byTarget_rev {
		sessions = append(sessions, sid)
	}
	r.mu.RUnlock()

	for _, sid := range sessions {
		_ = r.Detach(ctx, sid)
	}
}

// SessionFor returns the session attached to targetID, or ErrSessionInvalid
// if no session is currently attached.
func (r *Registry) SessionFor(targetID target.ID) (target.SessionID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byTarget[targetID]
	if !ok {
		return "", cdperr.Wrap(cdperr.KindConnection, cdperr.ErrSessionInvalid, "no session attached to target %s", targetID)
	}
	return sid, nil
}

// TargetFor is the inverse of SessionFor.
func (r *Registry) TargetFor(sessionID target.SessionID) (target.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tid, ok := r.byTarget_rev[sessionID]
	return tid, ok
}

// Execute sends method over sessionID's session, returning ErrSessionInvalid
// if the session has since been detached (e.g. the tab was closed by the
// page itself).
func (r *Registry) Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	r.mu.RLock()
	_, ok := r.byTarget_rev[sessionID]
	r.mu.RUnlock()
	if !ok {
		return cdperr.Wrap(cdperr.KindConnection, cdperr.ErrSessionInvalid, "%s", method)
	}
	return r.t.Execute(ctx, sessionID, method, params, res)
}
