// Package refresolve re-resolves a stale ref when a step's live DOM lookup
// comes back null: it replays the selector/role/name a snapshot recorded
// for that ref and adopts the unique surviving match, or fails with
// *ref stale* (C12 of SPEC_FULL.md). Grounded on the same
// Runtime.evaluate-probe pattern locator.Resolver uses, since re-resolution
// is really "run the selector locator again, then filter."
package refresolve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/jsassets"
)

// Meta is the {selector, role, name} triple recorded for a ref when it was
// assigned, the stored metadata §4.12 step 1 reads back.
type Meta struct {
	Selector string `json:"selector"`
	Role     string `json:"role"`
	Name     string `json:"name"`
}

// Store looks up the metadata recorded for a ref. The steps package keeps a
// MapStore per tab and fills it from each snapshot's nodes and from every
// element a locating step registers.
type Store interface {
	Lookup(ref string) (Meta, bool)
}

// MapStore is the simplest Store: an in-memory map, suitable for a single
// tab's lifetime.
type MapStore map[string]Meta

func (m MapStore) Lookup(ref string) (Meta, bool) {
	meta, ok := m[ref]
	return meta, ok
}

// Executor is the narrow capability the resolver needs from a session.
type Executor interface {
	Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error
}

// Resolver re-resolves stale refs using recorded metadata.
type Resolver struct {
	exec  Executor
	store Store
}

func New(exec Executor, store Store) *Resolver {
	return &Resolver{exec: exec, store: store}
}

type evalParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
}

type callResult struct {
	Result           *runtime.RemoteObject     `json:"result"`
	ExceptionDetails *runtime.ExceptionDetails `json:"exceptionDetails,omitempty"`
}

type candidateOutcome struct {
	Count int `json:"count"`
}

// Result is the outcome of a successful re-resolution: an object id bound
// to the adopted element plus reResolved:true for the step output, §4.12
// step 4.
type Result struct {
	ObjectID   runtime.RemoteObjectID
	ReResolved bool
}

// Resolve re-resolves ref using its recorded selector/role/name. It fails
// with KindNotFound ("ref stale") unless exactly one element matches all
// three.
func (r *Resolver) Resolve(ctx context.Context, sessionID target.SessionID, ref string) (*Result, error) {
	meta, ok := r.store.Lookup(ref)
	if !ok {
		return nil, cdperr.New(cdperr.KindNotFound, "ref %q stale: no recorded metadata, re-snapshot and retry", ref)
	}

	nameFilter := "true"
	if meta.Name != "" {
		nameFilter = fmt.Sprintf("accessibleName(el) === %s", jsString(meta.Name))
	}
	roleFilter := "true"
	if meta.Role != "" {
		roleFilter = fmt.Sprintf("inferRole(el) === %s", jsString(meta.Role))
	}

	matchExpr := jsassets.AccessibleName + jsassets.InferRole + fmt.Sprintf(`(() => {
		const candidates = Array.from(document.querySelectorAll(%s)).filter(el => (%s) && (%s));
		return {count: candidates.length};
	})()`, jsString(meta.Selector), roleFilter, nameFilter)

	var probe callResult
	if err := r.exec.Execute(ctx, sessionID, "Runtime.evaluate", evalParams{Expression: matchExpr, ReturnByValue: true}, &probe); err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "re-resolve ref %q", ref)
	}
	if probe.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "re-resolve ref %q: %s", ref, probe.ExceptionDetails.Text)
	}
	var out candidateOutcome
	if probe.Result != nil && probe.Result.Value != nil {
		if err := json.Unmarshal(probe.Result.Value, &out); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "decode re-resolve result")
		}
	}
	if out.Count != 1 {
		return nil, cdperr.New(cdperr.KindNotFound, "ref %q stale: %d candidates match selector %q role %q name %q, want exactly 1",
			ref, out.Count, meta.Selector, meta.Role, meta.Name)
	}

	handleExpr := jsassets.AccessibleName + jsassets.InferRole + fmt.Sprintf(`(() => {
		const candidates = Array.from(document.querySelectorAll(%s)).filter(el => (%s) && (%s));
		return candidates[0];
	})()`, jsString(meta.Selector), roleFilter, nameFilter)

	var handle callResult
	if err := r.exec.Execute(ctx, sessionID, "Runtime.evaluate", evalParams{Expression: handleExpr}, &handle); err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "re-resolve ref %q handle", ref)
	}
	if handle.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "re-resolve ref %q handle: %s", ref, handle.ExceptionDetails.Text)
	}
	if handle.Result == nil || handle.Result.ObjectID == "" {
		return nil, cdperr.New(cdperr.KindNotFound, "ref %q stale: adopted candidate vanished before handle capture", ref)
	}

	return &Result{ObjectID: handle.Result.ObjectID, ReResolved: true}, nil
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
