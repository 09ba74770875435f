package steps

import (
	"context"
	"encoding/json"

	"github.com/cdpstep/cdpstep/cdperr"
)

// Handler executes one step kind against env using tab's session, decoding
// its parameters from the step's raw JSON. tab is nil for kinds that don't
// require an active tab (chromeStatus, newTab when no tab exists yet).
type Handler func(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error)

var registry = map[string]Handler{}

// register adds kind to the dispatch table. Called from each file's init
// in this package, one per group of related step kinds.
func register(kind string, h Handler) {
	if _, exists := registry[kind]; exists {
		panic("steps: duplicate registration for kind " + kind)
	}
	registry[kind] = h
}

// Dispatch runs the handler registered for kind.
func Dispatch(ctx context.Context, env *Env, tab *Tab, kind string, params json.RawMessage) (any, error) {
	h, ok := registry[kind]
	if !ok {
		return nil, cdperr.New(cdperr.KindValidation, "unknown step kind %q", kind)
	}
	return h(ctx, env, tab, params)
}

// Known reports whether kind is a registered step kind, used by the
// runner's up-front validation pass (§4.11 step 1).
func Known(kind string) bool {
	_, ok := registry[kind]
	return ok
}

// Kinds returns every registered step kind.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return cdperr.Wrap(cdperr.KindValidation, err, "decode step params")
	}
	return nil
}
