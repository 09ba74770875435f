package steps

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/locator"
)

// refPattern matches the f{frameRef}s{snapshotId}e{elementNumber} ref
// scheme §4.8 assigns, distinguishing a bare ref string from a bare CSS
// selector string in a locator field that accepts either.
var refPattern = regexp.MustCompile(`^f.+s[0-9]+e[0-9]+$`)

type locatorEnvelope struct {
	Locator json.RawMessage `json:"locator"`
}

// splitLocator pulls the locator value out of an action's raw params. Most
// actions accept either a bare locator value ("f0s1e1", "#submit",
// {"text":"Send"}, ...) or an object carrying a nested "locator" field
// alongside action-specific options; both shapes decode into the same
// locator.Locator.
func splitLocator(raw json.RawMessage) json.RawMessage {
	var env locatorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Locator) > 0 {
		return env.Locator
	}
	return raw
}

// parseLocator decodes raw (already split via splitLocator) into one of
// the six locator shapes §4.6 defines.
func parseLocator(raw json.RawMessage) (locator.Locator, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if refPattern.MatchString(asString) {
			return locator.Locator{Kind: locator.KindRef, Ref: asString}, nil
		}
		return locator.Locator{Kind: locator.KindSelector, Selector: asString}, nil
	}

	var asArray []string
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return locator.Locator{Kind: locator.KindMulti, Selectors: asArray}, nil
	}

	var obj struct {
		Ref          string               `json:"ref"`
		Selector     string               `json:"selector"`
		Text         *locator.TextMatcher `json:"text"`
		ARIA         *locator.ARIAMatcher `json:"aria"`
		Point        *locator.Point       `json:"point"`
		Selectors    []string             `json:"selectors"`
		SearchFrames bool                 `json:"searchFrames"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return locator.Locator{}, cdperr.New(cdperr.KindValidation, "invalid locator: %s", err)
	}
	var loc locator.Locator
	switch {
	case obj.Ref != "":
		loc = locator.Locator{Kind: locator.KindRef, Ref: obj.Ref}
	case obj.Selector != "":
		loc = locator.Locator{Kind: locator.KindSelector, Selector: obj.Selector}
	case obj.Text != nil:
		loc = locator.Locator{Kind: locator.KindText, Text: obj.Text}
	case obj.ARIA != nil:
		loc = locator.Locator{Kind: locator.KindARIA, ARIA: obj.ARIA}
	case obj.Point != nil:
		loc = locator.Locator{Kind: locator.KindPoint, Point: obj.Point}
	case len(obj.Selectors) > 0:
		loc = locator.Locator{Kind: locator.KindMulti, Selectors: obj.Selectors}
	default:
		return locator.Locator{}, cdperr.New(cdperr.KindValidation, "locator has no recognized shape")
	}
	loc.SearchFrames = obj.SearchFrames
	return loc, nil
}

// resolveElement resolves loc against tab, falling back to the ref
// resolver (§4.12) when a ref locator's live DOM lookup comes back empty.
func resolveElement(ctx context.Context, tab *Tab, loc locator.Locator) (*locator.Element, error) {
	resolveRef := func(ref string) (string, error) {
		meta, ok := tab.Refs.Lookup(ref)
		if !ok {
			return "", cdperr.New(cdperr.KindNotFound, "ref %q not recorded", ref)
		}
		return meta.Selector, nil
	}

	el, err := tab.Locator.Resolve(ctx, tab.SessionID, loc, resolveRef)
	if err == nil {
		return el, nil
	}
	if loc.Kind != locator.KindRef || cdperr.KindOf(err) != cdperr.KindNotFound {
		return nil, err
	}

	res, rerr := tab.Resolver.Resolve(ctx, tab.SessionID, loc.Ref)
	if rerr != nil {
		return nil, rerr
	}
	return &locator.Element{ObjectID: res.ObjectID}, nil
}
