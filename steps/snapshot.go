package steps

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/refresolve"
	"github.com/cdpstep/cdpstep/snapshot"
)

func init() {
	register("snapshot", snapshotStep)
	register("snapshotSearch", snapshotSearchStep)
}

type snapshotParams struct {
	Detail        string `json:"detail"`
	Since         string `json:"since"`
	Root          string `json:"root"`
	PierceShadow  bool   `json:"pierceShadow"`
	IncludeFrames bool   `json:"includeFrames"`
}

// snapshotStep captures the accessibility tree for the tab's current frame
// and returns it inline or, past the inline limit, by file path (§4.8).
func snapshotStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p snapshotParams
	_ = decode(params, &p)

	detail := snapshot.Detail(p.Detail)
	if detail == "" {
		detail = snapshot.DetailFull
	}

	opts := snapshot.WalkOptions{PierceShadow: p.PierceShadow, IncludeFrames: p.IncludeFrames}
	snap, err := tab.Snapshot.Capture(ctx, tab.SessionID, "main", detail, opts)
	if err != nil {
		return nil, err
	}

	if p.Since != "" {
		fp, _ := json.Marshal(snap.Fingerprint)
		if string(fp) == p.Since {
			return map[string]any{"unchanged": true, "snapshotId": snap.ID}, nil
		}
	}

	mergeRefs(tab, snap.Nodes)

	out := map[string]any{"snapshotId": snap.ID}
	fp, _ := json.Marshal(snap.Fingerprint)
	out["fingerprint"] = string(fp)
	inline, path, err := tab.Snapshot.WriteOrInline(env.TmpDir, tab.Alias, snap.Text)
	if err != nil {
		return nil, err
	}
	if path != "" {
		out["fullSnapshot"] = path
	} else {
		out["viewportSnapshot"] = inline
	}
	return out, nil
}

// mergeRefs adds the metadata for every node a snapshot assigned into
// tab's ref store without clearing prior entries, since the browser-side
// ref map a concurrent invocation relies on is authoritative state the
// snapshotter merges into rather than replaces (§5). Nodes is a tree, so
// every captured element regardless of nesting depth needs registering.
func mergeRefs(tab *Tab, nodes []snapshot.Node) {
	for _, n := range snapshot.Flatten(nodes) {
		if n.Ref == "" {
			continue
		}
		tab.Refs[n.Ref] = refresolve.Meta{
			Selector: `[data-cdpstep-ref="` + n.Ref + `"]`,
			Role:     n.Role,
			Name:     n.Name,
		}
	}
}

type snapshotSearchParams struct {
	Text    string `json:"text"`
	Pattern string `json:"pattern"`
	Role    string `json:"role"`
}

// snapshotSearchStep filters the current full accessibility tree to nodes
// matching a text substring, role, or both.
func snapshotSearchStep(ctx context.Context, env *Env, tab *Tab, params json.RawMessage) (any, error) {
	var p snapshotSearchParams
	_ = decode(params, &p)
	if p.Text == "" && p.Pattern == "" && p.Role == "" {
		return nil, cdperr.New(cdperr.KindValidation, "snapshotSearch requires text, pattern, or role")
	}

	var re *regexp.Regexp
	if p.Pattern != "" {
		var err error
		re, err = regexp.Compile(p.Pattern)
		if err != nil {
			return nil, cdperr.New(cdperr.KindValidation, "snapshotSearch: invalid pattern %q: %v", p.Pattern, err)
		}
	}

	snap, err := tab.Snapshot.Capture(ctx, tab.SessionID, "main", snapshot.DetailFull, snapshot.WalkOptions{})
	if err != nil {
		return nil, err
	}
	mergeRefs(tab, snap.Nodes)

	var matches []snapshot.Node
	for _, n := range snapshot.Flatten(snap.Nodes) {
		if p.Role != "" && n.Role != p.Role {
			continue
		}
		if p.Text != "" && !strings.Contains(strings.ToLower(n.Name), strings.ToLower(p.Text)) {
			continue
		}
		if re != nil && !re.MatchString(n.Name) {
			continue
		}
		matches = append(matches, n)
	}
	return map[string]any{"matches": matches, "snapshotId": snap.ID}, nil
}
