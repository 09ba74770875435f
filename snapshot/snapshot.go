// Package snapshot builds the accessibility tree a snapshot step returns:
// a walk of the DOM (shadow-piercing, frame-aware) reduced to role,
// accessible name, and state per interactive element, serialized as
// indented YAML-like text (C8 of SPEC_FULL.md). The single-injected-walker
// pattern is grounded on zhimaAi-ChatClaw's browser_snapshot.go, generalized
// from its flat integer data-ref scheme to the f{F}s{S}e{N} ref format and
// from "dump every interactive element" to the summary/interactive/full
// detail levels §4.8 requires.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/jsassets"
)

// Detail selects how much of the tree a snapshot includes, §4.8.
type Detail string

const (
	DetailSummary     Detail = "summary"
	DetailInteractive Detail = "interactive"
	DetailFull        Detail = "full"
)

// InlineLimit is the default byte threshold past which a snapshot is
// written to a file and returned by path instead of inline text, §4.8.
const InlineLimit = 9 * 1024

// Executor is the narrow capability the snapshotter needs from a session.
type Executor interface {
	Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error
}

// States is the ARIA state set an accessibility node carries, §4.8 step 2.
type States struct {
	Checked  bool `json:"checked,omitempty"`
	Disabled bool `json:"disabled,omitempty"`
	Expanded bool `json:"expanded,omitempty"`
	Required bool `json:"required,omitempty"`
	Invalid  bool `json:"invalid,omitempty"`
	Focused  bool `json:"focused,omitempty"`
}

// Node is one element captured by a walk, mirroring the fields the
// injected JS walker reports per element. Children nests elements found
// inside this one's DOM subtree (including pierced shadow roots and
// walked iframes), not a flat sibling list.
type Node struct {
	Ref      string `json:"ref"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	Tag      string `json:"tag"`
	Value    string `json:"value,omitempty"`
	Level    int    `json:"level,omitempty"`
	States   States `json:"states"`
	Children []Node `json:"children,omitempty"`
}

// Flatten returns every node in nodes and its descendants, document order,
// depth-first. Search and ref-registration need every captured element
// regardless of nesting; Serialize and summarize walk the tree directly.
func Flatten(nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
		if len(n.Children) > 0 {
			out = append(out, Flatten(n.Children)...)
		}
	}
	return out
}

// Fingerprint identifies a snapshot's observable state for the `since`
// unchanged-check, §4.8.
type Fingerprint struct {
	URL              string `json:"url"`
	ScrollX          int    `json:"scrollX"`
	ScrollY          int    `json:"scrollY"`
	DocWidth         int    `json:"docWidth"`
	DocHeight        int    `json:"docHeight"`
	InteractiveCount int    `json:"interactiveCount"`
}

// Snapshot is one captured accessibility tree for a frame.
type Snapshot struct {
	ID          int64
	FrameRef    string // the "F" component of f{F}s{S}e{N}
	Nodes       []Node
	Fingerprint Fingerprint
	Text        string
}

// Snapshotter captures accessibility trees for one tab, numbering
// snapshots strictly increasing per frame across successive calls.
type Snapshotter struct {
	exec     Executor
	counters map[string]*int64 // frame ref -> next snapshot id
	inline   int
}

// New builds a Snapshotter. inlineLimit <= 0 uses InlineLimit.
func New(exec Executor, inlineLimit int) *Snapshotter {
	if inlineLimit <= 0 {
		inlineLimit = InlineLimit
	}
	return &Snapshotter{exec: exec, counters: map[string]*int64{}, inline: inlineLimit}
}

func (s *Snapshotter) nextID(frameRef string) int64 {
	c, ok := s.counters[frameRef]
	if !ok {
		c = new(int64)
		s.counters[frameRef] = c
	}
	return atomic.AddInt64(c, 1)
}

type evalParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
}

type callResult struct {
	Result           *runtime.RemoteObject     `json:"result"`
	ExceptionDetails *runtime.ExceptionDetails `json:"exceptionDetails,omitempty"`
}

type walkOutcome struct {
	Nodes       []Node      `json:"nodes"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

const walkScript = jsassets.SnapshotWalker + `
(() => {
	const counter = {n: 0};
	const nodes = walk(document.body || document.documentElement, %s, counter, %s, %s, %s);
	function countNodes(list) {
		let n = 0;
		for (const node of list) { n += 1; n += countNodes(node.children || []); }
		return n;
	}
	return {
		nodes,
		fingerprint: {
			url: location.href,
			scrollX: Math.round(window.scrollX),
			scrollY: Math.round(window.scrollY),
			docWidth: document.documentElement.scrollWidth,
			docHeight: document.documentElement.scrollHeight,
			interactiveCount: countNodes(nodes),
		},
	};
})()
`

// WalkOptions controls how far the browser-side tree iterator descends,
// §4.8 step 1.
type WalkOptions struct {
	PierceShadow  bool
	IncludeFrames bool
}

// Capture walks frameRef's document and returns a Snapshot at the given
// detail level. frameRef is the "F" component used in every ref this
// snapshot assigns (e.g. "0" for the main frame, "fmains1e1"'s "main").
func (s *Snapshotter) Capture(ctx context.Context, sessionID target.SessionID, frameRef string, detail Detail, opts WalkOptions) (*Snapshot, error) {
	id := s.nextID(frameRef)
	refPrefix := fmt.Sprintf("f%ss%d", frameRef, id)

	script := fmt.Sprintf(walkScript, jsString(refPrefix), jsString(string(detail)), jsBool(opts.PierceShadow), jsBool(opts.IncludeFrames))
	var res callResult
	if err := s.exec.Execute(ctx, sessionID, "Runtime.evaluate", evalParams{Expression: script, ReturnByValue: true}, &res); err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "evaluate snapshot walk")
	}
	if res.ExceptionDetails != nil {
		return nil, cdperr.New(cdperr.KindExecution, "snapshot walk: %s", res.ExceptionDetails.Text)
	}
	var out walkOutcome
	if res.Result != nil && res.Result.Value != nil {
		if err := json.Unmarshal(res.Result.Value, &out); err != nil {
			return nil, cdperr.Wrap(cdperr.KindExecution, err, "decode snapshot result")
		}
	}

	nodes := out.Nodes
	if detail == DetailSummary {
		nodes = summarize(nodes)
	}

	snap := &Snapshot{ID: id, FrameRef: frameRef, Nodes: nodes, Fingerprint: out.Fingerprint}
	snap.Text = Serialize(nodes)
	return snap, nil
}

// Unchanged reports whether since matches snap's fingerprint, §4.8.
func Unchanged(snap *Snapshot, since *Fingerprint) bool {
	return since != nil && *since == snap.Fingerprint
}

// Serialize renders nodes as indented YAML-like text, one line per
// element: `role "name" [ref=...] [level=N] [name=tag]` (the last only for
// input/select/textarea, holding the element's tag name; the field's own
// name attribute is not emitted), indenting
// children two spaces per depth so the tree shape is visible in the text.
func Serialize(nodes []Node) string {
	var b strings.Builder
	serializeDepth(&b, nodes, 0)
	return b.String()
}

func serializeDepth(b *strings.Builder, nodes []Node, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, n := range nodes {
		b.WriteString(indent)
		b.WriteString(n.Role)
		if n.Name != "" {
			b.WriteString(" \"")
			b.WriteString(n.Name)
			b.WriteString("\"")
		}
		b.WriteString(" [ref=")
		b.WriteString(n.Ref)
		b.WriteString("]")
		if n.Level > 0 {
			b.WriteString(" [level=")
			b.WriteString(strconv.Itoa(n.Level))
			b.WriteString("]")
		}
		if n.Tag == "input" || n.Tag == "select" || n.Tag == "textarea" {
			b.WriteString(" [name=")
			b.WriteString(n.Tag)
			b.WriteString("]")
		}
		if n.States.Disabled {
			b.WriteString(" [disabled]")
		}
		if n.States.Checked {
			b.WriteString(" [checked]")
		}
		if n.States.Expanded {
			b.WriteString(" [expanded]")
		}
		if n.States.Required {
			b.WriteString(" [required]")
		}
		if n.States.Invalid {
			b.WriteString(" [invalid]")
		}
		if n.States.Focused {
			b.WriteString(" [focused]")
		}
		b.WriteString("\n")
		serializeDepth(b, n.Children, depth+1)
	}
}

// summarize collapses a full node list into node counts per role, the
// `summary` detail level of §4.8. Every captured node is counted under its
// role; roles are not restricted to landmark roles.
func summarize(nodes []Node) []Node {
	counts := map[string]int{}
	for _, n := range Flatten(nodes) {
		counts[n.Role]++
	}
	out := make([]Node, 0, len(counts))
	for role, n := range counts {
		out = append(out, Node{Role: role, Name: fmt.Sprintf("%d", n), Ref: ""})
	}
	return out
}

// WriteOrInline returns text inline if it fits within the snapshotter's
// inline limit, otherwise writes it to dir/<alias>.snapshot.yaml and
// returns the path, §4.8 step 5.
func (s *Snapshotter) WriteOrInline(dir, alias, text string) (inline string, path string, err error) {
	if len(text) <= s.inline {
		return text, "", nil
	}
	p := filepath.Join(dir, alias+".snapshot.yaml")
	if err := os.WriteFile(p, []byte(text), 0o644); err != nil {
		return "", "", cdperr.Wrap(cdperr.KindExecution, err, "write snapshot file")
	}
	return "", p, nil
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func jsBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
