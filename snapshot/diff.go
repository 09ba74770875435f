package snapshot

import "strconv"

// Change is the §4.8 viewport diff result, computed at step-runner command
// boundaries between a before- and after-snapshot of the same frame.
type Change struct {
	Summary string   `json:"summary"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// identity is the cross-snapshot correlation key: refs are reassigned every
// snapshot (they carry the snapshot id), so added/removed/changed is
// computed over role+name+tag instead. (Ref re-resolution, §4.12, filters on
// the recorded role and name only; tag is not part of its metadata.)
type identity struct {
	Role string
	Name string
	Tag  string
}

func identityOf(n Node) identity { return identity{n.Role, n.Name, n.Tag} }

// stateOf captures the mutable bits a "changed" entry cares about.
type state struct {
	States States
	Value  string
}

func stateOf(n Node) state { return state{n.States, n.Value} }

// Diff compares before and after node trees and reports added, removed,
// and changed elements by ref, considering every captured node regardless
// of nesting. Added/removed refs are disjoint: an element present in both
// is only ever reported under "changed", never both.
func Diff(before, after []Node) Change {
	beforeByID := map[identity]Node{}
	for _, n := range Flatten(before) {
		beforeByID[identityOf(n)] = n
	}
	afterByID := map[identity]Node{}
	for _, n := range Flatten(after) {
		afterByID[identityOf(n)] = n
	}

	var added, removed, changed []string
	for id, n := range afterByID {
		if prev, ok := beforeByID[id]; ok {
			if stateOf(prev) != stateOf(n) {
				changed = append(changed, n.Ref)
			}
			continue
		}
		added = append(added, n.Ref)
	}
	for id, n := range beforeByID {
		if _, ok := afterByID[id]; !ok {
			removed = append(removed, n.Ref)
		}
	}

	summary := summaryLine(len(added), len(removed), len(changed))
	return Change{Summary: summary, Added: added, Removed: removed, Changed: changed}
}

func summaryLine(added, removed, changed int) string {
	if added == 0 && removed == 0 && changed == 0 {
		return "no visible changes"
	}
	return pluralize(added, "added") + ", " + pluralize(removed, "removed") + ", " + pluralize(changed, "changed")
}

func pluralize(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word
}
