// Package tabstore persists the alias -> target mapping across separate
// cdpstep invocations, so a later "connectTab" step can address a tab a
// prior run opened. Grounded on the teacher's reliance on a plain JSON file
// for cross-process state; the atomic rename pattern mirrors how the
// teacher's runner package writes its PID file (C3 of SPEC_FULL.md).
package tabstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"

	"github.com/cdpstep/cdpstep/cdperr"
)

// DefaultPath is where the alias map lives when the caller doesn't override
// it, one file per host machine shared by every cdpstep invocation.
func DefaultPath() string {
	dir := os.TempDir()
	return filepath.Join(dir, "cdpstep-tabs.json")
}

// Store is a process-external alias -> target.ID map backed by a JSON file.
// Every read and write reloads/rewrites the whole file under an in-process
// lock; concurrent cdpstep processes racing the same file is an accepted
// best-effort window (no cross-process file lock), matching the aliasing
// feature's "best effort" framing in §4.3.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a Store backed by path, creating no file until the first
// Write.
func Open(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{path: path}
}

type record struct {
	ID       string    `json:"id"`
	Alias    string    `json:"alias"`
	TargetID target.ID `json:"targetId"`
}

func (s *Store) load() (map[string]record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]record{}, nil
	}
	if err != nil {
		return nil, err
	}

	var recs []record
	if err := json.Unmarshal(data, &recs); err != nil {
		// A corrupt file is treated as an empty map rather than a fatal
		// error: alias state is a convenience, not a source of truth.
		return map[string]record{}, nil
	}

	m := make(map[string]record, len(recs))
	for _, r := range recs {
		m[r.Alias] = r
	}
	return m, nil
}

func (s *Store) save(m map[string]record) error {
	recs := make([]record, 0, len(m))
	for _, r := range m {
		recs = append(recs, r)
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Set records alias -> targetID, overwriting any prior mapping for alias.
// A fresh alias is stamped with a new record ID; re-pointing an existing
// alias at a different target keeps its original ID, so external tooling
// that logged the ID earlier still recognizes the entry.
func (s *Store) Set(alias string, targetID target.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "read tab alias store")
	}
	id := m[alias].ID
	if id == "" {
		id = uuid.NewString()
	}
	m[alias] = record{ID: id, Alias: alias, TargetID: targetID}
	if err := s.save(m); err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "write tab alias store")
	}
	return nil
}

// TargetFor resolves alias to a target.ID, if known.
func (s *Store) TargetFor(alias string) (target.ID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return "", false, cdperr.Wrap(cdperr.KindExecution, err, "read tab alias store")
	}
	r, ok := m[alias]
	return r.TargetID, ok, nil
}

// EntryID returns the stable record ID minted for alias when it was first
// recorded, for callers that want to correlate an alias across renames.
func (s *Store) EntryID(alias string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return "", false, cdperr.Wrap(cdperr.KindExecution, err, "read tab alias store")
	}
	r, ok := m[alias]
	return r.ID, ok, nil
}

// AliasFor returns an alias recorded for targetID, if any. When several
// aliases point at targetID, which one is returned is not defined.
func (s *Store) AliasFor(targetID target.ID) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return "", false, cdperr.Wrap(cdperr.KindExecution, err, "read tab alias store")
	}
	for alias, r := range m {
		if r.TargetID == targetID {
			return alias, true, nil
		}
	}
	return "", false, nil
}

// Forget removes alias from the store. Forgetting an alias that is not
// present is not an error.
func (s *Store) Forget(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "read tab alias store")
	}
	delete(m, alias)
	if err := s.save(m); err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "write tab alias store")
	}
	return nil
}

// ForgetTarget removes every alias pointing at targetID, used when a tab is
// closed so stale aliases can't resolve to a dead target.
func (s *Store) ForgetTarget(targetID target.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "read tab alias store")
	}
	for alias, r := range m {
		if r.TargetID == targetID {
			delete(m, alias)
		}
	}
	if err := s.save(m); err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "write tab alias store")
	}
	return nil
}
