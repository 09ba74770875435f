// Package siteprofile stores one markdown file per domain that the agent
// driving cdpstep can use to remember site-specific notes across runs. The
// core's contract is deliberately thin: read(domain) and write(domain,
// content); interpreting the markdown is the caller's job (§6).
package siteprofile

import (
	"os"
	"path/filepath"

	"github.com/cdpstep/cdpstep/cdperr"
)

// DefaultDir is where profiles live: $HOME/.cdp-skill/sites/<domain>.md.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".cdp-skill", "sites")
}

// Store reads and writes per-domain markdown notes.
type Store struct {
	dir string
}

// Open builds a Store rooted at dir. An empty dir uses DefaultDir().
func Open(dir string) *Store {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Store{dir: dir}
}

func (s *Store) path(domain string) string {
	return filepath.Join(s.dir, domain+".md")
}

// Read returns the stored profile for domain, or ("", false, nil) if none
// exists yet.
func (s *Store) Read(domain string) (string, bool, error) {
	b, err := os.ReadFile(s.path(domain))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, cdperr.Wrap(cdperr.KindExecution, err, "read site profile %s", domain)
	}
	return string(b), true, nil
}

// Write saves content as domain's profile and returns the file path,
// creating the store directory if needed.
func (s *Store) Write(domain, content string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", cdperr.Wrap(cdperr.KindExecution, err, "create site profile dir")
	}
	p := s.path(domain)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return "", cdperr.Wrap(cdperr.KindExecution, err, "write site profile %s", domain)
	}
	return p, nil
}

// Exists reports whether a profile for domain has ever been written. (The
// runner's "new domain" actionRequired check uses Read's exists result.)
func (s *Store) Exists(domain string) bool {
	_, err := os.Stat(s.path(domain))
	return err == nil
}
