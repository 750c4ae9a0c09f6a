// Package watch is the filesystem event layer: kernel notification
// capture, per-path debounce, batch coalescing, ignore rules, and the
// overflow/periodic reconcile scan.  It emits batches of candidate
// dirty paths; the updater is the source of truth on what actually
// changed.
package watch

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/saint0x/timelapse/errs"
)

// host VCS metadata is never tracked
var vcsDirs = []string{".git", ".jj", ".hg", ".svn"}

// Ruleset decides which repo-relative paths the engine pretends not
// to see.  The engine metadata directory and host VCS directories are
// always excluded; user globs come from the config and are fixed for
// the daemon's lifetime.
type Ruleset struct {
	engineDir string
	globs     []glob.Glob
	raw       []string
}

func NewRuleset(engineDir string, patterns []string) (*Ruleset, error) {
	rs := &Ruleset{engineDir: engineDir, raw: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errs.Wrap(errs.ConfigInvalid, err, "ignore pattern %q", p)
		}
		rs.globs = append(rs.globs, g)
	}
	return rs, nil
}

// Ignored reports whether the repo-relative path is excluded.  A user
// glob matches against the whole path and against each individual
// component, so "node_modules" excludes the directory wherever it
// appears.
func (rs *Ruleset) Ignored(rel string) bool {
	if rel == "" || rel == "." {
		return true
	}
	if underDir(rel, rs.engineDir) {
		return true
	}
	for _, d := range vcsDirs {
		if underDir(rel, d) {
			return true
		}
	}
	for _, g := range rs.globs {
		if g.Match(rel) {
			return true
		}
		for _, seg := range strings.Split(rel, "/") {
			if g.Match(seg) {
				return true
			}
		}
	}
	return false
}

func underDir(rel, dir string) bool {
	return rel == dir || strings.HasPrefix(rel, dir+"/")
}
