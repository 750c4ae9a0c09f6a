package watch

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// Scan performs the targeted rescan used for overflow recovery and
// the periodic reconcile: walk the repository respecting ignore
// rules, stat every file and symlink, and report as dirty any path
// whose size or mtime differs from the stat cache, plus any path
// present in the cache or the tracked set but not on disk.  Content
// rehashing is the updater's job.
func Scan(root string, rules *Ruleset, cache *StatCache, tracked []string) (dirty []string, err error) {
	defer Return(&err)
	seen := map[string]bool{}
	dirtySet := map[string]bool{}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			log.Debugf("reconcile walk: %v", werr)
			return nil
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rules.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			// went away mid-walk; the cache comparison below catches it
			return nil
		}
		seen[rel] = true
		sig := Sig{Size: info.Size(), MtimeNS: info.ModTime().UnixNano()}
		cached, ok, cerr := cache.Get(rel)
		if cerr != nil {
			return cerr
		}
		if !ok || cached != sig {
			dirtySet[rel] = true
		}
		return nil
	})
	Ck(err)

	// cached paths that vanished
	err = cache.Each(func(p string, _ Sig) error {
		if !seen[p] {
			dirtySet[p] = true
		}
		return nil
	})
	Ck(err)

	// tracked paths missing from both disk and cache
	for _, p := range tracked {
		if !seen[p] {
			dirtySet[p] = true
		}
	}

	dirty = make([]string, 0, len(dirtySet))
	for p := range dirtySet {
		dirty = append(dirty, p)
	}
	sort.Strings(dirty)
	log.Debugf("reconcile: %d candidate paths", len(dirty))
	return dirty, nil
}

// SigOf lstats one path.  ok is false when the path is absent or not
// a regular file/symlink.
func SigOf(abs string) (sig Sig, ok bool) {
	fi, err := os.Lstat(abs)
	if err != nil || fi.IsDir() {
		return Sig{}, false
	}
	return Sig{Size: fi.Size(), MtimeNS: fi.ModTime().UnixNano()}, true
}
