package worktree

import (
	"io/fs"
	"os"
	"path/filepath"

	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/object"
	"github.com/saint0x/timelapse/watch"
)

// Rehash scans the working tree (minus ignored paths) and computes
// the root tree hash it would serialize to.  No objects are written;
// this exists so restore and tests can check the round-trip property
// (restore then rehash reproduces the checkpoint's root) directly
// against the filesystem.
func Rehash(root string, rules *watch.Ruleset, store *object.Store) (h object.Hash, err error) {
	defer Return(&err)
	algo := store.Algo()
	var entries []object.PathEntry

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
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
			return ierr
		}
		var e object.PathEntry
		e.Path = rel
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, terr := os.Readlink(p)
			if terr != nil {
				return terr
			}
			e.Kind = object.KindSymlink
			e.Hash = object.HashBlob(algo, []byte(target))
		case info.Mode().IsRegular():
			content, cerr := os.ReadFile(p)
			if cerr != nil {
				return cerr
			}
			if info.Mode()&0o111 != 0 {
				e.Kind = object.KindExec
			} else {
				e.Kind = object.KindFile
			}
			e.Hash = object.HashBlob(algo, content)
		default:
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	Ck(err)

	b := object.NewTreeBuilder(store, false)
	return b.Reset(entries)
}
