// Package worktree moves state between the object store and the
// working directory: materializing a checkpoint's tree back onto
// disk, diffing two trees, and rehashing the working tree.
package worktree

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/object"
)

// Materialize writes the full tree closure of root into dst.  The
// entire closure is read and integrity-verified before the first
// byte lands in the working directory: a Corrupt object aborts the
// restore with the worktree untouched.  Returns the flattened
// entries.
func Materialize(s *object.Store, root object.Hash, dst string) (entries []object.PathEntry, err error) {
	defer Return(&err)
	entries, err = object.FlattenTree(s, root)
	Ck(err)

	// verification pass: every blob must read back and hash-verify
	blobs := make(map[object.Hash][]byte, len(entries))
	for _, e := range entries {
		if _, ok := blobs[e.Hash]; ok {
			continue
		}
		content, gerr := s.GetBlob(e.Hash)
		Ck(gerr)
		blobs[e.Hash] = content
	}

	// write pass
	for _, e := range entries {
		abs := filepath.Join(dst, filepath.FromSlash(e.Path))
		err = os.MkdirAll(filepath.Dir(abs), 0755)
		Ck(err)
		content := blobs[e.Hash]
		switch e.Kind {
		case object.KindFile:
			err = writeFileAtomic(abs, content, 0644)
		case object.KindExec:
			err = writeFileAtomic(abs, content, 0755)
		case object.KindSymlink:
			err = replaceSymlink(abs, string(content))
		default:
			Assert(false, "unhandled entry kind %d", e.Kind)
		}
		Ck(err)
	}
	log.Debugf("materialized %d paths from %s", len(entries), root.Short())
	return entries, nil
}

func writeFileAtomic(abs string, content []byte, perm os.FileMode) error {
	// an existing directory or symlink in the way has to go first
	if fi, err := os.Lstat(abs); err == nil && (fi.IsDir() || fi.Mode()&os.ModeSymlink != 0) {
		if err := os.RemoveAll(abs); err != nil {
			return err
		}
	}
	return renameio.WriteFile(abs, content, perm)
}

func replaceSymlink(abs, target string) error {
	if _, err := os.Lstat(abs); err == nil {
		if err := os.RemoveAll(abs); err != nil {
			return err
		}
	}
	return os.Symlink(target, abs)
}

// RemoveExtra deletes tracked paths that are absent from keep, then
// prunes directories left empty.  Used by restore to drop files the
// target checkpoint does not contain.
func RemoveExtra(root string, tracked []string, keep map[string]bool) (removed []string, err error) {
	defer Return(&err)
	dirs := map[string]bool{}
	for _, p := range tracked {
		if keep[p] {
			continue
		}
		abs := filepath.Join(root, filepath.FromSlash(p))
		rerr := os.Remove(abs)
		if rerr != nil && !os.IsNotExist(rerr) {
			return nil, rerr
		}
		removed = append(removed, p)
		for d := filepath.Dir(abs); d != root && d != "."; d = filepath.Dir(d) {
			dirs[d] = true
		}
	}
	// deepest first so empty parents fall too
	var order []string
	for d := range dirs {
		order = append(order, d)
	}
	sort.Slice(order, func(i, j int) bool { return len(order[i]) > len(order[j]) })
	for _, d := range order {
		os.Remove(d) // fails while non-empty, which is fine
	}
	return removed, nil
}
