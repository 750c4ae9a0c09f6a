package object

import (
	. "github.com/stevegt/goadapt"
)

// WalkTree visits every entry reachable from root, depth-first.  fn
// receives the full repo-relative path; subtree entries are visited
// (with IsDir true) before their children.
func WalkTree(s *Store, root Hash, fn func(path string, e TreeEntry) error) (err error) {
	defer Return(&err)
	return walkTree(s, root, "", fn)
}

func walkTree(s *Store, tree Hash, prefix string, fn func(path string, e TreeEntry) error) (err error) {
	defer Return(&err)
	entries, err := s.GetTree(tree)
	Ck(err)
	for _, e := range entries {
		p := e.Name
		if prefix != "" {
			p = prefix + "/" + e.Name
		}
		err = fn(p, e)
		Ck(err)
		if e.IsDir() {
			err = walkTree(s, e.Hash, p, fn)
			Ck(err)
		}
	}
	return nil
}

// FlattenTree collects the non-directory entries of a tree closure as
// PathEntry values, the shape the PathMap and tree builder consume.
func FlattenTree(s *Store, root Hash) (entries []PathEntry, err error) {
	defer Return(&err)
	err = WalkTree(s, root, func(path string, e TreeEntry) error {
		if e.IsDir() {
			return nil
		}
		kind, kerr := KindForMode(e.Mode)
		if kerr != nil {
			return kerr
		}
		entries = append(entries, PathEntry{Path: path, Kind: kind, Hash: e.Hash})
		return nil
	})
	Ck(err)
	return entries, nil
}
