package worktree

import (
	"sort"

	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/object"
)

// Diff lists the path-level differences between two root trees.
type Diff struct {
	Added    []string
	Removed  []string
	Modified []string
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// TreeDiff compares the flattened closures of two root trees.  Rename
// detection is deliberately absent: a rename is an add plus a remove.
func TreeDiff(s *object.Store, a, b object.Hash) (d Diff, err error) {
	defer Return(&err)
	olds, err := flattenMap(s, a)
	Ck(err)
	news, err := flattenMap(s, b)
	Ck(err)

	for p, oldE := range olds {
		newE, ok := news[p]
		switch {
		case !ok:
			d.Removed = append(d.Removed, p)
		case oldE.Hash != newE.Hash || oldE.Kind != newE.Kind:
			d.Modified = append(d.Modified, p)
		}
	}
	for p := range news {
		if _, ok := olds[p]; !ok {
			d.Added = append(d.Added, p)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d, nil
}

func flattenMap(s *object.Store, root object.Hash) (m map[string]object.PathEntry, err error) {
	defer Return(&err)
	entries, err := object.FlattenTree(s, root)
	Ck(err)
	m = make(map[string]object.PathEntry, len(entries))
	for _, e := range entries {
		m[e.Path] = e
	}
	return m, nil
}
