package object

import (
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// PathEntry couples a repo-relative path ("/"-separated, no leading
// slash) with the data of its tree entry.
type PathEntry struct {
	Path string
	Kind Kind
	Hash Hash
}

type dirNode struct {
	files   map[string]TreeEntry // name -> file/exec/symlink entry
	subdirs map[string]Hash      // name -> child tree hash
}

func newDirNode() *dirNode {
	return &dirNode{files: map[string]TreeEntry{}, subdirs: map[string]Hash{}}
}

func (n *dirNode) empty() bool {
	return len(n.files) == 0 && len(n.subdirs) == 0
}

// TreeBuilder maintains the directory Merkle for the current PathMap
// state.  Each directory serializes to its own Git-format tree
// object; a batch only rehashes directories along the ancestry of
// changed paths.  The root directory is keyed "".
//
// Owned by the Updater task; not safe for concurrent use.
type TreeBuilder struct {
	store *Store
	algo  Algo
	write bool // write new tree objects to the store
	dirs  map[string]*dirNode
	root  Hash
}

// NewTreeBuilder returns a builder over store.  When write is false
// the builder only computes hashes; nothing touches disk (used for
// anchor verification and working-tree rehash).
func NewTreeBuilder(store *Store, write bool) *TreeBuilder {
	return &TreeBuilder{
		store: store,
		algo:  store.Algo(),
		write: write,
		dirs:  map[string]*dirNode{"": newDirNode()},
	}
}

func (b *TreeBuilder) Root() Hash { return b.root }

// Reset rebuilds the whole directory index from a full entry set and
// returns the root tree hash.
func (b *TreeBuilder) Reset(entries []PathEntry) (root Hash, err error) {
	defer Return(&err)
	b.dirs = map[string]*dirNode{"": newDirNode()}
	dirty := map[string]bool{"": true}
	for _, e := range entries {
		b.insert(e, dirty)
	}
	return b.rebuild(dirty)
}

// Apply applies a batch of entry puts and removals and returns the
// new root tree hash.  Cost is proportional to the changed paths plus
// their ancestor directories.
func (b *TreeBuilder) Apply(puts []PathEntry, removes []string) (root Hash, err error) {
	defer Return(&err)
	dirty := map[string]bool{"": true}
	for _, e := range puts {
		b.insert(e, dirty)
	}
	for _, p := range removes {
		dir, name := splitDir(p)
		if node, ok := b.dirs[dir]; ok {
			delete(node.files, name)
		}
		markAncestors(dir, dirty)
	}
	return b.rebuild(dirty)
}

func (b *TreeBuilder) insert(e PathEntry, dirty map[string]bool) {
	Assert(e.Kind != KindDir, "directories are implied, not inserted: %s", e.Path)
	dir, name := splitDir(e.Path)
	b.ensureDir(dir)
	b.dirs[dir].files[name] = TreeEntry{Name: name, Mode: e.Kind.Mode(), Hash: e.Hash}
	markAncestors(dir, dirty)
}

// ensureDir creates dir and all its ancestors in the index.  Subdir
// hash links are filled in during rebuild.
func (b *TreeBuilder) ensureDir(dir string) {
	for d := dir; ; d = parentDir(d) {
		if _, ok := b.dirs[d]; ok {
			// ancestors of an existing dir always exist
			break
		}
		b.dirs[d] = newDirNode()
		if d == "" {
			break
		}
	}
}

// rebuild rehashes dirty directories deepest-first so every parent
// sees its children's final hashes.  Directories left with no entries
// disappear from their parent.
func (b *TreeBuilder) rebuild(dirty map[string]bool) (root Hash, err error) {
	defer Return(&err)
	order := make([]string, 0, len(dirty))
	for d := range dirty {
		order = append(order, d)
	}
	sort.Slice(order, func(i, j int) bool {
		return depth(order[i]) > depth(order[j])
	})
	for _, d := range order {
		node, ok := b.dirs[d]
		if !ok {
			continue
		}
		if d != "" && node.empty() {
			delete(b.dirs, d)
			pd, name := splitDir(d)
			if parent, ok := b.dirs[pd]; ok {
				delete(parent.subdirs, name)
			}
			continue
		}
		h, err := b.hashDir(node)
		Ck(err)
		if d == "" {
			b.root = h
		} else {
			pd, name := splitDir(d)
			b.dirs[pd].subdirs[name] = h
		}
	}
	log.Debugf("rebuilt %d dirs, root %s", len(order), b.root.Short())
	return b.root, nil
}

func (b *TreeBuilder) hashDir(node *dirNode) (h Hash, err error) {
	entries := make([]TreeEntry, 0, len(node.files)+len(node.subdirs))
	for _, e := range node.files {
		entries = append(entries, e)
	}
	for name, sub := range node.subdirs {
		entries = append(entries, TreeEntry{Name: name, Mode: ModeDir, Hash: sub})
	}
	body := EncodeTree(entries)
	if b.write {
		return b.store.PutTreeBody(body)
	}
	return HashTreeBody(b.algo, body), nil
}

// markAncestors marks dir and everything above it dirty.
func markAncestors(dir string, dirty map[string]bool) {
	for d := dir; ; d = parentDir(d) {
		dirty[d] = true
		if d == "" {
			break
		}
	}
}

// splitDir splits a repo-relative path into its directory ("" for the
// root) and final component.
func splitDir(p string) (dir, name string) {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

func parentDir(d string) string {
	i := strings.LastIndexByte(d, '/')
	if i < 0 {
		return ""
	}
	return d[:i]
}

func depth(d string) int {
	if d == "" {
		return 0
	}
	return strings.Count(d, "/") + 1
}
