// Package pathmap holds the persistent per-path index for the current
// tree: path -> {kind, mode, content hash}, anchored to exactly one
// root tree hash.  It is a cache; on anchor mismatch it is rebuilt
// from the anchor tree in the object store.
package pathmap

import (
	"sort"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/object"
)

// Entry is the recorded state of one tracked path.
type Entry struct {
	Kind object.Kind
	Mode uint32
	Hash object.Hash
}

// Map is the in-memory index.  All mutation happens under the
// Updater's exclusive lock; Map itself is not thread-safe.
type Map struct {
	algo    object.Algo
	entries map[string]Entry
	sorted  []string // cached sort order, nil when stale
	anchor  object.Hash
}

func New(algo object.Algo) *Map {
	return &Map{algo: algo, entries: map[string]Entry{}}
}

func (m *Map) Algo() object.Algo { return m.algo }

// Anchor is the root tree hash this map corresponds to.
func (m *Map) Anchor() object.Hash { return m.anchor }

func (m *Map) SetAnchor(h object.Hash) { m.anchor = h }

func (m *Map) Len() int { return len(m.entries) }

func (m *Map) Get(path string) (Entry, bool) {
	e, ok := m.entries[path]
	return e, ok
}

func (m *Map) Put(path string, e Entry) error {
	if len(path) > 0xffff {
		return errs.New(errs.ConfigInvalid, "path exceeds snapshot format limit: %d bytes", len(path))
	}
	m.entries[path] = e
	m.sorted = nil
	return nil
}

func (m *Map) Remove(path string) {
	if _, ok := m.entries[path]; ok {
		delete(m.entries, path)
		m.sorted = nil
	}
}

func (m *Map) sortedPaths() []string {
	if m.sorted == nil {
		m.sorted = make([]string, 0, len(m.entries))
		for p := range m.entries {
			m.sorted = append(m.sorted, p)
		}
		sort.Strings(m.sorted)
	}
	return m.sorted
}

// IterSorted visits entries in lexicographic path order.
func (m *Map) IterSorted(fn func(path string, e Entry) error) error {
	for _, p := range m.sortedPaths() {
		if err := fn(p, m.entries[p]); err != nil {
			return err
		}
	}
	return nil
}

// PathEntries flattens the map for the tree builder.
func (m *Map) PathEntries() []object.PathEntry {
	out := make([]object.PathEntry, 0, len(m.entries))
	for _, p := range m.sortedPaths() {
		e := m.entries[p]
		out = append(out, object.PathEntry{Path: p, Kind: e.Kind, Hash: e.Hash})
	}
	return out
}

// Paths returns the sorted tracked path list.
func (m *Map) Paths() []string {
	return append([]string(nil), m.sortedPaths()...)
}
