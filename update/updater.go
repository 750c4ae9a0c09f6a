package update

import (
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/journal"
	"github.com/saint0x/timelapse/object"
	"github.com/saint0x/timelapse/pathmap"
	"github.com/saint0x/timelapse/repo"
	"github.com/saint0x/timelapse/watch"
)

// Defaults for the updater's tunables.
const (
	DefaultRetries     = 3
	DefaultFileTimeout = 30 * time.Second
	// SnapshotEvery controls how often the PathMap snapshot is
	// rewritten; between snapshots the journal is authoritative.
	DefaultSnapshotEvery = 100
)

// Updater owns the PathMap and the directory Merkle.  Apply runs one
// batch under the exclusive updater lock; Restore and GC take the
// same lock through WithLock.
type Updater struct {
	repo    *repo.Repository
	rules   *watch.Ruleset
	cache   *watch.StatCache
	builder *object.TreeBuilder

	Workers       int
	Retries       int
	FileTimeout   time.Duration
	SnapshotEvery int

	mu            chan struct{} // capacity-1 semaphore: the updater lock
	deferred      map[string]bool
	forceRemove   map[string]bool // tracked paths that became ignored
	sinceSnapshot int
}

func New(r *repo.Repository, rules *watch.Ruleset, cache *watch.StatCache) (u *Updater, err error) {
	defer Return(&err)
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	u = &Updater{
		repo:          r,
		rules:         rules,
		cache:         cache,
		builder:       object.NewTreeBuilder(r.Store, true),
		Workers:       workers,
		Retries:       DefaultRetries,
		FileTimeout:   DefaultFileTimeout,
		SnapshotEvery: DefaultSnapshotEvery,
		mu:            make(chan struct{}, 1),
		deferred:      map[string]bool{},
		forceRemove:   map[string]bool{},
	}
	_, err = u.builder.Reset(r.PathMap.PathEntries())
	Ck(err)
	// ignore patterns only change across daemon starts; anything
	// tracked that is now ignored counts as deleted
	for _, p := range r.PathMap.Paths() {
		if rules.Ignored(p) {
			u.forceRemove[p] = true
		}
	}
	return u, nil
}

func (u *Updater) lock()   { u.mu <- struct{}{} }
func (u *Updater) unlock() { <-u.mu }

// WithLock runs fn under the exclusive updater lock.  Restore and GC
// use it to exclude concurrent batches.
func (u *Updater) WithLock(fn func() error) error {
	u.lock()
	defer u.unlock()
	return fn()
}

// PendingDeferred reports how many unstable paths are queued for the
// next batch.
func (u *Updater) PendingDeferred() int {
	u.lock()
	defer u.unlock()
	return len(u.deferred)
}

// Apply runs the full pipeline for one batch: normalize, reconcile,
// write blobs, mutate the PathMap, rehash the dirty ancestry, append
// the checkpoint, fsync, then update HEAD and the stat cache.  A nil
// checkpoint with nil error means the batch was a no-op.
func (u *Updater) Apply(batch watch.Batch, trigger journal.Trigger) (c *journal.Checkpoint, err error) {
	u.lock()
	defer u.unlock()
	return u.applyLocked(batch, trigger)
}

func (u *Updater) applyLocked(batch watch.Batch, trigger journal.Trigger) (c *journal.Checkpoint, err error) {
	defer Return(&err)

	paths := u.normalize(batch.Paths)
	if len(paths) == 0 && len(u.forceRemove) == 0 {
		return nil, nil
	}
	log.Debugf("updater: batch of %d candidates (trigger=%s)", len(paths), trigger)

	results := u.reconcile(paths)

	var puts []result
	var removes []string
	for p := range u.forceRemove {
		if _, tracked := u.repo.PathMap.Get(p); tracked {
			removes = append(removes, p)
		}
	}
	u.forceRemove = map[string]bool{}
	for _, r := range results {
		switch r.op {
		case opPut:
			puts = append(puts, r)
		case opRemove:
			removes = append(removes, r.path)
		case opDefer:
			u.deferred[r.path] = true
		case opNone:
		}
		if r.err != nil {
			// abort the whole batch; every candidate stays dirty
			for _, p := range paths {
				u.deferred[p] = true
			}
			return nil, r.err
		}
	}
	if len(puts) == 0 && len(removes) == 0 {
		log.Debugf("updater: no real changes")
		return nil, nil
	}

	// write blobs before touching any in-memory state; a crash here
	// leaves only orphan objects for GC
	var bytesWritten int64
	for _, r := range puts {
		if !u.repo.Store.HasBlob(r.entry.Hash) {
			_, werr := u.repo.Store.PutBlob(r.content)
			if werr != nil {
				for _, p := range paths {
					u.deferred[p] = true
				}
				return nil, werr
			}
			bytesWritten += int64(len(r.content))
		}
	}

	// commit region: no suspension until the journal fsync
	stats := journal.Stats{BytesWritten: bytesWritten}
	putEntries := make([]object.PathEntry, 0, len(puts))
	for _, r := range puts {
		if _, existed := u.repo.PathMap.Get(r.path); existed {
			stats.Modified++
		} else {
			stats.Added++
		}
		err = u.repo.PathMap.Put(r.path, r.entry)
		Ck(err)
		putEntries = append(putEntries, object.PathEntry{Path: r.path, Kind: r.entry.Kind, Hash: r.entry.Hash})
	}
	for _, p := range removes {
		u.repo.PathMap.Remove(p)
		stats.Removed++
	}

	root, err := u.builder.Apply(putEntries, removes)
	Ck(err)

	head, err := u.repo.Journal.Latest()
	Ck(err)
	if head != nil && head.Root == root {
		// net no-op (e.g. delete and recreate with identical content)
		u.repo.PathMap.SetAnchor(root)
		log.Debugf("updater: root unchanged, no checkpoint")
		return nil, nil
	}

	touched := make([]string, 0, len(puts)+len(removes))
	for _, r := range puts {
		touched = append(touched, r.path)
	}
	touched = append(touched, removes...)
	sort.Strings(touched)

	now := time.Now()
	c = &journal.Checkpoint{
		ID:        journal.NewID(now),
		Root:      root,
		CreatedNS: now.UnixNano(),
		Trigger:   trigger,
		Touched:   touched,
		Stats:     stats,
	}
	if head != nil {
		c.Parent = head.ID
	}
	err = u.repo.Journal.Append(c)
	Ck(err)
	u.repo.PathMap.SetAnchor(root)

	// the record is durable; everything below is repairable state
	err = u.repo.SetHead(c.ID)
	Ck(err)
	u.updateStatCache(puts, removes)
	u.maybeSnapshot()
	log.Infof("checkpoint %s: +%d ~%d -%d (%s)", c.ID, stats.Added, stats.Modified, stats.Removed, trigger)
	return c, nil
}

// normalize strips candidates to clean repo-relative form, drops
// ignored paths, folds in deferred paths from earlier batches, and
// expands deleted directories into the tracked paths beneath them.
func (u *Updater) normalize(raw []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		if u.rules.Ignored(p) {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	for p := range u.deferred {
		add(p)
	}
	u.deferred = map[string]bool{}

	for _, p := range raw {
		p = strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
		if p == "." || strings.HasPrefix(p, "../") || p == ".." {
			continue
		}
		add(p)
		// a vanished directory produces one event for itself; the
		// tracked paths underneath only show up by prefix scan
		prefix := p + "/"
		for _, tracked := range u.repo.PathMap.Paths() {
			if strings.HasPrefix(tracked, prefix) {
				add(tracked)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (u *Updater) updateStatCache(puts []result, removes []string) {
	sigs := map[string]watch.Sig{}
	for _, r := range puts {
		sigs[r.path] = r.sig
	}
	if err := u.cache.Update(sigs, removes); err != nil {
		log.Warnf("stat cache update: %v", err)
	}
}

func (u *Updater) maybeSnapshot() {
	u.sinceSnapshot++
	if u.sinceSnapshot < u.SnapshotEvery {
		return
	}
	if err := u.repo.PathMap.WriteFile(u.repo.PathMapPath()); err != nil {
		log.Warnf("pathmap snapshot: %v", err)
		return
	}
	u.sinceSnapshot = 0
}

// SnapshotNow forces a PathMap snapshot, used at daemon shutdown and
// after restore.
func (u *Updater) SnapshotNow() error {
	return u.repo.PathMap.WriteFile(u.repo.PathMapPath())
}

// ResetState swaps the PathMap and directory Merkle to a known tree,
// used by restore.  Caller holds the updater lock.
func (u *Updater) ResetState(entries []object.PathEntry, anchor object.Hash) (err error) {
	defer Return(&err)
	pm := pathmap.New(u.repo.Config.HashAlgo)
	for _, e := range entries {
		err = pm.Put(e.Path, pathmap.Entry{Kind: e.Kind, Mode: e.Kind.Mode(), Hash: e.Hash})
		Ck(err)
	}
	pm.SetAnchor(anchor)
	root, err := u.builder.Reset(pm.PathEntries())
	Ck(err)
	if root != anchor {
		return errs.New(errs.Corrupt, "restored tree %s does not rebuild to %s", root.Hex(), anchor.Hex())
	}
	*u.repo.PathMap = *pm
	err = u.SnapshotNow()
	Ck(err)

	sigs := map[string]watch.Sig{}
	for _, e := range entries {
		abs := filepath.Join(u.repo.Root, filepath.FromSlash(e.Path))
		if sig, ok := watch.SigOf(abs); ok {
			sigs[e.Path] = sig
		}
	}
	return u.cache.Replace(sigs)
}

// AppendMeta journals a checkpoint that reuses the current root tree
// (restore, publish, gc_compact markers).  Caller holds the updater
// lock when required.
func (u *Updater) AppendMeta(root object.Hash, trigger journal.Trigger, touched []string, stats journal.Stats) (c *journal.Checkpoint, err error) {
	defer Return(&err)
	head, err := u.repo.Journal.Latest()
	Ck(err)
	now := time.Now()
	c = &journal.Checkpoint{
		ID:        journal.NewID(now),
		Root:      root,
		CreatedNS: now.UnixNano(),
		Trigger:   trigger,
		Touched:   touched,
		Stats:     stats,
	}
	if head != nil {
		c.Parent = head.ID
	}
	err = u.repo.Journal.Append(c)
	Ck(err)
	err = u.repo.SetHead(c.ID)
	Ck(err)
	return c, nil
}
